// Package units converts measurement values between metric (SI) and
// imperial (EN) units.
package units

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ghalamif/MerlinFlow/internal/domain"
)

// System is a unit system preference.
type System string

const (
	SystemEN System = "EN"
	SystemSI System = "SI"
)

// ParseSystem accepts EN/SI and their common spellings.
func ParseSystem(s string) (System, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EN", "ENGLISH", "IMPERIAL":
		return SystemEN, nil
	case "SI", "METRIC":
		return SystemSI, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown unit system %q", s)
	}
}

type dimension string

const (
	dimLength      dimension = "length"
	dimTemperature dimension = "temperature"
	dimFlow        dimension = "flow"
	dimVolume      dimension = "volume"
	dimPressure    dimension = "pressure"
	dimSpeed       dimension = "speed"
	dimConductance dimension = "conductance"
)

// definition maps a unit onto its dimension's base unit: base = v*factor + offset.
type definition struct {
	dim    dimension
	factor float64
	offset float64
	system System
}

var definitions = map[string]definition{
	"m":  {dim: dimLength, factor: 1, system: SystemSI},
	"cm": {dim: dimLength, factor: 0.01, system: SystemSI},
	"mm": {dim: dimLength, factor: 0.001, system: SystemSI},
	"km": {dim: dimLength, factor: 1000, system: SystemSI},
	"ft": {dim: dimLength, factor: 0.3048, system: SystemEN},
	"in": {dim: dimLength, factor: 0.0254, system: SystemEN},
	"mi": {dim: dimLength, factor: 1609.344, system: SystemEN},

	"C": {dim: dimTemperature, factor: 1, system: SystemSI},
	"K": {dim: dimTemperature, factor: 1, offset: -273.15, system: SystemSI},
	"F": {dim: dimTemperature, factor: 5.0 / 9.0, offset: -160.0 / 9.0, system: SystemEN},

	"cms":  {dim: dimFlow, factor: 1, system: SystemSI},
	"cfs":  {dim: dimFlow, factor: 0.028316846592, system: SystemEN},
	"kcfs": {dim: dimFlow, factor: 28.316846592, system: SystemEN},
	"gpm":  {dim: dimFlow, factor: 6.30901964e-5, system: SystemEN},

	"m3":    {dim: dimVolume, factor: 1, system: SystemSI},
	"ft3":   {dim: dimVolume, factor: 0.028316846592, system: SystemEN},
	"ac-ft": {dim: dimVolume, factor: 1233.48183754752, system: SystemEN},
	"kaf":   {dim: dimVolume, factor: 1233481.83754752, system: SystemEN},

	"kPa":   {dim: dimPressure, factor: 1, system: SystemSI},
	"mb":    {dim: dimPressure, factor: 0.1, system: SystemSI},
	"psi":   {dim: dimPressure, factor: 6.894757293168, system: SystemEN},
	"in-hg": {dim: dimPressure, factor: 3.386389, system: SystemEN},

	"m/s":  {dim: dimSpeed, factor: 1, system: SystemSI},
	"kph":  {dim: dimSpeed, factor: 1 / 3.6, system: SystemSI},
	"ft/s": {dim: dimSpeed, factor: 0.3048, system: SystemEN},
	"mph":  {dim: dimSpeed, factor: 0.44704, system: SystemEN},

	"uS/cm": {dim: dimConductance, factor: 1},
	"mS/cm": {dim: dimConductance, factor: 1000},
}

var aliases = map[string]string{
	"meter": "m", "meters": "m", "metre": "m",
	"feet": "ft", "foot": "ft",
	"inch": "in", "inches": "in",
	"degc": "C", "deg c": "C", "celsius": "C", "c": "C", "°c": "C",
	"degf": "F", "deg f": "F", "fahrenheit": "F", "f": "F", "°f": "F",
	"kelvin": "K", "k": "K",
	"m3/s": "cms", "m^3/s": "cms",
	"ft3/s": "cfs", "ft^3/s": "cfs",
	"acre-ft": "ac-ft", "acft": "ac-ft", "af": "ac-ft",
	"kpa": "kPa", "mbar": "mb", "inhg": "in-hg",
	"mps": "m/s", "km/h": "kph", "fps": "ft/s",
	"umho/cm": "uS/cm", "us/cm": "uS/cm", "ms/cm": "mS/cm",
}

// counterparts names the preferred unit in the other system.
var counterparts = map[string]string{
	"m": "ft", "ft": "m",
	"cm": "in", "mm": "in", "in": "mm",
	"km": "mi", "mi": "km",
	"C": "F", "K": "F", "F": "C",
	"cms": "cfs", "cfs": "cms", "kcfs": "cms", "gpm": "cms",
	"m3": "ac-ft", "ft3": "m3", "ac-ft": "m3", "kaf": "m3",
	"kPa": "psi", "psi": "kPa", "mb": "in-hg", "in-hg": "mb",
	"m/s": "ft/s", "ft/s": "m/s", "kph": "mph", "mph": "kph",
}

// Canonical normalises a unit spelling. Unknown units are returned trimmed.
func Canonical(u string) string {
	u = strings.TrimSpace(u)
	if _, ok := definitions[u]; ok {
		return u
	}
	if a, ok := aliases[strings.ToLower(u)]; ok {
		return a
	}
	for name := range definitions {
		if strings.EqualFold(name, u) {
			return name
		}
	}
	return u
}

// Known reports whether the unit has a conversion definition.
func Known(u string) bool {
	_, ok := definitions[Canonical(u)]
	return ok
}

// Counterpart returns the unit the system prefers for values recorded in unit.
// Units without a system, or already in the system, are returned unchanged.
func Counterpart(unit string, system System) (string, bool) {
	cu := Canonical(unit)
	def, ok := definitions[cu]
	if !ok {
		return unit, false
	}
	if system == "" || def.system == "" || def.system == system {
		return cu, true
	}
	other, ok := counterparts[cu]
	if !ok {
		return cu, true
	}
	return other, true
}

// Convert returns values expressed in unit to. Values are copied.
func Convert(values []float64, from, to string) ([]float64, error) {
	cf, ct := Canonical(from), Canonical(to)
	src, ok := definitions[cf]
	if !ok {
		return nil, fmt.Errorf("%w: unknown unit %q", domain.ErrUnitConversion, from)
	}
	dst, ok := definitions[ct]
	if !ok {
		return nil, fmt.Errorf("%w: unknown unit %q", domain.ErrUnitConversion, to)
	}
	if src.dim != dst.dim {
		return nil, fmt.Errorf("%w: %s (%s) is not convertible to %s (%s)", domain.ErrUnitConversion, from, src.dim, to, dst.dim)
	}

	out := make([]float64, len(values))
	if cf == ct {
		copy(out, values)
		return out, nil
	}
	for i, v := range values {
		base := v*src.factor + src.offset
		out[i] = (base - dst.offset) / dst.factor
	}
	return out, nil
}

// Resolver picks target units: per-parameter override, then the unit implied
// by the unit system, then the upstream unit unchanged.
type Resolver struct {
	System    System
	Overrides map[string]string
}

// Target returns the unit values of parameter recorded in unit should end up in.
func (r Resolver) Target(parameter, unit string) string {
	if u, ok := r.Overrides[parameter]; ok && u != "" {
		return u
	}
	if r.System != "" {
		if u, ok := Counterpart(unit, r.System); ok {
			return u
		}
	}
	return unit
}

// ConvertConstituent converts c into its resolved target unit. Conversion
// failures are logged and the constituent is returned unconverted.
func (r Resolver) ConvertConstituent(c domain.ProfileConstituent, logger *zap.Logger) domain.ProfileConstituent {
	target := r.Target(c.Parameter, c.Unit)
	if target == "" || Canonical(target) == Canonical(c.Unit) {
		return c
	}
	vals, err := Convert(c.Values, c.Unit, target)
	if err != nil {
		if logger != nil {
			logger.Warn("unit conversion skipped",
				zap.String("parameter", c.Parameter),
				zap.String("from", c.Unit),
				zap.String("to", target),
				zap.Error(err))
		}
		return c
	}
	return domain.ProfileConstituent{Parameter: c.Parameter, Unit: Canonical(target), Values: vals}
}

// ConvertSeries returns a copy of s with every constituent converted.
func (r Resolver) ConvertSeries(s *domain.RawSeries, logger *zap.Logger) *domain.RawSeries {
	if s == nil {
		return nil
	}
	out := &domain.RawSeries{Times: s.Times, Constituents: make([]domain.ProfileConstituent, len(s.Constituents))}
	for i, c := range s.Constituents {
		out.Constituents[i] = r.ConvertConstituent(c, logger)
	}
	return out
}
