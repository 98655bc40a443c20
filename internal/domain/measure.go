package domain

import (
	"fmt"
	"strings"
	"time"
)

// MeasureKind distinguishes plain time series from depth profiles.
type MeasureKind string

const (
	KindTimeSeries MeasureKind = "timeseries"
	KindProfile    MeasureKind = "profile"
)

// Measure is one independently retrievable series in the catalog.
type Measure struct {
	SeriesID       string      `json:"series_id"`
	Parameter      string      `json:"parameter"`
	Processed      bool        `json:"processed"`
	Type           string      `json:"type,omitempty"`
	Interval       string      `json:"interval,omitempty"`
	Unit           string      `json:"unit,omitempty"`
	Kind           MeasureKind `json:"kind,omitempty"`
	DepthParameter string      `json:"depth_parameter,omitempty"`
}

// Equal compares measures by series identifier only.
func (m Measure) Equal(o Measure) bool {
	return m.SeriesID == o.SeriesID
}

// IsProfile reports whether the measure carries co-sampled depth constituents.
func (m Measure) IsProfile() bool {
	return m.Kind == KindProfile
}

func (m Measure) String() string {
	return fmt.Sprintf("%s (%s)", m.SeriesID, m.Parameter)
}

// Template is a named catalog grouping of measures.
type Template struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	UnitSystem string `json:"unit_system,omitempty"`
}

// Interval is a parsed measure timestep. Irregular series have a zero Step.
type Interval struct {
	Name      string
	Step      time.Duration
	Irregular bool
}

var intervals = map[string]Interval{
	"1minute":   {Name: "1Minute", Step: time.Minute},
	"2minutes":  {Name: "2Minutes", Step: 2 * time.Minute},
	"5minutes":  {Name: "5Minutes", Step: 5 * time.Minute},
	"10minutes": {Name: "10Minutes", Step: 10 * time.Minute},
	"15minutes": {Name: "15Minutes", Step: 15 * time.Minute},
	"30minutes": {Name: "30Minutes", Step: 30 * time.Minute},
	"1hour":     {Name: "1Hour", Step: time.Hour},
	"2hours":    {Name: "2Hours", Step: 2 * time.Hour},
	"3hours":    {Name: "3Hours", Step: 3 * time.Hour},
	"6hours":    {Name: "6Hours", Step: 6 * time.Hour},
	"12hours":   {Name: "12Hours", Step: 12 * time.Hour},
	"1day":      {Name: "1Day", Step: 24 * time.Hour},
	"1week":     {Name: "1Week", Step: 7 * 24 * time.Hour},
	"1month":    {Name: "1Month", Step: 30 * 24 * time.Hour},
	"0":         {Name: "0", Irregular: true},
	"ir-day":    {Name: "IR-Day", Irregular: true},
	"ir-month":  {Name: "IR-Month", Irregular: true},
	"ir-year":   {Name: "IR-Year", Irregular: true},
}

// ParseInterval resolves a catalog interval name. An empty name is treated as irregular.
func ParseInterval(name string) (Interval, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return Interval{Name: "0", Irregular: true}, nil
	}
	iv, ok := intervals[key]
	if !ok {
		return Interval{}, fmt.Errorf("%w: %q", ErrUnsupportedTimestep, name)
	}
	return iv, nil
}
