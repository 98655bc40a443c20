package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ghalamif/MerlinFlow/internal/app/profile"
	"github.com/ghalamif/MerlinFlow/internal/app/units"
	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

// DefaultDepthParameter is used for profile measures that do not name their
// depth constituent.
const DefaultDepthParameter = "Depth"

// ProfileSettings tune profile segmentation for a run.
type ProfileSettings struct {
	TimeStepMultiple     float64
	DepthPercentDecrease float64
	// DefaultTimeStep stands in for the nominal step of irregular measures.
	DefaultTimeStep time.Duration
}

type sourceReader struct {
	src ports.Source
	cfg ReadConfig
}

// resolverFor prefers the unit system carried by the unit, which falls back
// to the template's when the exchange set names none.
func (r *sourceReader) resolverFor(unit domain.ExchangeUnit) units.Resolver {
	res := r.cfg.Resolver
	if sys, err := units.ParseSystem(unit.UnitSystem); err == nil && sys != "" {
		res.System = sys
	}
	return res
}

func (r *sourceReader) Read(ctx context.Context, tok domain.AuthToken, unit domain.ExchangeUnit) (*domain.Record, error) {
	m := unit.Measure
	iv, err := domain.ParseInterval(m.Interval)
	if err != nil {
		return nil, &domain.MeasureError{Phase: domain.PhaseRead, SeriesID: m.SeriesID, Err: err}
	}

	start, end := unit.Start, unit.End
	if m.IsProfile() {
		start, end = start.Add(-r.cfg.Margin), end.Add(r.cfg.Margin)
	}

	series, err := r.src.FetchEvents(ctx, tok, m, unit.QualityVersion, start, end)
	if err != nil {
		return nil, &domain.MeasureError{Phase: domain.PhaseRead, SeriesID: m.SeriesID, Err: err}
	}
	if series.Empty() {
		return nil, &domain.MeasureError{Phase: domain.PhaseRead, SeriesID: m.SeriesID, Err: domain.ErrNoData}
	}

	converted := r.resolverFor(unit).ConvertSeries(series, r.cfg.Logger.With(zap.String("series_id", m.SeriesID)))
	rec := &domain.Record{Unit: unit}

	if !m.IsProfile() {
		rec.Series = converted
		return rec, nil
	}

	step := iv.Step
	if iv.Irregular {
		step = r.cfg.Profile.DefaultTimeStep
	}
	depth := m.DepthParameter
	if depth == "" {
		depth = DefaultDepthParameter
	}
	samples, err := profile.FromSeries(converted, depth, profile.Options{
		NominalTimeStep:      step,
		TimeStepMultiple:     r.cfg.Profile.TimeStepMultiple,
		DepthPercentDecrease: r.cfg.Profile.DepthPercentDecrease,
		Start:                unit.Start,
		End:                  unit.End,
		TrimFirst:            true,
		TrimLast:             true,
	})
	if err != nil {
		return nil, &domain.MeasureError{Phase: domain.PhaseTransform, SeriesID: m.SeriesID, Err: err}
	}
	if len(samples) == 0 {
		return nil, &domain.MeasureError{
			Phase:    domain.PhaseTransform,
			SeriesID: m.SeriesID,
			Err:      fmt.Errorf("%w: no complete profile inside window", domain.ErrNoData),
		}
	}
	rec.Profiles = samples
	return rec, nil
}

// phaseOf extracts the failing phase, defaulting to read.
func phaseOf(err error) domain.Phase {
	var me *domain.MeasureError
	if errors.As(err, &me) {
		return me.Phase
	}
	return domain.PhaseRead
}
