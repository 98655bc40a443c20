package archive

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

// The archive doubles as a source so archived series can be re-exported.
// Exchange sets play the role of templates. Only plain time series are
// served; profile entries are already segmented and are not listed.

func (a *Archive) Endpoint() string { return "file://" + a.path }

func (a *Archive) RequiresAuth() bool { return false }

func (a *Archive) Authenticate(ctx context.Context, creds domain.Credentials) (domain.AuthToken, error) {
	return domain.AuthToken{Value: "local"}, nil
}

func (a *Archive) ListTemplates(ctx context.Context, tok domain.AuthToken) ([]domain.Template, error) {
	seen := make(map[string]bool)
	var out []domain.Template
	err := a.Iterate(ctx, 0, func(_ uint64, e *Entry) error {
		if seen[e.ExchangeSet] {
			return nil
		}
		seen[e.ExchangeSet] = true
		out = append(out, domain.Template{ID: e.ExchangeSet, Name: e.ExchangeSet, UnitSystem: e.UnitSystem})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCatalog, err)
	}
	return out, nil
}

func (a *Archive) ListMeasures(ctx context.Context, tok domain.AuthToken, tmpl domain.Template) ([]domain.Measure, error) {
	seen := make(map[string]bool)
	var out []domain.Measure
	err := a.Iterate(ctx, 0, func(_ uint64, e *Entry) error {
		if e.ExchangeSet != tmpl.Name || e.Series.Empty() || seen[e.Measure.SeriesID] {
			return nil
		}
		seen[e.Measure.SeriesID] = true
		m := e.Measure
		m.Kind = domain.KindTimeSeries
		if len(e.Series.Constituents) > 0 {
			m.Unit = e.Series.Constituents[0].Unit
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCatalog, err)
	}
	return out, nil
}

type reading struct {
	t   time.Time
	v   float64
	seq int
}

// FetchEvents merges every archived write of m inside [start, end]. When the
// same instant was written more than once the latest write wins.
func (a *Archive) FetchEvents(ctx context.Context, tok domain.AuthToken, m domain.Measure, qualityVersion string, start, end time.Time) (*domain.RawSeries, error) {
	var (
		readings []reading
		param    = m.Parameter
		unit     = m.Unit
		seq      int
	)
	err := a.Iterate(ctx, 0, func(_ uint64, e *Entry) error {
		if e.Measure.SeriesID != m.SeriesID || e.Series.Empty() || len(e.Series.Constituents) == 0 {
			return nil
		}
		c := e.Series.Constituents[0]
		param, unit = c.Parameter, c.Unit
		for i, t := range e.Series.Times {
			if t.Before(start) || t.After(end) || i >= len(c.Values) {
				continue
			}
			readings = append(readings, reading{t: t, v: c.Values[i], seq: seq})
			seq++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteRead, err)
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoData, m.SeriesID)
	}

	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].t.Before(readings[j].t)
	})

	out := &domain.RawSeries{Constituents: []domain.ProfileConstituent{{Parameter: param, Unit: unit}}}
	for _, r := range readings {
		n := len(out.Times)
		if n > 0 && out.Times[n-1].Equal(r.t) {
			out.Constituents[0].Values[n-1] = r.v
			continue
		}
		out.Times = append(out.Times, r.t)
		out.Constituents[0].Values = append(out.Constituents[0].Values, r.v)
	}
	return out, nil
}

// Summary describes one archived series.
type Summary struct {
	SeriesID    string
	ExchangeSet string
	Parameter   string
	Kind        domain.MeasureKind
	Entries     int
	Readings    int
}

// Index summarises every series in the archive in first-seen order.
func (a *Archive) Index(ctx context.Context) ([]Summary, error) {
	pos := make(map[string]int)
	var out []Summary
	err := a.Iterate(ctx, 0, func(_ uint64, e *Entry) error {
		key := e.ExchangeSet + "/" + e.Measure.SeriesID
		i, ok := pos[key]
		if !ok {
			kind := domain.KindTimeSeries
			if len(e.Profiles) > 0 {
				kind = domain.KindProfile
			}
			out = append(out, Summary{
				SeriesID:    e.Measure.SeriesID,
				ExchangeSet: e.ExchangeSet,
				Parameter:   e.Measure.Parameter,
				Kind:        kind,
			})
			i = len(out) - 1
			pos[key] = i
		}
		out[i].Entries++
		out[i].Readings += e.Series.Len()
		for _, p := range e.Profiles {
			out[i].Readings += p.Len()
		}
		return nil
	})
	return out, err
}

var _ ports.Source = (*Archive)(nil)
