// Package profile partitions continuously sampled depth series into discrete
// profile sweeps.
//
// A sweep boundary is declared between two consecutive readings when the
// elapsed time exceeds TimeStepMultiple nominal time steps, or when depth
// drops by at least DepthPercentDecrease percent of the previous reading
// (the instrument returned to the surface and started a new descent).
package profile

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ghalamif/MerlinFlow/internal/domain"
)

const (
	DefaultTimeStepMultiple     = 6.0
	DefaultDepthPercentDecrease = 50.0
)

var (
	ErrMisaligned      = errors.New("profile constituents are not aligned with timestamps")
	ErrInvalidTimeStep = errors.New("nominal time step must be positive")
	ErrMissingDepth    = errors.New("depth constituent not found")
)

// Options tune segmentation and boundary trimming.
type Options struct {
	NominalTimeStep      time.Duration
	TimeStepMultiple     float64
	DepthPercentDecrease float64

	// Start and End bound the requested window. Readings outside it are the
	// over-fetched margin; zero values disable the corresponding bound.
	Start time.Time
	End   time.Time

	TrimFirst bool
	TrimLast  bool
}

func (o Options) withDefaults() Options {
	if o.TimeStepMultiple <= 0 {
		o.TimeStepMultiple = DefaultTimeStepMultiple
	}
	if o.DepthPercentDecrease <= 0 {
		o.DepthPercentDecrease = DefaultDepthPercentDecrease
	}
	return o
}

// span is a half-open index range [from, to) over the reading sequence.
type span struct {
	from, to int
}

// Segment splits the readings into profile samples. depth and every entry of
// others must have one value per timestamp. The depth constituent is the
// first constituent of every sample.
func Segment(times []time.Time, depth domain.ProfileConstituent, others []domain.ProfileConstituent, opts Options) ([]domain.ProfileSample, error) {
	opts = opts.withDefaults()
	if opts.NominalTimeStep <= 0 {
		return nil, ErrInvalidTimeStep
	}
	if len(depth.Values) != len(times) {
		return nil, fmt.Errorf("%w: %s has %d values for %d timestamps", ErrMisaligned, depth.Parameter, len(depth.Values), len(times))
	}
	for _, c := range others {
		if len(c.Values) != len(times) {
			return nil, fmt.Errorf("%w: %s has %d values for %d timestamps", ErrMisaligned, c.Parameter, len(c.Values), len(times))
		}
	}
	if len(times) == 0 {
		return nil, nil
	}

	groups := boundaries(times, depth.Values, opts)
	groups = trim(groups, times, opts)

	constituents := make([]domain.ProfileConstituent, 0, len(others)+1)
	constituents = append(constituents, depth)
	constituents = append(constituents, others...)

	out := make([]domain.ProfileSample, 0, len(groups))
	for _, g := range groups {
		sample := domain.ProfileSample{
			Timestamp:    times[g.from],
			Constituents: make([]domain.ProfileConstituent, len(constituents)),
		}
		for i, c := range constituents {
			sample.Constituents[i] = c.Slice(g.from, g.to)
		}
		out = append(out, sample)
	}
	return out, nil
}

// FromSeries segments a raw series using depthParameter as the depth constituent.
func FromSeries(s *domain.RawSeries, depthParameter string, opts Options) ([]domain.ProfileSample, error) {
	if s.Empty() {
		return nil, nil
	}
	depth, ok := s.Constituent(depthParameter)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingDepth, depthParameter)
	}
	others := make([]domain.ProfileConstituent, 0, len(s.Constituents)-1)
	for _, c := range s.Constituents {
		if c.Parameter != depthParameter {
			others = append(others, c)
		}
	}
	return Segment(s.Times, depth, others, opts)
}

// boundaries scans the readings once, opening a new group whenever a
// significant change separates reading i-1 from reading i.
func boundaries(times []time.Time, depth []float64, opts Options) []span {
	maxGap := time.Duration(float64(opts.NominalTimeStep) * opts.TimeStepMultiple)

	var (
		groups    []span
		start     int
		prevTime  = times[0]
		prevDepth = depth[0]
	)
	for i := 1; i < len(times); i++ {
		if significantChange(times[i].Sub(prevTime), maxGap, prevDepth, depth[i], opts.DepthPercentDecrease) {
			groups = append(groups, span{from: start, to: i})
			start = i
		}
		prevTime = times[i]
		prevDepth = depth[i]
	}
	return append(groups, span{from: start, to: len(times)})
}

func significantChange(elapsed, maxGap time.Duration, prev, cur, pctDecrease float64) bool {
	if elapsed > maxGap {
		return true
	}
	if math.IsNaN(prev) || math.IsNaN(cur) || cur >= prev {
		return false
	}
	return prev-cur >= math.Abs(prev)*pctDecrease/100
}

// trim drops groups that lie wholly in the over-fetched margin, and with
// TrimFirst/TrimLast drops the edge groups whose true extent crosses the
// requested window.
func trim(groups []span, times []time.Time, opts Options) []span {
	kept := make([]span, 0, len(groups))
	for _, g := range groups {
		first, last := times[g.from], times[g.to-1]
		if !opts.Start.IsZero() && last.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && first.After(opts.End) {
			continue
		}
		kept = append(kept, g)
	}

	if opts.TrimFirst && !opts.Start.IsZero() && len(kept) > 0 {
		if times[kept[0].from].Before(opts.Start) {
			kept = kept[1:]
		}
	}
	if opts.TrimLast && !opts.End.IsZero() && len(kept) > 0 {
		if times[kept[len(kept)-1].to-1].After(opts.End) {
			kept = kept[:len(kept)-1]
		}
	}
	return kept
}
