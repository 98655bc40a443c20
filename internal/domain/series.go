package domain

import (
	"fmt"
	"sort"
	"time"
)

// ProfileConstituent is one parameter's values aligned index-for-index with a
// shared timestamp sequence.
type ProfileConstituent struct {
	Parameter string    `json:"parameter"`
	Unit      string    `json:"unit"`
	Values    []float64 `json:"values"`
}

// Slice returns the constituent restricted to the half-open index range [from, to).
func (c ProfileConstituent) Slice(from, to int) ProfileConstituent {
	vals := make([]float64, to-from)
	copy(vals, c.Values[from:to])
	return ProfileConstituent{Parameter: c.Parameter, Unit: c.Unit, Values: vals}
}

// RawSeries is what a source returns for one measure. A plain time series has
// exactly one constituent.
type RawSeries struct {
	Times        []time.Time          `json:"times"`
	Constituents []ProfileConstituent `json:"constituents"`
}

// Len returns the number of readings.
func (s *RawSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Times)
}

// Empty reports whether the series carries no readings.
func (s *RawSeries) Empty() bool {
	return s.Len() == 0
}

// Constituent looks up a constituent by parameter name.
func (s *RawSeries) Constituent(parameter string) (ProfileConstituent, bool) {
	if s == nil {
		return ProfileConstituent{}, false
	}
	for _, c := range s.Constituents {
		if c.Parameter == parameter {
			return c, true
		}
	}
	return ProfileConstituent{}, false
}

// Validate checks that every constituent is aligned with the time sequence.
func (s *RawSeries) Validate() error {
	if s == nil {
		return nil
	}
	for _, c := range s.Constituents {
		if len(c.Values) != len(s.Times) {
			return fmt.Errorf("constituent %s has %d values for %d timestamps", c.Parameter, len(c.Values), len(s.Times))
		}
	}
	return nil
}

// ProfileSample is one profile sweep at one effective instant.
type ProfileSample struct {
	Timestamp    time.Time            `json:"timestamp"`
	Constituents []ProfileConstituent `json:"constituents"`
}

// Len returns the number of readings in the sample.
func (p ProfileSample) Len() int {
	if len(p.Constituents) == 0 {
		return 0
	}
	return len(p.Constituents[0].Values)
}

// SortProfileSamples orders samples by timestamp only.
func SortProfileSamples(samples []ProfileSample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
}
