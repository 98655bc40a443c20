// Package progress converts read/write completions into a weighted
// percentage and a terminal run status.
package progress

import (
	"sync/atomic"

	"github.com/ghalamif/MerlinFlow/internal/domain"
)

// DefaultReservedPercent is the share of progress allotted to pre-flight work.
const DefaultReservedPercent = 10

// Tracker counts completions for a run. Every unit contributes two
// completions, one read and one write. All methods are safe for concurrent use.
type Tracker struct {
	reserved int64

	expected atomic.Int64
	units    atomic.Int64
	reads    atomic.Int64
	writes   atomic.Int64
}

// NewTracker returns a tracker expecting expectedUnits units. reservedPercent
// outside [0, 100) falls back to DefaultReservedPercent.
func NewTracker(expectedUnits, reservedPercent int) *Tracker {
	if reservedPercent < 0 || reservedPercent >= 100 {
		reservedPercent = DefaultReservedPercent
	}
	t := &Tracker{reserved: int64(reservedPercent)}
	if expectedUnits > 0 {
		t.expected.Store(int64(expectedUnits))
	}
	return t
}

// AddExpected grows the expected unit count as units are discovered.
func (t *Tracker) AddExpected(n int) {
	if n > 0 {
		t.expected.Add(int64(n))
	}
}

// Reserved returns the pre-flight share of progress.
func (t *Tracker) Reserved() int {
	return int(t.reserved)
}

// RecordReadCompleted counts one read and returns the new percentage.
func (t *Tracker) RecordReadCompleted() int {
	t.reads.Add(1)
	return t.percentFor(t.units.Add(1))
}

// RecordWriteCompleted counts one write and returns the new percentage.
func (t *Tracker) RecordWriteCompleted() int {
	t.writes.Add(1)
	return t.percentFor(t.units.Add(1))
}

// Percent returns the current weighted percentage.
func (t *Tracker) Percent() int {
	return t.percentFor(t.units.Load())
}

// PreflightPercent maps a fraction of pre-flight work onto [0, reserved].
func (t *Tracker) PreflightPercent(done, total int) int {
	if total <= 0 || done >= total {
		return int(t.reserved)
	}
	if done <= 0 {
		return 0
	}
	return int(t.reserved * int64(done) / int64(total))
}

func (t *Tracker) percentFor(completed int64) int {
	denom := t.expected.Load() * 2
	if denom <= 0 {
		return 100
	}
	pct := t.reserved + (100-t.reserved)*completed/denom
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

// State snapshots the counters.
func (t *Tracker) State() domain.CompletionState {
	return domain.CompletionState{
		ExpectedUnits:   t.expected.Load(),
		UnitsCompleted:  t.units.Load(),
		ReadsCompleted:  t.reads.Load(),
		WritesCompleted: t.writes.Load(),
	}
}

// FinalStatus reduces the counters to a terminal status.
func (t *Tracker) FinalStatus() domain.RunStatus {
	st := t.State()
	switch {
	case st.UnitsCompleted == st.ExpectedUnits*2:
		return domain.StatusCompleteSuccess
	case st.ReadsCompleted > 0 && st.WritesCompleted > 0:
		return domain.StatusPartialSuccess
	default:
		return domain.StatusFailure
	}
}
