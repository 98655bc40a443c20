package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/MerlinFlow/internal/domain"
)

func TestTrackerPercentFormula(t *testing.T) {
	tr := NewTracker(4, 10)

	// 90 * 1 / 8 = 11.25 -> 11
	assert.Equal(t, 21, tr.RecordReadCompleted())
	// 90 * 2 / 8 = 22.5 -> 22
	assert.Equal(t, 32, tr.RecordWriteCompleted())
	assert.Equal(t, 32, tr.Percent())
}

func TestTrackerPercentMonotonicAndCapped(t *testing.T) {
	tr := NewTracker(7, 10)
	last := tr.Percent()
	for i := 0; i < 7; i++ {
		p := tr.RecordReadCompleted()
		require.GreaterOrEqual(t, p, last)
		last = p
		p = tr.RecordWriteCompleted()
		require.GreaterOrEqual(t, p, last)
		last = p
	}
	assert.Equal(t, 100, last)

	// Over-recording never pushes past 100.
	assert.Equal(t, 100, tr.RecordWriteCompleted())
}

func TestTrackerFinalStatus(t *testing.T) {
	tests := []struct {
		name   string
		units  int
		reads  int
		writes int
		want   domain.RunStatus
	}{
		{name: "all units complete", units: 2, reads: 2, writes: 2, want: domain.StatusCompleteSuccess},
		{name: "one write missing", units: 2, reads: 2, writes: 1, want: domain.StatusPartialSuccess},
		{name: "reads only", units: 2, reads: 2, writes: 0, want: domain.StatusFailure},
		{name: "nothing", units: 3, want: domain.StatusFailure},
		{name: "no units expected", units: 0, want: domain.StatusCompleteSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(tt.units, 10)
			for i := 0; i < tt.reads; i++ {
				tr.RecordReadCompleted()
			}
			for i := 0; i < tt.writes; i++ {
				tr.RecordWriteCompleted()
			}
			assert.Equal(t, tt.want, tr.FinalStatus())
		})
	}
}

func TestTrackerConcurrentRecording(t *testing.T) {
	const units = 500
	tr := NewTracker(units, 5)

	var wg sync.WaitGroup
	for i := 0; i < units; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordReadCompleted()
			tr.RecordWriteCompleted()
		}()
	}
	wg.Wait()

	st := tr.State()
	assert.Equal(t, int64(units), st.ReadsCompleted)
	assert.Equal(t, int64(units), st.WritesCompleted)
	assert.Equal(t, int64(units*2), st.UnitsCompleted)
	assert.Equal(t, domain.StatusCompleteSuccess, tr.FinalStatus())
	assert.Equal(t, 100, tr.Percent())
}

func TestTrackerAddExpected(t *testing.T) {
	tr := NewTracker(0, 20)
	assert.Equal(t, 100, tr.Percent())

	tr.AddExpected(2)
	assert.Equal(t, 20, tr.Percent())
	tr.RecordReadCompleted()
	tr.RecordWriteCompleted()
	assert.Equal(t, 60, tr.Percent())
	assert.Equal(t, domain.StatusPartialSuccess, tr.FinalStatus())
}

func TestTrackerPreflightPercent(t *testing.T) {
	tr := NewTracker(1, 10)
	assert.Equal(t, 0, tr.PreflightPercent(0, 4))
	assert.Equal(t, 5, tr.PreflightPercent(2, 4))
	assert.Equal(t, 10, tr.PreflightPercent(4, 4))
	assert.Equal(t, 10, tr.PreflightPercent(0, 0))
}

func TestNewTrackerReservedFallback(t *testing.T) {
	assert.Equal(t, DefaultReservedPercent, NewTracker(1, 100).Reserved())
	assert.Equal(t, DefaultReservedPercent, NewTracker(1, -1).Reserved())
	assert.Equal(t, 0, NewTracker(1, 0).Reserved())
}
