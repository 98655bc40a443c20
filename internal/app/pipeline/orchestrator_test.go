package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ghalamif/MerlinFlow/internal/app/units"
	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

var (
	winStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	winEnd   = winStart.Add(24 * time.Hour)
)

func newPlan(src *fakeSource, dst *fakeDest, threads int) Plan {
	return Plan{
		Window: Window{Start: winStart, End: winEnd, Margin: time.Hour},
		Policy: ports.Policy{Threads: threads, ReservedPercent: 10},
		Profile: ProfileSettings{
			TimeStepMultiple:     6,
			DepthPercentDecrease: 50,
			DefaultTimeStep:      15 * time.Minute,
		},
		Sets: []ExchangeSet{{
			Name:        "shasta",
			Template:    "Shasta",
			Source:      src,
			Destination: dst,
			Credentials: domain.Credentials{Username: "u", Password: "p"},
		}},
	}
}

func newOrchestrator(t *testing.T, plan Plan, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	o, err := NewOrchestrator(plan, opts...)
	require.NoError(t, err)
	return o
}

func TestRunCompleteSuccess(t *testing.T) {
	src := &fakeSource{kind: "merlin", requiresAuth: true, measures: measures(6)}
	dst := &fakeDest{kind: "archive"}
	events := &eventLog{}
	o := newOrchestrator(t, newPlan(src, dst, 3), WithProgressSink(events), WithRunID("run-1"))

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, domain.StatusCompleteSuccess, res.Status)
	assert.Equal(t, 100, res.Percent)
	assert.Equal(t, domain.CompletionState{ExpectedUnits: 6, UnitsCompleted: 12, ReadsCompleted: 6, WritesCompleted: 6}, res.State)
	assert.Empty(t, res.Failures)
	assert.Len(t, dst.written(), 6)
	assert.Equal(t, int32(1), src.authCalls.Load(), "token must be cached across units")
	assert.Equal(t, StateTerminal, o.State())

	pcts := events.percents()
	require.NotEmpty(t, pcts)
	assert.Equal(t, 100, pcts[len(pcts)-1])
	assert.Equal(t, "shasta", dst.descs[0].ExchangeSet)
	assert.Equal(t, "dss", dst.descs[0].Store)
}

func TestRunPartialSuccessWhenOneReadFails(t *testing.T) {
	src := &fakeSource{kind: "merlin", measures: measures(4)}
	src.fetch = func(_ context.Context, m domain.Measure, start, _ time.Time) (*domain.RawSeries, error) {
		if m.SeriesID == "m02" {
			return nil, fmt.Errorf("%w: status 500", domain.ErrRemoteRead)
		}
		return hourly(start, "Flow", "cfs", 1), nil
	}
	dst := &fakeDest{kind: "archive"}
	events := &eventLog{}
	o := newOrchestrator(t, newPlan(src, dst, 2), WithProgressSink(events))

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPartialSuccess, res.Status)
	assert.Equal(t, 100, res.Percent, "failed reads are accounted as read and written")
	assert.Equal(t, int64(4), res.State.ReadsCompleted)
	assert.Equal(t, int64(4), res.State.WritesCompleted)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0], domain.ErrRemoteRead)

	var me *domain.MeasureError
	require.True(t, errors.As(res.Failures[0], &me))
	assert.Equal(t, "m02", me.SeriesID)
	assert.Equal(t, domain.PhaseRead, me.Phase)

	assert.Len(t, dst.written(), 3)
	assert.Equal(t, 1, events.count(domain.SeverityError))
}

func TestRunAllReadsFailIsFailure(t *testing.T) {
	src := &fakeSource{kind: "merlin", measures: measures(3)}
	src.fetch = func(context.Context, domain.Measure, time.Time, time.Time) (*domain.RawSeries, error) {
		return nil, domain.ErrRemoteRead
	}
	o := newOrchestrator(t, newPlan(src, &fakeDest{kind: "archive"}, 2))

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, res.Status)
	assert.Len(t, res.Failures, 3)
}

func TestRunWriteFailureCarriesNativeCode(t *testing.T) {
	src := &fakeSource{kind: "merlin", measures: measures(3)}
	dst := &fakeDest{kind: "archive", failOn: map[string]error{
		"m01": domain.NewWriteError("dss", 42, errBoom),
	}}
	o := newOrchestrator(t, newPlan(src, dst, 1))

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPartialSuccess, res.Status)
	assert.Equal(t, int64(3), res.State.ReadsCompleted)
	assert.Equal(t, int64(2), res.State.WritesCompleted, "a failed write is not a completed write")
	assert.Less(t, res.Percent, 100)

	require.Len(t, res.Failures, 1)
	var we *domain.WriteError
	require.True(t, errors.As(res.Failures[0], &we))
	assert.Equal(t, 42, we.Code)
	assert.ErrorIs(t, res.Failures[0], domain.ErrDestinationWrite)
}

func TestRunNoDataIsAccounted(t *testing.T) {
	src := &fakeSource{kind: "merlin", measures: measures(2)}
	src.fetch = func(_ context.Context, m domain.Measure, start, _ time.Time) (*domain.RawSeries, error) {
		if m.SeriesID == "m00" {
			return nil, domain.ErrNoData
		}
		return &domain.RawSeries{}, nil
	}
	dst := &fakeDest{kind: "archive"}
	o := newOrchestrator(t, newPlan(src, dst, 2))

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleteSuccess, res.Status)
	assert.Equal(t, 100, res.Percent)
	assert.Empty(t, res.Failures)
	assert.Empty(t, dst.written(), "no record is produced for empty measures")
}

func TestCancelExtractMidRun(t *testing.T) {
	const total = 20
	entered := make(chan struct{}, total)
	release := make(chan struct{})

	src := &fakeSource{kind: "merlin", measures: measures(total)}
	src.fetch = func(_ context.Context, _ domain.Measure, start, _ time.Time) (*domain.RawSeries, error) {
		entered <- struct{}{}
		<-release
		return hourly(start, "Flow", "cfs", 1), nil
	}
	dst := &fakeDest{kind: "archive"}
	o := newOrchestrator(t, newPlan(src, dst, 2))

	done := make(chan RunResult, 1)
	go func() {
		res, err := o.Run(context.Background())
		assert.NoError(t, err)
		done <- res
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("reads never started")
		}
	}
	assert.Equal(t, StateExtracting, o.State())
	o.CancelExtract()
	close(release)

	var res RunResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}

	assert.True(t, res.Cancelled)
	assert.Less(t, res.Percent, 100)
	assert.Equal(t, int32(2), src.fetchCalls.Load(), "no task may start after cancellation")
	assert.Empty(t, dst.written(), "writes after cancellation are skipped")
	assert.Equal(t, int64(2), res.State.ReadsCompleted)
	assert.Equal(t, int64(4), res.State.UnitsCompleted)
	assert.NotEqual(t, domain.StatusCompleteSuccess, res.Status)
	assert.Equal(t, StateTerminal, o.State())
}

func TestCancelWithEveryUnitInFlight(t *testing.T) {
	const total = 3
	entered := make(chan struct{}, total)
	release := make(chan struct{})

	src := &fakeSource{kind: "merlin", measures: measures(total)}
	src.fetch = func(_ context.Context, _ domain.Measure, start, _ time.Time) (*domain.RawSeries, error) {
		entered <- struct{}{}
		<-release
		return hourly(start, "Flow", "cfs", 1), nil
	}
	dst := &fakeDest{kind: "archive"}
	events := &eventLog{}
	o := newOrchestrator(t, newPlan(src, dst, 8), WithProgressSink(events))

	done := make(chan RunResult, 1)
	go func() {
		res, err := o.Run(context.Background())
		assert.NoError(t, err)
		done <- res
	}()

	for i := 0; i < total; i++ {
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("reads never started")
		}
	}
	o.CancelExtract()
	close(release)

	var res RunResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}

	assert.True(t, res.Cancelled)
	assert.Empty(t, dst.written())
	assert.Equal(t, int64(total*2), res.State.UnitsCompleted, "skipped writes still balance the tally")
	assert.Less(t, res.Percent, 100)
	assert.Less(t, o.Percent(), 100)
	assert.Equal(t, domain.StatusFailure, res.Status, "nothing was written")
	for _, pct := range events.percents() {
		assert.Less(t, pct, 100)
	}
}

func TestCancelAfterSomeWritesIsPartialSuccess(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})

	src := &fakeSource{kind: "merlin", measures: measures(3)}
	src.fetch = func(_ context.Context, m domain.Measure, start, _ time.Time) (*domain.RawSeries, error) {
		if m.SeriesID != "m00" {
			entered <- struct{}{}
			<-release
		}
		return hourly(start, "Flow", "cfs", 1), nil
	}
	dst := &fakeDest{kind: "archive"}
	o := newOrchestrator(t, newPlan(src, dst, 8))

	done := make(chan RunResult, 1)
	go func() {
		res, err := o.Run(context.Background())
		assert.NoError(t, err)
		done <- res
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("reads never started")
		}
	}
	require.Eventually(t, func() bool { return len(dst.written()) == 1 }, 5*time.Second, time.Millisecond)
	o.CancelExtract()
	close(release)

	var res RunResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}

	assert.Len(t, dst.written(), 1)
	assert.Equal(t, 99, res.Percent)
	assert.Equal(t, domain.StatusPartialSuccess, res.Status)
}

func TestCancelBeforeRun(t *testing.T) {
	src := &fakeSource{kind: "merlin", measures: measures(3)}
	o := newOrchestrator(t, newPlan(src, &fakeDest{kind: "archive"}, 2))

	o.CancelExtract()
	o.CancelExtract()
	res, err := o.Run(context.Background())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StatusFailure, res.Status)
	assert.True(t, res.Cancelled)
	assert.Zero(t, src.fetchCalls.Load())
}

func TestPreflightAuthenticationFailure(t *testing.T) {
	src := &fakeSource{kind: "merlin", requiresAuth: true, authErr: errors.New("401"), measures: measures(3)}
	dst := &fakeDest{kind: "archive"}
	o := newOrchestrator(t, newPlan(src, dst, 2))

	res, err := o.Run(context.Background())

	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, domain.StatusAuthenticationFailure, res.Status)
	assert.Zero(t, src.fetchCalls.Load(), "no measure may be attempted")
	assert.Empty(t, dst.written())
	assert.Len(t, res.Failures, 1)
}

func TestPreflightCatalogFailure(t *testing.T) {
	cases := map[string]*fakeSource{
		"templates": {kind: "merlin", templateErr: fmt.Errorf("%w: timeout", domain.ErrCatalog)},
		"measures":  {kind: "merlin", measureErr: fmt.Errorf("%w: timeout", domain.ErrCatalog)},
		"missing":   {kind: "merlin", templates: []domain.Template{{Name: "Folsom"}}},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			o := newOrchestrator(t, newPlan(src, &fakeDest{kind: "archive"}, 2))
			res, err := o.Run(context.Background())

			assert.ErrorIs(t, err, domain.ErrCatalog)
			assert.Equal(t, domain.StatusFailure, res.Status)
			assert.Zero(t, src.fetchCalls.Load())
		})
	}
}

func TestCatalogRejectingTokenIsAuthenticationFailure(t *testing.T) {
	src := &fakeSource{kind: "merlin", requiresAuth: true, templateErr: fmt.Errorf("%w: status 401", domain.ErrAuthentication)}
	o := newOrchestrator(t, newPlan(src, &fakeDest{kind: "archive"}, 2))

	res, err := o.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, domain.StatusAuthenticationFailure, res.Status)
}

func TestRejectedTokenIsInvalidated(t *testing.T) {
	var rejected atomic.Bool
	src := &fakeSource{kind: "merlin", requiresAuth: true, measures: measures(2)}
	src.fetch = func(_ context.Context, m domain.Measure, start, _ time.Time) (*domain.RawSeries, error) {
		if m.SeriesID == "m00" && !rejected.Swap(true) {
			return nil, fmt.Errorf("%w: status 401", domain.ErrAuthentication)
		}
		return hourly(start, "Flow", "cfs", 1), nil
	}
	o := newOrchestrator(t, newPlan(src, &fakeDest{kind: "archive"}, 1))

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPartialSuccess, res.Status)
	assert.Equal(t, int32(2), src.authCalls.Load(), "second unit must re-authenticate")
}

func TestProfileMeasuresAreSegmentedAndConverted(t *testing.T) {
	m := domain.Measure{SeriesID: "p1", Parameter: "Temperature", Interval: "1Minute", Kind: domain.KindProfile}
	var fetchStart time.Time
	src := &fakeSource{kind: "merlin", measures: []domain.Measure{m}}
	src.fetch = func(_ context.Context, _ domain.Measure, start, _ time.Time) (*domain.RawSeries, error) {
		fetchStart = start
		s := &domain.RawSeries{Constituents: []domain.ProfileConstituent{
			{Parameter: "Depth", Unit: "m"},
			{Parameter: "Temperature", Unit: "C"},
		}}
		for sweep := 0; sweep < 2; sweep++ {
			base := winStart.Add(time.Duration(10+10*sweep) * time.Minute)
			for i := 0; i < 3; i++ {
				s.Times = append(s.Times, base.Add(time.Duration(i)*time.Minute))
				s.Constituents[0].Values = append(s.Constituents[0].Values, float64(i+1))
				s.Constituents[1].Values = append(s.Constituents[1].Values, 100)
			}
		}
		return s, nil
	}
	dst := &fakeDest{kind: "archive"}
	plan := newPlan(src, dst, 1)
	plan.Sets[0].UnitSystem = units.SystemEN
	plan.Sets[0].UnitOverrides = map[string]string{"Depth": "m"}
	o := newOrchestrator(t, plan)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleteSuccess, res.Status)

	assert.Equal(t, winStart.Add(-time.Hour), fetchStart, "profiles over-fetch by the margin")
	recs := dst.written()
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Profiles, 2)

	first := recs[0].Profiles[0]
	assert.Equal(t, winStart.Add(10*time.Minute), first.Timestamp)
	assert.Equal(t, "Depth", first.Constituents[0].Parameter)
	assert.Equal(t, []float64{1, 2, 3}, first.Constituents[0].Values)
	assert.Equal(t, "F", first.Constituents[1].Unit)
	assert.InDelta(t, 212, first.Constituents[1].Values[0], 1e-9)
}

func TestTemplateUnitSystemAppliesWhenSetNamesNone(t *testing.T) {
	m := domain.Measure{SeriesID: "t1", Parameter: "Temperature", Unit: "C", Interval: "1Hour"}
	src := &fakeSource{
		kind:      "merlin",
		templates: []domain.Template{{ID: "1", Name: "Shasta", UnitSystem: "EN"}},
		measures:  []domain.Measure{m},
	}
	src.fetch = func(_ context.Context, _ domain.Measure, start, _ time.Time) (*domain.RawSeries, error) {
		return hourly(start, "Temperature", "C", 100), nil
	}
	dst := &fakeDest{kind: "archive"}
	plan := newPlan(src, dst, 1)
	plan.Sets[0].UnitSystem = ""
	o := newOrchestrator(t, plan)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleteSuccess, res.Status)

	recs := dst.written()
	require.Len(t, recs, 1)
	c := recs[0].Series.Constituents[0]
	assert.Equal(t, "F", c.Unit)
	require.Len(t, c.Values, 1)
	assert.InDelta(t, 212, c.Values[0], 1e-9)
	assert.Equal(t, "EN", recs[0].Unit.UnitSystem)

	dst.mu.Lock()
	defer dst.mu.Unlock()
	assert.Equal(t, "EN", dst.descs[0].UnitSystem)
}

func TestSetUnitSystemOverridesTemplate(t *testing.T) {
	m := domain.Measure{SeriesID: "t1", Parameter: "Temperature", Unit: "F", Interval: "1Hour"}
	src := &fakeSource{
		kind:      "merlin",
		templates: []domain.Template{{ID: "1", Name: "Shasta", UnitSystem: "EN"}},
		measures:  []domain.Measure{m},
	}
	src.fetch = func(_ context.Context, _ domain.Measure, start, _ time.Time) (*domain.RawSeries, error) {
		return hourly(start, "Temperature", "F", 212), nil
	}
	dst := &fakeDest{kind: "archive"}
	plan := newPlan(src, dst, 1)
	plan.Sets[0].UnitSystem = units.SystemSI
	o := newOrchestrator(t, plan)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	recs := dst.written()
	require.Len(t, recs, 1)
	c := recs[0].Series.Constituents[0]
	assert.Equal(t, "C", c.Unit)
	assert.InDelta(t, 100, c.Values[0], 1e-9)
}

func TestFailuresAreLoggedThroughObservability(t *testing.T) {
	src := &fakeSource{kind: "merlin", measures: measures(3)}
	src.fetch = func(_ context.Context, m domain.Measure, start, _ time.Time) (*domain.RawSeries, error) {
		if m.SeriesID == "m00" {
			return nil, domain.ErrRemoteRead
		}
		return hourly(start, "Flow", "cfs", 1), nil
	}
	dst := &fakeDest{kind: "archive", failOn: map[string]error{
		"m01": domain.NewWriteError("dss", 7, errBoom),
	}}
	obs := &recordingObs{}
	o := newOrchestrator(t, newPlan(src, dst, 1), WithObservability(obs), WithRunID("run-7"))

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	errs := obs.at("error")
	require.Len(t, errs, 2)
	bySeries := map[any]logEntry{}
	for _, e := range errs {
		assert.Equal(t, "shasta", e.fields["exchange_set"])
		bySeries[e.fields["series_id"]] = e
	}
	assert.Equal(t, "measure failed", bySeries["m00"].msg)
	assert.Equal(t, string(domain.PhaseRead), bySeries["m00"].fields["phase"])
	assert.ErrorIs(t, bySeries["m00"].err, domain.ErrRemoteRead)
	assert.Equal(t, "write failed", bySeries["m01"].msg)
	assert.Equal(t, 7, bySeries["m01"].fields["code"])

	infos := obs.at("info")
	require.NotEmpty(t, infos)
	last := infos[len(infos)-1]
	assert.Equal(t, "exchange run finished", last.msg)
	assert.Equal(t, "run-7", last.fields["run_id"])
	assert.Equal(t, domain.StatusPartialSuccess.String(), last.fields["status"])
	assert.Empty(t, obs.at("critical"))
}

func TestPreflightFailuresAreCritical(t *testing.T) {
	cases := map[string]*fakeSource{
		"authentication": {kind: "merlin", requiresAuth: true, authErr: errors.New("401")},
		"catalog":        {kind: "merlin", templateErr: fmt.Errorf("%w: timeout", domain.ErrCatalog)},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			obs := &recordingObs{}
			o := newOrchestrator(t, newPlan(src, &fakeDest{kind: "archive"}, 2), WithObservability(obs))

			_, err := o.Run(context.Background())
			require.Error(t, err)

			crit := obs.at("critical")
			require.Len(t, crit, 1)
			assert.Equal(t, "shasta", crit[0].fields["exchange_set"])
			assert.Error(t, crit[0].err)
		})
	}
}

func TestProcessedFilter(t *testing.T) {
	ms := measures(4)
	ms[1].Processed = true
	ms[3].Processed = true
	src := &fakeSource{kind: "merlin", measures: ms}
	dst := &fakeDest{kind: "archive"}
	plan := newPlan(src, dst, 2)
	processed := true
	plan.Sets[0].Processed = &processed
	o := newOrchestrator(t, plan)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.State.ExpectedUnits)
	assert.Len(t, dst.written(), 2)
}

func TestUnsupportedTimestepFailsMeasure(t *testing.T) {
	ms := measures(2)
	ms[0].Interval = "7Fortnights"
	src := &fakeSource{kind: "merlin", measures: ms}
	o := newOrchestrator(t, newPlan(src, &fakeDest{kind: "archive"}, 1))

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartialSuccess, res.Status)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0], domain.ErrUnsupportedTimestep)
}

func TestRunTwice(t *testing.T) {
	src := &fakeSource{kind: "merlin", measures: measures(1)}
	o := newOrchestrator(t, newPlan(src, &fakeDest{kind: "archive"}, 1))

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestNewOrchestratorValidation(t *testing.T) {
	src := &fakeSource{kind: "merlin"}

	_, err := NewOrchestrator(Plan{})
	assert.ErrorIs(t, err, ErrNoExchangeSets)

	_, err = NewOrchestrator(newPlan(src, &fakeDest{kind: "ftp"}, 1))
	assert.ErrorIs(t, err, ErrUnsupportedPair)

	o, err := NewOrchestrator(newPlan(src, &fakeDest{kind: "csv"}, 1))
	require.NoError(t, err)
	assert.NotEmpty(t, o.RunID())
	assert.Equal(t, StateIdle, o.State())
	assert.Zero(t, o.Percent())
	assert.Equal(t, ports.NopObservability{}, o.obs)
}

func TestPoolSize(t *testing.T) {
	assert.Equal(t, 7, PoolSize(ports.Policy{Threads: 7}))
	base := PoolSize(ports.Policy{ConcurrencyFactor: 1})
	assert.GreaterOrEqual(t, base, 1)
	assert.Equal(t, base*DefaultConcurrencyFactor, PoolSize(ports.Policy{}))
	assert.Equal(t, base*3, PoolSize(ports.Policy{ConcurrencyFactor: 3}))
}
