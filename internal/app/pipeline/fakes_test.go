package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

type fakeSource struct {
	kind         string
	requiresAuth bool
	authErr      error
	templateErr  error
	measureErr   error
	templates    []domain.Template
	measures     []domain.Measure
	fetch        func(ctx context.Context, m domain.Measure, start, end time.Time) (*domain.RawSeries, error)

	authCalls  atomic.Int32
	fetchCalls atomic.Int32
}

func (f *fakeSource) Name() string       { return "merlin-test" }
func (f *fakeSource) Kind() string       { return f.kind }
func (f *fakeSource) Endpoint() string   { return "https://merlin.test" }
func (f *fakeSource) RequiresAuth() bool { return f.requiresAuth }
func (f *fakeSource) Close() error       { return nil }

func (f *fakeSource) Authenticate(ctx context.Context, creds domain.Credentials) (domain.AuthToken, error) {
	f.authCalls.Add(1)
	if f.authErr != nil {
		return domain.AuthToken{}, f.authErr
	}
	return domain.AuthToken{Value: "tok", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeSource) ListTemplates(ctx context.Context, tok domain.AuthToken) ([]domain.Template, error) {
	if f.templateErr != nil {
		return nil, f.templateErr
	}
	if f.templates == nil {
		return []domain.Template{{ID: "1", Name: "Shasta"}}, nil
	}
	return f.templates, nil
}

func (f *fakeSource) ListMeasures(ctx context.Context, tok domain.AuthToken, tmpl domain.Template) ([]domain.Measure, error) {
	if f.measureErr != nil {
		return nil, f.measureErr
	}
	return f.measures, nil
}

func (f *fakeSource) FetchEvents(ctx context.Context, tok domain.AuthToken, m domain.Measure, qualityVersion string, start, end time.Time) (*domain.RawSeries, error) {
	f.fetchCalls.Add(1)
	if f.fetch != nil {
		return f.fetch(ctx, m, start, end)
	}
	return hourly(start, "Flow", "cfs", 1, 2, 3), nil
}

type fakeDest struct {
	kind   string
	failOn map[string]error

	mu      sync.Mutex
	records []*domain.Record
	descs   []domain.DestinationDescriptor
}

func (d *fakeDest) Name() string { return "dss" }
func (d *fakeDest) Kind() string { return d.kind }
func (d *fakeDest) Close() error { return nil }

func (d *fakeDest) Write(ctx context.Context, rec *domain.Record, desc domain.DestinationDescriptor) error {
	if err, ok := d.failOn[rec.Unit.Measure.SeriesID]; ok {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, rec)
	d.descs = append(d.descs, desc)
	return nil
}

func (d *fakeDest) written() []*domain.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*domain.Record(nil), d.records...)
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (l *eventLog) Report(ev domain.ProgressEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) percents() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, ev := range l.events {
		if ev.HasPercent() {
			out = append(out, ev.Percent)
		}
	}
	return out
}

func (l *eventLog) count(sev domain.Severity) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Severity == sev {
			n++
		}
	}
	return n
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields map[string]any
}

// recordingObs keeps the log calls made through the Observability port.
type recordingObs struct {
	ports.NopObservability

	mu      sync.Mutex
	entries []logEntry
}

func (r *recordingObs) record(level, msg string, err error, fields []ports.Field) {
	e := logEntry{level: level, msg: msg, err: err, fields: make(map[string]any, len(fields))}
	for _, f := range fields {
		e.fields[f.Key] = f.Value
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recordingObs) LogInfo(msg string, fields ...ports.Field) { r.record("info", msg, nil, fields) }

func (r *recordingObs) LogError(msg string, err error, fields ...ports.Field) {
	r.record("error", msg, err, fields)
}

func (r *recordingObs) LogCritical(msg string, err error, fields ...ports.Field) {
	r.record("critical", msg, err, fields)
}

func (r *recordingObs) at(level string) []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []logEntry
	for _, e := range r.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

func hourly(start time.Time, param, unit string, values ...float64) *domain.RawSeries {
	s := &domain.RawSeries{Constituents: []domain.ProfileConstituent{{Parameter: param, Unit: unit}}}
	for i, v := range values {
		s.Times = append(s.Times, start.Add(time.Duration(i)*time.Hour))
		s.Constituents[0].Values = append(s.Constituents[0].Values, v)
	}
	return s
}

func measures(n int) []domain.Measure {
	out := make([]domain.Measure, n)
	for i := range out {
		out[i] = domain.Measure{SeriesID: fmt.Sprintf("m%02d", i), Parameter: "Flow", Unit: "cfs", Interval: "1Hour"}
	}
	return out
}

var errBoom = errors.New("boom")
