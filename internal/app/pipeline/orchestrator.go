// Package pipeline drives exchange runs: pre-flight authentication and
// catalog discovery, then a bounded fan-out of per-measure read/write units.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/MerlinFlow/internal/app/auth"
	"github.com/ghalamif/MerlinFlow/internal/app/progress"
	"github.com/ghalamif/MerlinFlow/internal/app/units"
	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

const DefaultConcurrencyFactor = 5

var (
	ErrUnsupportedPair = errors.New("unsupported source/destination pair")
	ErrAlreadyRun      = errors.New("orchestrator already ran")
	ErrNoExchangeSets  = errors.New("no exchange sets configured")
)

// State is the orchestrator's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateAuthenticating
	StateWarmingCache
	StateExtracting
	StateFinishing
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateWarmingCache:
		return "warming_cache"
	case StateExtracting:
		return "extracting"
	case StateFinishing:
		return "finishing"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Window is the requested extraction interval.
type Window struct {
	Start  time.Time
	End    time.Time
	Margin time.Duration
}

// ExchangeSet binds a catalog template to a source and a destination.
type ExchangeSet struct {
	Name           string
	Template       string
	QualityVersion string
	UnitSystem     units.System
	UnitOverrides  map[string]string
	// Processed filters measures by their processing flag when set.
	Processed *bool

	Source          ports.Source
	Destination     ports.Destination
	Credentials     domain.Credentials
	DestinationPath string
}

// Plan is everything a run needs.
type Plan struct {
	Window  Window
	Policy  ports.Policy
	Profile ProfileSettings
	Sets    []ExchangeSet
}

// RunResult summarises a finished run.
type RunResult struct {
	RunID     string
	Status    domain.RunStatus
	Percent   int
	State     domain.CompletionState
	Started   time.Time
	Finished  time.Time
	Cancelled bool
	Failures  []error
}

// Orchestrator runs one plan once.
type Orchestrator struct {
	plan     Plan
	registry *Registry
	tokens   *auth.TokenCache
	sink     ports.ProgressSink
	obs      ports.Observability
	logger   *zap.Logger
	now      func() time.Time
	runID    string

	state     atomic.Int32
	ran       atomic.Bool
	cancelled atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc

	tracker   *progress.Tracker
	succeeded atomic.Int64
	skipped   atomic.Int64

	failMu   sync.Mutex
	failures []error
}

type Option func(*Orchestrator)

func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

func WithTokenCache(c *auth.TokenCache) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.tokens = c
		}
	}
}

// WithProgressSink sets the sink. Report is called from worker goroutines.
func WithProgressSink(s ports.ProgressSink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

func WithObservability(obs ports.Observability) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.obs = obs
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.runID = id
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator validates that every exchange set has a registered pair.
func NewOrchestrator(plan Plan, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		plan:   plan,
		sink:   nopSink{},
		obs:    ports.NopObservability{},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = NewRegistry()
		RegisterDefaults(o.registry)
	}
	if o.tokens == nil {
		o.tokens = auth.NewTokenCache(
			auth.WithRefreshSkew(plan.Policy.TokenRefreshSkew),
			auth.WithLogger(o.logger),
			auth.WithObservability(o.obs),
		)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	o.logger = o.logger.With(zap.String("run_id", o.runID))

	if len(plan.Sets) == 0 {
		return nil, ErrNoExchangeSets
	}
	for _, set := range plan.Sets {
		if set.Source == nil || set.Destination == nil {
			return nil, fmt.Errorf("exchange set %q: source and destination are required", set.Name)
		}
		if !o.registry.Supports(set.Source.Kind(), set.Destination.Kind()) {
			return nil, fmt.Errorf("exchange set %q: %w: %s->%s", set.Name, ErrUnsupportedPair, set.Source.Kind(), set.Destination.Kind())
		}
	}
	o.tracker = progress.NewTracker(0, plan.Policy.ReservedPercent)
	return o, nil
}

func (o *Orchestrator) RunID() string { return o.runID }

func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Percent reports the weighted completion of the current run.
func (o *Orchestrator) Percent() int {
	if o.State() < StateExtracting {
		return 0
	}
	return o.percent()
}

// CancelExtract asks the run to stop scheduling work. Reads and writes already
// in flight finish; it is safe to call from any goroutine and in any state.
func (o *Orchestrator) CancelExtract() {
	if o.cancelled.Swap(true) {
		return
	}
	o.logger.Info("extract cancellation requested", zap.String("state", o.State().String()))
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) isCancelled(ctx context.Context) bool {
	return o.cancelled.Load() || ctx.Err() != nil
}

// PoolSize returns the worker count implied by p.
func PoolSize(p ports.Policy) int {
	if p.Threads > 0 {
		return p.Threads
	}
	factor := p.ConcurrencyFactor
	if factor <= 0 {
		factor = DefaultConcurrencyFactor
	}
	return max(1, runtime.NumCPU()/2) * factor
}

// Run executes the plan. The returned error is non-nil only when pre-flight
// failed; per-measure failures are listed in RunResult.Failures.
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	if o.ran.Swap(true) {
		return RunResult{RunID: o.runID}, ErrAlreadyRun
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	if o.cancelled.Load() {
		cancel()
	}

	res := RunResult{RunID: o.runID, Started: o.now()}
	o.logger.Info("exchange run started", zap.Int("exchange_sets", len(o.plan.Sets)))

	work, status, err := o.preflight(runCtx)
	if err != nil {
		return o.finish(res, status, err), err
	}

	o.setState(StateExtracting)
	if !o.isCancelled(runCtx) {
		o.extract(runCtx, work)
	}

	o.setState(StateFinishing)
	return o.finish(res, o.finalStatus(len(work)), nil), nil
}

// preflight authenticates every source and discovers the units of work.
func (o *Orchestrator) preflight(ctx context.Context) ([]task, domain.RunStatus, error) {
	ioCtx := context.WithoutCancel(ctx)
	total := len(o.plan.Sets) * 2

	o.setState(StateAuthenticating)
	tokens := make([]domain.AuthToken, len(o.plan.Sets))
	for i, set := range o.plan.Sets {
		if o.isCancelled(ctx) {
			return nil, domain.StatusFailure, context.Canceled
		}
		if !set.Source.RequiresAuth() {
			continue
		}
		tok, err := o.tokens.Token(ioCtx, set.Source, set.Credentials)
		if err != nil {
			o.obs.LogCritical("pre-flight authentication failed", err, ports.Field{Key: "exchange_set", Value: set.Name})
			o.report(fmt.Sprintf("authentication failed for %s: %v", set.Source.Name(), err), domain.SeverityError, domain.NoPercent)
			return nil, domain.StatusAuthenticationFailure, err
		}
		tokens[i] = tok
		o.report(fmt.Sprintf("authenticated against %s", set.Source.Name()), domain.SeverityInfo, o.tracker.PreflightPercent(i+1, total))
	}

	o.setState(StateWarmingCache)
	var work []task
	for i, set := range o.plan.Sets {
		if o.isCancelled(ctx) {
			return nil, domain.StatusFailure, context.Canceled
		}
		found, err := o.discover(ioCtx, set, tokens[i])
		if err != nil {
			o.obs.LogCritical("catalog retrieval failed", err, ports.Field{Key: "exchange_set", Value: set.Name})
			o.report(fmt.Sprintf("catalog retrieval failed for %s: %v", set.Name, err), domain.SeverityError, domain.NoPercent)
			if errors.Is(err, domain.ErrAuthentication) {
				return nil, domain.StatusAuthenticationFailure, err
			}
			return nil, domain.StatusFailure, err
		}

		pair, err := o.registry.Build(set.Source, set.Destination, ReadConfig{
			Resolver: units.Resolver{System: set.UnitSystem, Overrides: set.UnitOverrides},
			Profile:  o.plan.Profile,
			Margin:   o.plan.Window.Margin,
			Logger:   o.logger.With(zap.String("exchange_set", set.Name)),
		})
		if err != nil {
			return nil, domain.StatusFailure, err
		}
		desc := domain.DestinationDescriptor{
			Store:       set.Destination.Name(),
			ExchangeSet: set.Name,
			UnitSystem:  string(set.UnitSystem),
			Path:        set.DestinationPath,
		}
		for _, u := range found {
			d := desc
			if d.UnitSystem == "" {
				d.UnitSystem = u.UnitSystem
			}
			work = append(work, task{unit: u, set: &o.plan.Sets[i], pair: pair, desc: d})
		}
		o.tracker.AddExpected(len(found))
		o.report(fmt.Sprintf("discovered %d measures in %s", len(found), set.Name), domain.SeverityInfo, o.tracker.PreflightPercent(len(o.plan.Sets)+i+1, total))
	}
	o.obs.SetGauge("merlin_units_expected", float64(len(work)))
	return work, domain.StatusUnknown, nil
}

func (o *Orchestrator) discover(ctx context.Context, set ExchangeSet, tok domain.AuthToken) ([]domain.ExchangeUnit, error) {
	templates, err := set.Source.ListTemplates(ctx, tok)
	if err != nil {
		return nil, err
	}
	var tmpl *domain.Template
	for i := range templates {
		if templates[i].Name == set.Template || templates[i].ID == set.Template {
			tmpl = &templates[i]
			break
		}
	}
	if tmpl == nil {
		return nil, fmt.Errorf("%w: template %q not found", domain.ErrCatalog, set.Template)
	}

	measures, err := set.Source.ListMeasures(ctx, tok, *tmpl)
	if err != nil {
		return nil, err
	}

	unitSystem := string(set.UnitSystem)
	if unitSystem == "" {
		unitSystem = tmpl.UnitSystem
	}
	out := make([]domain.ExchangeUnit, 0, len(measures))
	seen := make(map[string]bool, len(measures))
	for _, m := range measures {
		if set.Processed != nil && m.Processed != *set.Processed {
			continue
		}
		if seen[m.SeriesID] {
			continue
		}
		seen[m.SeriesID] = true
		out = append(out, domain.ExchangeUnit{
			ExchangeSet:    set.Name,
			Template:       *tmpl,
			Measure:        m,
			QualityVersion: set.QualityVersion,
			UnitSystem:     unitSystem,
			Source:         set.Source.Name(),
			Destination:    set.Destination.Name(),
			Start:          o.plan.Window.Start,
			End:            o.plan.Window.End,
		})
	}
	return out, nil
}

// extract fans the work out over a bounded pool. The calling goroutine only
// blocks on admission and on the final Wait.
func (o *Orchestrator) extract(ctx context.Context, work []task) {
	threads := PoolSize(o.plan.Policy)
	o.logger.Info("extracting", zap.Int("units", len(work)), zap.Int("threads", threads))

	var g errgroup.Group
	g.SetLimit(threads)
	for i := range work {
		if o.isCancelled(ctx) {
			o.logger.Info("extract cancelled", zap.Int("scheduled", i), zap.Int("units", len(work)))
			break
		}
		t := work[i]
		g.Go(func() error {
			o.runTask(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

// finalStatus reduces the tracker tally. A run whose counters balance only
// because failed or skipped units were accounted for is at best a partial
// success.
func (o *Orchestrator) finalStatus(scheduled int) domain.RunStatus {
	if scheduled > 0 && o.tracker.State().UnitsCompleted == 0 {
		return domain.StatusFailure
	}
	status := o.tracker.FinalStatus()
	if status == domain.StatusCompleteSuccess && (o.failureCount() > 0 || o.skipped.Load() > 0) {
		if o.succeeded.Load() > 0 {
			return domain.StatusPartialSuccess
		}
		return domain.StatusFailure
	}
	return status
}

func (o *Orchestrator) finish(res RunResult, status domain.RunStatus, err error) RunResult {
	res.Status = status
	res.State = o.tracker.State()
	res.Cancelled = o.cancelled.Load()
	res.Finished = o.now()
	if err == nil {
		res.Percent = o.percent()
	}
	o.failMu.Lock()
	res.Failures = append([]error(nil), o.failures...)
	o.failMu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		res.Failures = append(res.Failures, err)
	}

	o.setState(StateTerminal)
	sev := domain.SeverityInfo
	if status != domain.StatusCompleteSuccess {
		sev = domain.SeverityWarning
	}
	o.report(fmt.Sprintf("exchange finished: %s", status), sev, res.Percent)
	o.obs.LogInfo("exchange run finished",
		ports.Field{Key: "run_id", Value: o.runID},
		ports.Field{Key: "status", Value: status.String()},
		ports.Field{Key: "percent", Value: res.Percent},
		ports.Field{Key: "reads", Value: res.State.ReadsCompleted},
		ports.Field{Key: "writes", Value: res.State.WritesCompleted},
		ports.Field{Key: "skipped_writes", Value: o.skipped.Load()},
		ports.Field{Key: "failures", Value: len(res.Failures)},
		ports.Field{Key: "cancelled", Value: res.Cancelled},
		ports.Field{Key: "elapsed", Value: res.Finished.Sub(res.Started)})
	return res
}

// percent never reaches 100 once a write was skipped: the tally balances but
// the run did not write everything it read.
func (o *Orchestrator) percent() int {
	pct := o.tracker.Percent()
	if pct >= 100 && o.skipped.Load() > 0 {
		return 99
	}
	return pct
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

func (o *Orchestrator) report(msg string, sev domain.Severity, pct int) {
	if pct >= 0 {
		o.obs.SetGauge("merlin_run_progress_percent", float64(pct))
	}
	o.sink.Report(domain.ProgressEvent{Message: msg, Severity: sev, Percent: pct, Time: o.now()})
}

func (o *Orchestrator) addFailure(err error) {
	o.failMu.Lock()
	o.failures = append(o.failures, err)
	o.failMu.Unlock()
}

func (o *Orchestrator) failureCount() int {
	o.failMu.Lock()
	defer o.failMu.Unlock()
	return len(o.failures)
}

type nopSink struct{}

func (nopSink) Report(domain.ProgressEvent) {}
