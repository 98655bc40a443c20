package merlinflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ghalamif/MerlinFlow/internal/adapters/archive"
	"github.com/ghalamif/MerlinFlow/internal/adapters/csvexport"
	"github.com/ghalamif/MerlinFlow/internal/adapters/merlin"
	"github.com/ghalamif/MerlinFlow/internal/adapters/observability"
	"github.com/ghalamif/MerlinFlow/internal/adapters/opcua"
	"github.com/ghalamif/MerlinFlow/internal/adapters/progresslog"
	"github.com/ghalamif/MerlinFlow/internal/adapters/sink"
	"github.com/ghalamif/MerlinFlow/internal/app/pipeline"
	"github.com/ghalamif/MerlinFlow/internal/app/units"
	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

// ErrNotRunning is returned by Cancel when no run is in flight.
var ErrNotRunning = errors.New("merlinflow: no run in progress")

// progressHistory bounds the events kept for the /progress endpoint.
const progressHistory = 256

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	sources       map[string]Source
	destinations  map[string]Destination
	pairs         [][2]string
	progress      ProgressSink
	observability Observability
	logger        *zap.Logger
	registry      *Registry
}

// WithSource supplies the implementation behind the named store, replacing
// whatever its kind would build. Required for stores of kind external.
func WithSource(store string, src Source) RuntimeOption {
	return func(o *runtimeOverrides) {
		if o.sources == nil {
			o.sources = make(map[string]Source)
		}
		o.sources[store] = src
	}
}

// WithDestination supplies the implementation behind the named store.
func WithDestination(store string, dst Destination) RuntimeOption {
	return func(o *runtimeOverrides) {
		if o.destinations == nil {
			o.destinations = make(map[string]Destination)
		}
		o.destinations[store] = dst
	}
}

// WithPair registers the standard read, convert and write pair for a custom
// source/destination kind combination.
func WithPair(sourceKind, destinationKind string) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.pairs = append(o.pairs, [2]string{sourceKind, destinationKind})
	}
}

// WithProgressSink receives every progress event in addition to the log.
func WithProgressSink(s ProgressSink) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.progress = s
	}
}

// WithObservability replaces the Prometheus backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

func WithLogger(l *zap.Logger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithRegistry replaces the pair registry.
func WithRegistry(r *Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = r
	}
}

// Runtime owns the stores named by a Config and runs its exchange sets.
// One Runtime may Run several times; each Run is a fresh orchestration.
type Runtime struct {
	cfg      *Config
	logger   *zap.Logger
	obs      ports.Observability
	registry *pipeline.Registry
	progress *progresslog.Buffer
	sink     ports.ProgressSink
	promReg  *prometheus.Registry

	sources      map[string]ports.Source
	destinations map[string]ports.Destination
	archives     []*archive.Archive
	// closers holds every built store once, in creation order.
	closers []namedCloser

	mu         sync.Mutex
	current    *pipeline.Orchestrator
	metricsSrv *http.Server
	gaugeStop  chan struct{}
}

type namedCloser struct {
	name  string
	close func() error
}

// NewRuntime completes cfg, builds the stores it names and checks that every
// exchange set maps to a registered pair. Stores supplied through options are
// used as given and never closed by the runtime.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Complete(); err != nil {
		return nil, err
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	logger := overrides.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &Runtime{
		cfg:          cfg,
		logger:       logger,
		progress:     progresslog.NewBuffer(progressHistory),
		sources:      make(map[string]ports.Source),
		destinations: make(map[string]ports.Destination),
	}

	rt.obs = overrides.observability
	if rt.obs == nil {
		rt.promReg = prometheus.NewRegistry()
		rt.promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rt.obs = observability.NewPromObs(rt.promReg, logger)
	}

	sinks := progresslog.Multi{progresslog.NewLogSink(logger), rt.progress}
	if overrides.progress != nil {
		sinks = append(sinks, overrides.progress)
	}
	rt.sink = sinks

	rt.registry = overrides.registry
	if rt.registry == nil {
		rt.registry = NewRegistry()
	}
	for _, k := range pipeline.DefaultSourceKinds {
		if !rt.registry.Supports(k, KindCallback) {
			rt.registry.Register(k, KindCallback, pipeline.SourcePair)
		}
		if !rt.registry.Supports(k, KindChannel) {
			rt.registry.Register(k, KindChannel, pipeline.SourcePair)
		}
	}
	for _, p := range overrides.pairs {
		rt.registry.Register(p[0], p[1], pipeline.SourcePair)
	}

	if err := rt.buildStores(overrides); err != nil {
		return nil, errors.Join(err, rt.closeStores())
	}
	if _, err := rt.plan(); err != nil {
		return nil, errors.Join(err, rt.closeStores())
	}
	return rt, nil
}

func (rt *Runtime) buildStores(overrides runtimeOverrides) error {
	used := make(map[string]bool)
	for _, set := range rt.cfg.ExchangeSets {
		used[set.Source] = true
		used[set.Destination] = true
	}

	for _, sc := range rt.cfg.Stores {
		src, hasSrc := overrides.sources[sc.Name]
		dst, hasDst := overrides.destinations[sc.Name]
		if hasSrc {
			rt.sources[sc.Name] = src
		}
		if hasDst {
			rt.destinations[sc.Name] = dst
		}
		if hasSrc || hasDst || (sc.Kind == KindExternal && !used[sc.Name]) {
			continue
		}
		if err := rt.buildStore(sc); err != nil {
			return fmt.Errorf("store %q: %w", sc.Name, err)
		}
	}
	return nil
}

func (rt *Runtime) buildStore(sc StoreConfig) error {
	log := rt.logger.With(zap.String("store", sc.Name), zap.String("kind", sc.Kind))

	switch sc.Kind {
	case KindMerlin:
		c, err := merlin.New(merlin.Config{
			Name:              sc.Name,
			Endpoint:          sc.Endpoint,
			RequestsPerSecond: sc.RequestsPerSecond,
			Timeout:           sc.Timeout,
		}, merlin.WithLogger(log))
		if err != nil {
			return err
		}
		rt.sources[sc.Name] = c
		rt.track(sc.Name, c.Close)
	case KindArchive:
		a, err := archive.Open(sc.Path, archive.WithName(sc.Name), archive.WithLogger(log))
		if err != nil {
			return err
		}
		rt.sources[sc.Name] = a
		rt.destinations[sc.Name] = a
		rt.archives = append(rt.archives, a)
		rt.track(sc.Name, a.Close)
	case KindOPCUA:
		h, err := opcua.NewHistorian(sc.Name, *sc.OPCUA, log)
		if err != nil {
			return err
		}
		rt.sources[sc.Name] = h
		rt.track(sc.Name, h.Close)
	case KindCSV:
		e := csvexport.New(sc.Name, sc.Path)
		rt.destinations[sc.Name] = e
		rt.track(sc.Name, e.Close)
	case KindTimescale:
		s, err := sink.OpenTimescale(sc.ConnString, sc.Table)
		if err != nil {
			return err
		}
		s = s.WithName(sc.Name)
		rt.destinations[sc.Name] = s
		rt.track(sc.Name, s.Close)
	case KindExternal:
		return fmt.Errorf("kind external needs WithSource or WithDestination")
	default:
		return fmt.Errorf("unsupported store kind %q", sc.Kind)
	}
	log.Debug("store ready")
	return nil
}

func (rt *Runtime) track(name string, fn func() error) {
	rt.closers = append(rt.closers, namedCloser{name: name, close: fn})
}

// plan resolves the configured exchange sets against the built stores.
func (rt *Runtime) plan() (pipeline.Plan, error) {
	cfg := rt.cfg
	p := pipeline.Plan{
		Window: pipeline.Window{
			Start:  cfg.Window.Start,
			End:    cfg.Window.End,
			Margin: cfg.Window.Margin,
		},
		Policy: cfg.Policy,
		Profile: pipeline.ProfileSettings{
			TimeStepMultiple:     cfg.Profile.TimeStepMultiple,
			DepthPercentDecrease: cfg.Profile.DepthPercentDecrease,
			DefaultTimeStep:      cfg.Profile.DefaultTimeStep,
		},
	}

	for _, sc := range cfg.ExchangeSets {
		src, ok := rt.sources[sc.Source]
		if !ok {
			return p, fmt.Errorf("exchange set %q: store %q is not a source", sc.Name, sc.Source)
		}
		dst, ok := rt.destinations[sc.Destination]
		if !ok {
			return p, fmt.Errorf("exchange set %q: store %q is not a destination", sc.Name, sc.Destination)
		}
		if !rt.registry.Supports(src.Kind(), dst.Kind()) {
			return p, fmt.Errorf("exchange set %q: %w: %s->%s", sc.Name, pipeline.ErrUnsupportedPair, src.Kind(), dst.Kind())
		}
		system, err := units.ParseSystem(sc.UnitSystem)
		if err != nil {
			return p, fmt.Errorf("exchange set %q: %w", sc.Name, err)
		}
		store, _ := cfg.Store(sc.Source)

		p.Sets = append(p.Sets, pipeline.ExchangeSet{
			Name:            sc.Name,
			Template:        sc.Template,
			QualityVersion:  sc.QualityVersion,
			UnitSystem:      system,
			UnitOverrides:   sc.UnitOverrides,
			Processed:       sc.Processed,
			Source:          src,
			Destination:     dst,
			Credentials:     domain.Credentials{Username: store.Username, Password: store.Password},
			DestinationPath: sc.DestinationPath,
		})
	}
	return p, nil
}

// Run executes every exchange set once over the configured window and blocks
// until the run finishes. Cancelling ctx stops admission of new measures;
// measures already in flight complete.
func (rt *Runtime) Run(ctx context.Context) (RunResult, error) {
	p, err := rt.plan()
	if err != nil {
		return RunResult{Status: StatusFailure}, err
	}

	orch, err := pipeline.NewOrchestrator(p,
		pipeline.WithRegistry(rt.registry),
		pipeline.WithProgressSink(rt.sink),
		pipeline.WithObservability(rt.obs),
		pipeline.WithLogger(rt.logger),
	)
	if err != nil {
		return RunResult{Status: StatusFailure}, err
	}

	rt.mu.Lock()
	if rt.current != nil {
		rt.mu.Unlock()
		return RunResult{Status: StatusFailure}, pipeline.ErrAlreadyRun
	}
	rt.current = orch
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		rt.current = nil
		rt.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, orch.CancelExtract)
	defer stop()

	return orch.Run(ctx)
}

// Cancel asks the in-flight run to stop admitting measures.
func (rt *Runtime) Cancel() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.current == nil {
		return ErrNotRunning
	}
	rt.current.CancelExtract()
	return nil
}

// Percent reports the in-flight run's progress, or -1 when idle.
func (rt *Runtime) Percent() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.current == nil {
		return domain.NoPercent
	}
	return rt.current.Percent()
}

// Events returns the most recent progress events, oldest first.
func (rt *Runtime) Events() []ProgressEvent {
	return rt.progress.Snapshot()
}

// Pairs lists the supported source->destination kind combinations.
func (rt *Runtime) Pairs() []string {
	keys := rt.registry.Pairs()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// StartMetrics serves /metrics, /healthz and /progress on the configured
// address. It is a no-op when a custom Observability was supplied.
func (rt *Runtime) StartMetrics() {
	if rt.promReg == nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/progress", rt.serveProgress)

	rt.mu.Lock()
	rt.metricsSrv = &http.Server{
		Addr:              rt.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := rt.metricsSrv
	rt.gaugeStop = make(chan struct{})
	stop := rt.gaugeStop
	rt.mu.Unlock()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server exited", zap.Error(err))
		}
	}()
	go rt.recordArchiveGauges(stop, 5*time.Second)
}

type progressView struct {
	Percent int             `json:"percent"`
	Running bool            `json:"running"`
	Last    *ProgressEvent  `json:"last,omitempty"`
	Events  []ProgressEvent `json:"events,omitempty"`
}

func (rt *Runtime) serveProgress(w http.ResponseWriter, r *http.Request) {
	view := progressView{Percent: rt.Percent()}
	view.Running = view.Percent != domain.NoPercent
	if last, ok := rt.progress.Last(); ok {
		view.Last = &last
	}
	if r.URL.Query().Get("events") != "" {
		view.Events = rt.Events()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (rt *Runtime) recordArchiveGauges(stop <-chan struct{}, interval time.Duration) {
	if len(rt.archives) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var size int64
			for _, a := range rt.archives {
				size += a.Stats().SizeBytes
			}
			rt.obs.SetGauge("merlin_archive_size_bytes", float64(size))
		}
	}
}

// Shutdown stops the metrics server and closes every store the runtime built.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	rt.mu.Lock()
	srv, stop := rt.metricsSrv, rt.gaugeStop
	rt.metricsSrv, rt.gaugeStop = nil, nil
	rt.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, rt.closeStores())
	return errors.Join(errs...)
}

func (rt *Runtime) closeStores() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		c := rt.closers[i]
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// ArchiveIndex summarises the contents of every archive store the runtime built.
func (rt *Runtime) ArchiveIndex(ctx context.Context) (map[string][]ArchiveSummary, error) {
	out := make(map[string][]ArchiveSummary, len(rt.archives))
	for _, a := range rt.archives {
		idx, err := a.Index(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", a.Name(), err)
		}
		out[a.Name()] = idx
	}
	return out, nil
}

// ArchiveStats reports entry counts and sizes per archive store.
func (rt *Runtime) ArchiveStats() map[string]ArchiveStats {
	out := make(map[string]ArchiveStats, len(rt.archives))
	for _, a := range rt.archives {
		out[a.Name()] = a.Stats()
	}
	return out
}
