package observability

import (
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

type PromObs struct {
	logger   *zap.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
	failures *prometheus.CounterVec
}

// NewPromObs registers the exchange metrics with reg. A nil reg uses
// prometheus.DefaultRegisterer; a nil logger discards logs.
func NewPromObs(reg prometheus.Registerer, logger *zap.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reads := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "merlin_reads_total",
		Help: "Measure reads completed, including empty and failed reads.",
	})
	writes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "merlin_writes_total",
		Help: "Measure writes completed.",
	})
	refresh := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "merlin_token_refresh_total",
		Help: "Authentication calls issued by the token cache.",
	})
	progress := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "merlin_run_progress_percent",
		Help: "Weighted completion percentage of the current run.",
	})
	expected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "merlin_units_expected",
		Help: "Exchange units scheduled in the current run.",
	})
	archiveSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "merlin_archive_size_bytes",
		Help: "Bytes held by the local exchange archives.",
	})
	readLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "merlin_read_latency_seconds",
		Help:    "Time spent fetching and transforming one measure.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	writeLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "merlin_write_latency_seconds",
		Help:    "Time spent writing one record to its destination.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	authLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "merlin_auth_latency_seconds",
		Help:    "Time spent authenticating against a source endpoint.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merlin_measure_failures_total",
		Help: "Per-measure failures by phase.",
	}, []string{"phase"})

	reg.MustRegister(reads, writes, refresh, progress, expected, archiveSize, readLatency, writeLatency, authLatency, failures)

	return &PromObs{
		logger: logger,
		counters: map[string]prometheus.Counter{
			"merlin_reads_total":         reads,
			"merlin_writes_total":        writes,
			"merlin_token_refresh_total": refresh,
		},
		gauges: map[string]prometheus.Gauge{
			"merlin_run_progress_percent": progress,
			"merlin_units_expected":       expected,
			"merlin_archive_size_bytes":   archiveSize,
		},
		histos: map[string]prometheus.Observer{
			"merlin_read_latency_seconds":  readLatency,
			"merlin_write_latency_seconds": writeLatency,
			"merlin_auth_latency_seconds":  authLatency,
		},
		failures: failures,
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, zapFields(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(zapFields(fields), zap.Error(err), zap.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordFailure(unit domain.ExchangeUnit, phase domain.Phase, err error) {
	p.failures.WithLabelValues(string(phase)).Inc()
	p.logger.Warn("measure failed",
		zap.String("exchange_set", unit.ExchangeSet),
		zap.String("series_id", unit.Measure.SeriesID),
		zap.String("phase", string(phase)),
		zap.Error(err))
}

func zapFields(fields []ports.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
