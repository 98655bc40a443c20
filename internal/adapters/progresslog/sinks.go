// Package progresslog provides progress sinks for exchange runs.
package progresslog

import (
	"go.uber.org/zap"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

// LogSink writes every event to a zap logger at the level implied by its severity.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "progress"))}
}

func (s *LogSink) Report(ev domain.ProgressEvent) {
	fields := make([]zap.Field, 0, 1)
	if ev.HasPercent() {
		fields = append(fields, zap.Int("percent", ev.Percent))
	}
	switch ev.Severity {
	case domain.SeverityError:
		s.logger.Error(ev.Message, fields...)
	case domain.SeverityWarning:
		s.logger.Warn(ev.Message, fields...)
	default:
		s.logger.Info(ev.Message, fields...)
	}
}

// Func adapts a plain function to a progress sink.
type Func func(domain.ProgressEvent)

func (f Func) Report(ev domain.ProgressEvent) {
	if f != nil {
		f(ev)
	}
}

// Multi fans every event out to each sink in order.
type Multi []ports.ProgressSink

func (m Multi) Report(ev domain.ProgressEvent) {
	for _, s := range m {
		if s != nil {
			s.Report(ev)
		}
	}
}

var (
	_ ports.ProgressSink = (*LogSink)(nil)
	_ ports.ProgressSink = Func(nil)
	_ ports.ProgressSink = Multi(nil)
)
