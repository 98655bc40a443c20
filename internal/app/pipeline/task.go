package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

// task is one scheduled exchange unit.
type task struct {
	unit domain.ExchangeUnit
	set  *ExchangeSet
	pair Pair
	desc domain.DestinationDescriptor
}

// runTask performs authenticate → read → write for one unit. Every failure is
// contained here; nothing propagates to sibling tasks.
func (o *Orchestrator) runTask(ctx context.Context, t task) {
	if o.isCancelled(ctx) {
		return
	}
	// In-flight I/O is never interrupted by cancellation.
	ioCtx := context.WithoutCancel(ctx)
	key := t.unit.Key()
	log := o.logger.With(zap.String("exchange_set", t.unit.ExchangeSet), zap.String("series_id", t.unit.Measure.SeriesID))

	src := t.set.Source
	var tok domain.AuthToken
	if src.RequiresAuth() {
		var err error
		tok, err = o.tokens.Token(ioCtx, src, t.set.Credentials)
		if err != nil {
			o.failRead(t, &domain.MeasureError{Phase: domain.PhaseAuthenticate, SeriesID: t.unit.Measure.SeriesID, Err: err})
			return
		}
	}

	started := o.now()
	rec, err := t.pair.Reader.Read(ioCtx, tok, t.unit)
	o.obs.ObserveLatency("merlin_read_latency_seconds", o.now().Sub(started).Seconds())
	if err != nil {
		if errors.Is(err, domain.ErrAuthentication) {
			o.tokens.Invalidate(src.Endpoint())
		}
		if errors.Is(err, domain.ErrNoData) {
			o.noData(t, log)
			return
		}
		o.failRead(t, err)
		return
	}
	if rec.Empty() {
		o.noData(t, log)
		return
	}

	pct := o.tracker.RecordReadCompleted()
	o.obs.IncCounter("merlin_reads_total", 1)
	o.report(fmt.Sprintf("read %s", key), domain.SeverityInfo, pct)

	if o.isCancelled(ctx) {
		// The completion keeps the counters balanced; skipped marks the run
		// as not fully written.
		log.Debug("write skipped after cancellation")
		o.tracker.RecordWriteCompleted()
		o.skipped.Add(1)
		return
	}

	started = o.now()
	err = t.pair.Writer.Write(ioCtx, rec, t.desc)
	o.obs.ObserveLatency("merlin_write_latency_seconds", o.now().Sub(started).Seconds())
	if err != nil {
		code := 0
		var we *domain.WriteError
		if errors.As(err, &we) {
			code = we.Code
		}
		merr := &domain.MeasureError{Phase: domain.PhaseWrite, SeriesID: t.unit.Measure.SeriesID, Err: err}
		o.obs.LogError("write failed", err, unitFields(t.unit,
			ports.Field{Key: "destination", Value: t.desc.Store},
			ports.Field{Key: "code", Value: code})...)
		o.obs.RecordFailure(t.unit, domain.PhaseWrite, err)
		o.addFailure(merr)
		o.report(fmt.Sprintf("write %s to %s failed with code %d: %v", key, t.desc.Store, code, err), domain.SeverityError, domain.NoPercent)
		return
	}

	pct = o.tracker.RecordWriteCompleted()
	o.succeeded.Add(1)
	o.obs.IncCounter("merlin_writes_total", 1)
	o.report(fmt.Sprintf("wrote %s", key), domain.SeverityInfo, pct)
}

// failRead accounts a unit whose read failed as both read and written.
func (o *Orchestrator) failRead(t task, err error) {
	phase := phaseOf(err)
	o.obs.LogError("measure failed", err, unitFields(t.unit, ports.Field{Key: "phase", Value: string(phase)})...)
	o.obs.RecordFailure(t.unit, phase, err)
	o.addFailure(err)

	o.tracker.RecordReadCompleted()
	o.obs.IncCounter("merlin_reads_total", 1)
	pct := o.tracker.RecordWriteCompleted()
	o.report(fmt.Sprintf("%s failed: %v", t.unit.Key(), err), domain.SeverityError, pct)
}

// noData accounts an empty measure as both read and written.
func (o *Orchestrator) noData(t task, log *zap.Logger) {
	log.Info("no data in window")
	o.tracker.RecordReadCompleted()
	o.obs.IncCounter("merlin_reads_total", 1)
	pct := o.tracker.RecordWriteCompleted()
	o.succeeded.Add(1)
	o.report(fmt.Sprintf("no data for %s", t.unit.Key()), domain.SeverityInfo, pct)
}

func unitFields(unit domain.ExchangeUnit, extra ...ports.Field) []ports.Field {
	return append([]ports.Field{
		{Key: "exchange_set", Value: unit.ExchangeSet},
		{Key: "series_id", Value: unit.Measure.SeriesID},
	}, extra...)
}

var _ Writer = ports.Destination(nil)
