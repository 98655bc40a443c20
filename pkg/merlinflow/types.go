package merlinflow

import (
	"github.com/ghalamif/MerlinFlow/internal/adapters/archive"
	"github.com/ghalamif/MerlinFlow/internal/app/pipeline"
	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

// Record is the transformed payload handed to a destination.
type Record = domain.Record

// Descriptor tells a destination where a record belongs.
type Descriptor = domain.DestinationDescriptor

// ExchangeUnit identifies one measure of one exchange set.
type ExchangeUnit = domain.ExchangeUnit

// Source is a catalog of measures readable over a window (Merlin, archive, OPC UA, ...).
type Source = ports.Source

// Destination persists records to any downstream system.
type Destination = ports.Destination

// ProgressSink observes run progress.
type ProgressSink = ports.ProgressSink

// ProgressEvent is one progress observation.
type ProgressEvent = domain.ProgressEvent

// Observability emits metrics and logs about reads, writes and failures.
type Observability = ports.Observability

// NopObservability discards metrics and logs. Runtimes given it skip the
// metrics server.
var NopObservability Observability = ports.NopObservability{}

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// Registry maps source/destination kind pairs to reader/writer factories.
type Registry = pipeline.Registry

// RunResult summarises a finished run.
type RunResult = pipeline.RunResult

// ArchiveSummary describes one series held in an archive store.
type ArchiveSummary = archive.Summary

// ArchiveStats reports an archive's entry count and size.
type ArchiveStats = archive.Stats

// RunStatus is the terminal outcome of a run.
type RunStatus = domain.RunStatus

const (
	StatusCompleteSuccess       = domain.StatusCompleteSuccess
	StatusPartialSuccess        = domain.StatusPartialSuccess
	StatusFailure               = domain.StatusFailure
	StatusAuthenticationFailure = domain.StatusAuthenticationFailure
)

// NewRegistry returns a registry with every built-in pair registered.
func NewRegistry() *Registry {
	r := pipeline.NewRegistry()
	pipeline.RegisterDefaults(r)
	return r
}
