package merlinflow

import (
	"context"

	"go.uber.org/zap"

	base "github.com/ghalamif/MerlinFlow/pkg/merlinflow"
)

// Re-exported errors for convenience.
var (
	ErrNotRunning               = base.ErrNotRunning
	ErrChannelDestinationClosed = base.ErrChannelDestinationClosed
)

// NopObservability discards metrics and logs.
var NopObservability = base.NopObservability

// Type aliases so consumers can import github.com/ghalamif/MerlinFlow directly.
type (
	Config            = base.Config
	Policy            = base.Policy
	WindowConfig      = base.WindowConfig
	ProfileConfig     = base.ProfileConfig
	MetricsConfig     = base.MetricsConfig
	StoreConfig       = base.StoreConfig
	ExchangeSetConfig = base.ExchangeSetConfig
	OPCUAConfig       = base.OPCUAConfig
	OPCUANodeConfig   = base.OPCUANodeConfig
	Runtime           = base.Runtime
	RuntimeOption     = base.RuntimeOption
	RunResult         = base.RunResult
	RunStatus         = base.RunStatus
	Record            = base.Record
	Descriptor        = base.Descriptor
	ExchangeUnit      = base.ExchangeUnit
	Delivery          = base.Delivery
	RecordHandler     = base.RecordHandler
	Source            = base.Source
	Destination       = base.Destination
	ProgressSink      = base.ProgressSink
	ProgressEvent     = base.ProgressEvent
	Observability     = base.Observability
	Field             = base.Field
	Registry          = base.Registry
	ArchiveSummary    = base.ArchiveSummary
	ArchiveStats      = base.ArchiveStats
)

const (
	StatusCompleteSuccess       = base.StatusCompleteSuccess
	StatusPartialSuccess        = base.StatusPartialSuccess
	StatusFailure               = base.StatusFailure
	StatusAuthenticationFailure = base.StatusAuthenticationFailure
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func NewRegistry() *Registry {
	return base.NewRegistry()
}

func WithSource(store string, src Source) RuntimeOption {
	return base.WithSource(store, src)
}

func WithDestination(store string, dst Destination) RuntimeOption {
	return base.WithDestination(store, dst)
}

func WithPair(sourceKind, destinationKind string) RuntimeOption {
	return base.WithPair(sourceKind, destinationKind)
}

func WithProgressSink(s ProgressSink) RuntimeOption {
	return base.WithProgressSink(s)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithLogger(l *zap.Logger) RuntimeOption {
	return base.WithLogger(l)
}

func WithRegistry(r *Registry) RuntimeOption {
	return base.WithRegistry(r)
}

// Destination adapters.
func NewCallbackDestination(name string, fn RecordHandler) Destination {
	return base.NewCallbackDestination(name, fn)
}

func NewChannelDestination(name string, buffer int) (Destination, <-chan Delivery, func()) {
	return base.NewChannelDestination(name, buffer)
}

// Exchange loads the config at path, runs every exchange set once and
// releases the stores.
func Exchange(ctx context.Context, path string, opts ...RuntimeOption) (RunResult, error) {
	cfg, err := base.LoadConfig(path)
	if err != nil {
		return RunResult{Status: StatusFailure}, err
	}
	rt, err := base.NewRuntime(cfg, opts...)
	if err != nil {
		return RunResult{Status: StatusFailure}, err
	}
	res, err := rt.Run(ctx)
	if cerr := rt.Shutdown(context.WithoutCancel(ctx)); err == nil {
		err = cerr
	}
	return res, err
}
