package merlinflow

import (
	"github.com/ghalamif/MerlinFlow/internal/adapters/opcua"
	"github.com/ghalamif/MerlinFlow/internal/app/config"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically. Call Complete before use.
type Config = config.Config

type (
	// Policy sizes the worker pool and tunes progress reporting.
	Policy = ports.Policy
	// WindowConfig bounds the extraction interval.
	WindowConfig = config.WindowConfig
	// ProfileConfig tunes profile segmentation.
	ProfileConfig = config.ProfileConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// StoreConfig describes one source or destination.
	StoreConfig = config.StoreConfig
	// ExchangeSetConfig binds a template to a source and a destination store.
	ExchangeSetConfig = config.ExchangeSetConfig
	// OPCUAConfig holds historian connection and node details.
	OPCUAConfig = opcua.Config
	// OPCUANodeConfig maps a historized node to a measure.
	OPCUANodeConfig = opcua.NodeConfig
)

// Store kinds accepted in StoreConfig.Kind.
const (
	KindMerlin    = config.KindMerlin
	KindArchive   = config.KindArchive
	KindOPCUA     = config.KindOPCUA
	KindCSV       = config.KindCSV
	KindTimescale = config.KindTimescale
	KindExternal  = config.KindExternal
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
