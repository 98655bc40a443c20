package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ghalamif/MerlinFlow/internal/app/units"
	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

// Reader produces the transformed record for one exchange unit.
type Reader interface {
	Read(ctx context.Context, tok domain.AuthToken, unit domain.ExchangeUnit) (*domain.Record, error)
}

// Writer persists a record.
type Writer interface {
	Write(ctx context.Context, rec *domain.Record, desc domain.DestinationDescriptor) error
}

// Pair is the reader/writer combination serving one exchange set.
type Pair struct {
	Reader Reader
	Writer Writer
}

// ReadConfig carries the per-exchange-set transform settings handed to a PairFactory.
type ReadConfig struct {
	Resolver units.Resolver
	Profile  ProfileSettings
	// Margin is over-fetched on both sides of the window for profile measures.
	Margin time.Duration
	Logger *zap.Logger
}

// PairFactory builds the pair for a source and destination of registered kinds.
type PairFactory func(src ports.Source, dst ports.Destination, cfg ReadConfig) (Pair, error)

// PairKey names a supported (source kind, destination kind) combination.
type PairKey struct {
	Source      string
	Destination string
}

func (k PairKey) String() string { return k.Source + "->" + k.Destination }

// Registry maps kind pairs to factories. It is populated at startup and read
// concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	pairs map[PairKey]PairFactory
}

func NewRegistry() *Registry {
	return &Registry{pairs: make(map[PairKey]PairFactory)}
}

// Register adds or replaces the factory for a kind pair.
func (r *Registry) Register(sourceKind, destKind string, f PairFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs[PairKey{Source: sourceKind, Destination: destKind}] = f
}

func (r *Registry) Lookup(sourceKind, destKind string) (PairFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.pairs[PairKey{Source: sourceKind, Destination: destKind}]
	return f, ok
}

func (r *Registry) Supports(sourceKind, destKind string) bool {
	_, ok := r.Lookup(sourceKind, destKind)
	return ok
}

// Pairs lists registered kind pairs in a stable order.
func (r *Registry) Pairs() []PairKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PairKey, 0, len(r.pairs))
	for k := range r.pairs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Destination < out[j].Destination
	})
	return out
}

// Build resolves and invokes the factory for src and dst.
func (r *Registry) Build(src ports.Source, dst ports.Destination, cfg ReadConfig) (Pair, error) {
	f, ok := r.Lookup(src.Kind(), dst.Kind())
	if !ok {
		return Pair{}, fmt.Errorf("%w: %s->%s", ErrUnsupportedPair, src.Kind(), dst.Kind())
	}
	return f(src, dst, cfg)
}

var (
	DefaultSourceKinds      = []string{"merlin", "archive", "opcua"}
	DefaultDestinationKinds = []string{"archive", "csv", "timescale"}
)

// RegisterDefaults registers SourcePair for every built-in source and
// destination kind. Re-archiving an archive onto itself is not offered.
func RegisterDefaults(r *Registry) {
	for _, s := range DefaultSourceKinds {
		for _, d := range DefaultDestinationKinds {
			if s == "archive" && d == "archive" {
				continue
			}
			r.Register(s, d, SourcePair)
		}
	}
}

// SourcePair reads through src with unit conversion and profile segmentation
// and writes straight to dst.
func SourcePair(src ports.Source, dst ports.Destination, cfg ReadConfig) (Pair, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return Pair{Reader: &sourceReader{src: src, cfg: cfg}, Writer: dst}, nil
}
