package ports

import (
	"context"

	"github.com/ghalamif/MerlinFlow/internal/domain"
)

// Destination persists transformed records. Implementations must be safe for
// concurrent Write calls; failures should be *domain.WriteError values.
type Destination interface {
	Name() string
	Kind() string
	Write(ctx context.Context, rec *domain.Record, desc domain.DestinationDescriptor) error
	Close() error
}
