package ports

import (
	"context"
	"time"

	"github.com/ghalamif/MerlinFlow/internal/domain"
)

// Authenticator issues tokens for one remote endpoint.
type Authenticator interface {
	Endpoint() string
	Authenticate(ctx context.Context, creds domain.Credentials) (domain.AuthToken, error)
}

// Source is a catalog of measures that can be read over a time window.
type Source interface {
	Authenticator

	Name() string
	Kind() string
	// RequiresAuth reports whether calls need a token from the token cache.
	RequiresAuth() bool

	ListTemplates(ctx context.Context, tok domain.AuthToken) ([]domain.Template, error)
	ListMeasures(ctx context.Context, tok domain.AuthToken, tmpl domain.Template) ([]domain.Measure, error)
	FetchEvents(ctx context.Context, tok domain.AuthToken, m domain.Measure, qualityVersion string, start, end time.Time) (*domain.RawSeries, error)

	Close() error
}
