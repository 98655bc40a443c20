// Package auth caches endpoint credentials for the duration of a run.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

// DefaultRefreshSkew treats tokens expiring within this window as expired.
const DefaultRefreshSkew = 30 * time.Second

// TokenCache hands out one valid token per endpoint. Concurrent callers that
// find a missing or expired token serialise on a lock scoped to that endpoint,
// so each endpoint sees at most one refresh at a time while unrelated
// endpoints authenticate in parallel.
type TokenCache struct {
	tokens sync.Map // endpoint -> domain.AuthToken
	locks  sync.Map // endpoint -> *sync.Mutex

	skew   time.Duration
	now    func() time.Time
	logger *zap.Logger
	obs    ports.Observability
}

// Option configures a TokenCache.
type Option func(*TokenCache)

// WithRefreshSkew overrides DefaultRefreshSkew.
func WithRefreshSkew(d time.Duration) Option {
	return func(c *TokenCache) {
		if d >= 0 {
			c.skew = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *TokenCache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *TokenCache) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithObservability(obs ports.Observability) Option {
	return func(c *TokenCache) {
		c.obs = obs
	}
}

// NewTokenCache returns an empty cache. Callers own the instance; there is no
// process-wide default.
func NewTokenCache(opts ...Option) *TokenCache {
	c := &TokenCache{
		skew:   DefaultRefreshSkew,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Token returns a valid token for the authenticator's endpoint, refreshing it
// through a.Authenticate when missing or expired. Authentication failures are
// not retried and wrap domain.ErrAuthentication.
func (c *TokenCache) Token(ctx context.Context, a ports.Authenticator, creds domain.Credentials) (domain.AuthToken, error) {
	endpoint := a.Endpoint()

	if tok, ok := c.lookup(endpoint); ok {
		return tok, nil
	}

	mu := c.lockFor(endpoint)
	mu.Lock()
	defer mu.Unlock()

	// Another caller may have refreshed while we waited.
	if tok, ok := c.lookup(endpoint); ok {
		return tok, nil
	}

	start := c.now()
	tok, err := a.Authenticate(ctx, creds)
	if err != nil {
		c.logger.Warn("authentication failed", zap.String("endpoint", endpoint), zap.Error(err))
		if errors.Is(err, domain.ErrAuthentication) {
			return domain.AuthToken{}, err
		}
		return domain.AuthToken{}, fmt.Errorf("%w: %s: %w", domain.ErrAuthentication, endpoint, err)
	}
	if !tok.Valid() {
		return domain.AuthToken{}, fmt.Errorf("%w: %s: empty token", domain.ErrAuthentication, endpoint)
	}

	c.tokens.Store(endpoint, tok)
	if c.obs != nil {
		c.obs.IncCounter("merlin_token_refresh_total", 1)
		c.obs.ObserveLatency("merlin_auth_latency_seconds", c.now().Sub(start).Seconds())
	}
	c.logger.Debug("token refreshed", zap.String("endpoint", endpoint), zap.Time("expiry", tok.Expiry))
	return tok, nil
}

// Invalidate drops the cached token for endpoint, e.g. after the remote side
// rejected it.
func (c *TokenCache) Invalidate(endpoint string) {
	c.tokens.Delete(endpoint)
}

func (c *TokenCache) lookup(endpoint string) (domain.AuthToken, bool) {
	v, ok := c.tokens.Load(endpoint)
	if !ok {
		return domain.AuthToken{}, false
	}
	tok := v.(domain.AuthToken)
	if tok.Expired(c.now(), c.skew) {
		return domain.AuthToken{}, false
	}
	return tok, true
}

func (c *TokenCache) lockFor(endpoint string) *sync.Mutex {
	if mu, ok := c.locks.Load(endpoint); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := c.locks.LoadOrStore(endpoint, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
