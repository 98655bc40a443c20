package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ghalamif/MerlinFlow/internal/domain"
)

type fakeAuth struct {
	endpoint string
	calls    atomic.Int32
	delay    time.Duration
	expiry   time.Time
	err      error
	// entered, when set, is signalled on entry and Authenticate blocks until release closes.
	entered chan<- string
	release <-chan struct{}
}

func (f *fakeAuth) Endpoint() string { return f.endpoint }

func (f *fakeAuth) Authenticate(ctx context.Context, creds domain.Credentials) (domain.AuthToken, error) {
	n := f.calls.Add(1)
	if f.entered != nil {
		f.entered <- f.endpoint
		select {
		case <-f.release:
		case <-ctx.Done():
			return domain.AuthToken{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return domain.AuthToken{}, f.err
	}
	return domain.AuthToken{Value: fmt.Sprintf("%s-%s-%d", f.endpoint, creds.Username, n), Expiry: f.expiry}, nil
}

func TestTokenCacheSingleRefreshUnderContention(t *testing.T) {
	cache := NewTokenCache(WithLogger(zaptest.NewLogger(t)))
	a := &fakeAuth{endpoint: "https://merlin.test", delay: 20 * time.Millisecond}

	const callers = 64
	var (
		wg     sync.WaitGroup
		tokens = make([]domain.AuthToken, callers)
		errs   = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = cache.Token(context.Background(), a, domain.Credentials{Username: "u"})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), a.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
}

func TestTokenCacheDistinctEndpointsAuthenticateInParallel(t *testing.T) {
	cache := NewTokenCache()

	const endpoints = 4
	entered := make(chan string, endpoints)
	release := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, endpoints)
	for i := 0; i < endpoints; i++ {
		a := &fakeAuth{endpoint: fmt.Sprintf("https://merlin-%d.test", i), entered: entered, release: release}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Token(ctx, a, domain.Credentials{})
			errs <- err
		}()
	}

	// Every endpoint must be inside Authenticate at the same time.
	seen := map[string]bool{}
	for len(seen) < endpoints {
		select {
		case ep := <-entered:
			seen[ep] = true
		case <-ctx.Done():
			t.Fatalf("only %d of %d endpoints authenticated concurrently", len(seen), endpoints)
		}
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestTokenCacheRefreshesExpiredToken(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cache := NewTokenCache(WithClock(clock), WithRefreshSkew(time.Minute))
	a := &fakeAuth{endpoint: "e", expiry: now.Add(10 * time.Minute)}

	first, err := cache.Token(context.Background(), a, domain.Credentials{})
	require.NoError(t, err)
	second, err := cache.Token(context.Background(), a, domain.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), a.calls.Load())

	// Inside the skew window the token counts as expired.
	now = now.Add(9*time.Minute + 30*time.Second)
	a.expiry = now.Add(time.Hour)
	third, err := cache.Token(context.Background(), a, domain.Credentials{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Value, third.Value)
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestTokenCacheAuthenticationFailure(t *testing.T) {
	cache := NewTokenCache()
	a := &fakeAuth{endpoint: "e", err: errors.New("401 unauthorized")}

	_, err := cache.Token(context.Background(), a, domain.Credentials{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthentication)

	// Failures are not cached and not retried by the cache itself.
	_, err = cache.Token(context.Background(), a, domain.Credentials{})
	require.Error(t, err)
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestTokenCacheInvalidate(t *testing.T) {
	cache := NewTokenCache()
	a := &fakeAuth{endpoint: "e"}

	_, err := cache.Token(context.Background(), a, domain.Credentials{})
	require.NoError(t, err)
	cache.Invalidate("e")
	_, err = cache.Token(context.Background(), a, domain.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), a.calls.Load())
}
