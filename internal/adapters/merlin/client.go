// Package merlin is an HTTP client for the Merlin measurement catalog.
package merlin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

const Kind = "merlin"

const (
	DefaultRequestsPerSecond = 10
	DefaultTimeout           = 60 * time.Second
)

type Config struct {
	Name              string
	Endpoint          string
	RequestsPerSecond float64
	Timeout           time.Duration
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = Kind
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
}

// Client talks to one Merlin endpoint. Requests share a token bucket and a
// circuit breaker; neither retries.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.applyDefaults()
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("merlin: invalid endpoint %q", cfg.Endpoint)
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond))),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "merlin"), zap.String("endpoint", cfg.Endpoint))

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Missing data and rejected credentials say nothing about endpoint health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNoData) || errors.Is(err, domain.ErrAuthentication)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c, nil
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Kind() string { return Kind }

func (c *Client) Endpoint() string { return c.cfg.Endpoint }

func (c *Client) RequiresAuth() bool { return true }

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *Client) Authenticate(ctx context.Context, creds domain.Credentials) (domain.AuthToken, error) {
	body, err := json.Marshal(tokenRequest{Username: creds.Username, Password: creds.Password})
	if err != nil {
		return domain.AuthToken{}, err
	}
	issued := time.Now()

	var res tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/token", nil, "", body, &res); err != nil {
		if errors.Is(err, domain.ErrAuthentication) {
			return domain.AuthToken{}, err
		}
		return domain.AuthToken{}, fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
	}
	if res.AccessToken == "" {
		return domain.AuthToken{}, fmt.Errorf("%w: empty access token", domain.ErrAuthentication)
	}

	tok := domain.AuthToken{Value: res.AccessToken}
	if res.ExpiresIn > 0 {
		tok.Expiry = issued.Add(time.Duration(res.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func (c *Client) ListTemplates(ctx context.Context, tok domain.AuthToken) ([]domain.Template, error) {
	var out []domain.Template
	if err := c.do(ctx, http.MethodGet, "/templates", nil, tok.Value, nil, &out); err != nil {
		return nil, catalogError(err)
	}
	return out, nil
}

func (c *Client) ListMeasures(ctx context.Context, tok domain.AuthToken, tmpl domain.Template) ([]domain.Measure, error) {
	id := tmpl.ID
	if id == "" {
		id = tmpl.Name
	}
	var out []domain.Measure
	if err := c.do(ctx, http.MethodGet, "/templates/"+url.PathEscape(id)+"/measures", nil, tok.Value, nil, &out); err != nil {
		return nil, catalogError(err)
	}
	for i := range out {
		if out[i].Kind == "" {
			out[i].Kind = domain.KindTimeSeries
		}
	}
	return out, nil
}

// wireSeries carries missing readings as JSON null.
type wireSeries struct {
	Times        []time.Time `json:"times"`
	Constituents []struct {
		Parameter string     `json:"parameter"`
		Unit      string     `json:"unit"`
		Values    []*float64 `json:"values"`
	} `json:"constituents"`
}

func (c *Client) FetchEvents(ctx context.Context, tok domain.AuthToken, m domain.Measure, qualityVersion string, start, end time.Time) (*domain.RawSeries, error) {
	q := url.Values{}
	if qualityVersion != "" {
		q.Set("quality", qualityVersion)
	}
	q.Set("begin", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))

	var ws wireSeries
	if err := c.do(ctx, http.MethodGet, "/measures/"+url.PathEscape(m.SeriesID)+"/events", q, tok.Value, nil, &ws); err != nil {
		if errors.Is(err, domain.ErrNoData) || errors.Is(err, domain.ErrAuthentication) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteRead, err)
	}

	out := &domain.RawSeries{Times: ws.Times}
	for _, wc := range ws.Constituents {
		pc := domain.ProfileConstituent{Parameter: wc.Parameter, Unit: wc.Unit, Values: make([]float64, len(wc.Values))}
		for i, v := range wc.Values {
			if v == nil {
				pc.Values[i] = math.NaN()
				continue
			}
			pc.Values[i] = *v
		}
		out.Constituents = append(out.Constituents, pc)
	}
	if out.Empty() {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoData, m.SeriesID)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteRead, err)
	}
	return out, nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, query, token, body, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, token string, body []byte, out any) error {
	target := c.cfg.Endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s: status %d", domain.ErrAuthentication, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return fmt.Errorf("%w: %s", domain.ErrNoData, path)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func catalogError(err error) error {
	if errors.Is(err, domain.ErrAuthentication) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrCatalog, err)
}

var _ ports.Source = (*Client)(nil)
