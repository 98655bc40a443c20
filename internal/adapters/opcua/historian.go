// Package opcua reads historized node values from an OPC UA server and
// exposes each configured node as a measure.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

const Kind = "opcua"

// maxContinuations bounds paging through one history read.
const maxContinuations = 10000

type historyClient interface {
	Connect(ctx context.Context) error
	HistoryReadRawModified(ctx context.Context, nodes []*ua.HistoryReadValueID, details *ua.ReadRawModifiedDetails) (*ua.HistoryReadResponse, error)
	Close(ctx context.Context) error
}

type Historian struct {
	name   string
	cfg    Config
	logger *zap.Logger
	dial   func(endpoint string, opts ...opcua.Option) (historyClient, error)

	mu     sync.Mutex
	client historyClient
	nodes  map[string]NodeConfig
}

func NewHistorian(name string, cfg Config, logger *zap.Logger) (*Historian, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		name = Kind
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nodes := make(map[string]NodeConfig, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodes[n.SeriesID] = n
	}
	return &Historian{
		name:   name,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "opcua"), zap.String("endpoint", cfg.Endpoint)),
		dial: func(endpoint string, opts ...opcua.Option) (historyClient, error) {
			return opcua.NewClient(endpoint, opts...)
		},
		nodes: nodes,
	}, nil
}

func (h *Historian) Name() string { return h.name }

func (h *Historian) Kind() string { return Kind }

func (h *Historian) Endpoint() string { return h.cfg.Endpoint }

// RequiresAuth is false: credentials are presented when the session opens.
func (h *Historian) RequiresAuth() bool { return false }

func (h *Historian) Authenticate(ctx context.Context, creds domain.Credentials) (domain.AuthToken, error) {
	if _, err := h.session(ctx); err != nil {
		return domain.AuthToken{}, fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
	}
	return domain.AuthToken{Value: "session"}, nil
}

func (h *Historian) ListTemplates(ctx context.Context, tok domain.AuthToken) ([]domain.Template, error) {
	return []domain.Template{{ID: h.cfg.Template, Name: h.cfg.Template}}, nil
}

func (h *Historian) ListMeasures(ctx context.Context, tok domain.AuthToken, tmpl domain.Template) ([]domain.Measure, error) {
	if tmpl.Name != h.cfg.Template {
		return nil, fmt.Errorf("%w: unknown template %q", domain.ErrCatalog, tmpl.Name)
	}
	out := make([]domain.Measure, 0, len(h.cfg.Nodes))
	for _, n := range h.cfg.Nodes {
		out = append(out, domain.Measure{
			SeriesID:  n.SeriesID,
			Parameter: n.Parameter,
			Unit:      n.Unit,
			Interval:  n.Interval,
			Kind:      domain.KindTimeSeries,
			Type:      "INST-VAL",
		})
	}
	return out, nil
}

// FetchEvents pages through the node's raw history inside [start, end].
// Values with a bad status or a non-numeric type are skipped.
func (h *Historian) FetchEvents(ctx context.Context, tok domain.AuthToken, m domain.Measure, qualityVersion string, start, end time.Time) (*domain.RawSeries, error) {
	node, ok := h.nodes[m.SeriesID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown series %q", domain.ErrRemoteRead, m.SeriesID)
	}
	nodeID, err := ua.ParseNodeID(node.NodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: parse node id %q: %w", domain.ErrRemoteRead, node.NodeID, err)
	}
	client, err := h.session(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteRead, err)
	}

	details := &ua.ReadRawModifiedDetails{
		IsReadModified:   false,
		StartTime:        start,
		EndTime:          end,
		NumValuesPerNode: h.cfg.MaxValuesPerRead,
		ReturnBounds:     false,
	}
	out := &domain.RawSeries{Constituents: []domain.ProfileConstituent{{Parameter: node.Parameter, Unit: node.Unit}}}

	var cp []byte
	for page := 0; page < maxContinuations; page++ {
		res, err := client.HistoryReadRawModified(ctx, []*ua.HistoryReadValueID{{
			NodeID:            nodeID,
			DataEncoding:      &ua.QualifiedName{},
			ContinuationPoint: cp,
		}}, details)
		if err != nil {
			return nil, fmt.Errorf("%w: history read %s: %w", domain.ErrRemoteRead, node.NodeID, err)
		}
		if len(res.Results) == 0 {
			return nil, fmt.Errorf("%w: history read %s: empty result", domain.ErrRemoteRead, node.NodeID)
		}
		result := res.Results[0]
		if result.StatusCode != ua.StatusOK {
			return nil, fmt.Errorf("%w: history read %s: %s", domain.ErrRemoteRead, node.NodeID, result.StatusCode)
		}
		if result.HistoryData != nil {
			if data, ok := result.HistoryData.Value.(*ua.HistoryData); ok {
				h.appendValues(out, node, data.DataValues)
			}
		}
		cp = result.ContinuationPoint
		if len(cp) == 0 {
			break
		}
	}

	if out.Empty() {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoData, m.SeriesID)
	}
	return out, nil
}

func (h *Historian) appendValues(out *domain.RawSeries, node NodeConfig, values []*ua.DataValue) {
	for _, dv := range values {
		if dv == nil || dv.Status != ua.StatusOK {
			continue
		}
		fv, ok := variantToFloat(dv.Value)
		if !ok {
			h.logger.Debug("skipping unsupported value", zap.String("node", node.NodeID))
			continue
		}
		ts := dv.SourceTimestamp
		if ts.IsZero() {
			ts = dv.ServerTimestamp
		}
		if ts.IsZero() {
			continue
		}
		out.Times = append(out.Times, ts)
		out.Constituents[0].Values = append(out.Constituents[0].Values, fv)
	}
}

// session connects on first use and reuses the client afterwards.
func (h *Historian) session(ctx context.Context) (historyClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return h.client, nil
	}

	client, err := h.dial(h.cfg.Endpoint, h.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect: %w", err)
	}
	h.client = client
	return client, nil
}

func (h *Historian) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(h.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(h.cfg.SecurityPolicy)),
		opcua.ApplicationName(h.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if h.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(h.cfg.Username, h.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func (h *Historian) Close() error {
	h.mu.Lock()
	client := h.client
	h.client = nil
	h.mu.Unlock()
	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

var _ ports.Source = (*Historian)(nil)
