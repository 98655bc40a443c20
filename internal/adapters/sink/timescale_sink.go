package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/lib/pq"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

const Kind = "timescale"

// maxRowsPerStatement keeps the placeholder count under Postgres' 65535 limit.
const maxRowsPerStatement = 8000

// Native code used when the driver did not return a *pq.Error.
const CodeUnknown = -1

// TimescaleSink writes readings to a hypertable shaped as
// (series_id, exchange_set, parameter, unit, ts, depth_index, value, profile).
// Time series rows carry depth_index 0 and a NULL profile document.
type TimescaleSink struct {
	name      string
	db        *sql.DB
	tableName string
}

func NewTimescaleSink(db *sql.DB, table string) *TimescaleSink {
	return &TimescaleSink{name: Kind, db: db, tableName: table}
}

// OpenTimescale connects through lib/pq.
func OpenTimescale(connString, table string) (*TimescaleSink, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, err
	}
	return NewTimescaleSink(db, table), nil
}

func (t *TimescaleSink) WithName(name string) *TimescaleSink {
	if name != "" {
		t.name = name
	}
	return t
}

func (t *TimescaleSink) Name() string { return t.name }

func (t *TimescaleSink) Kind() string { return Kind }

type row struct {
	parameter string
	unit      string
	ts        any
	index     int
	value     any
	profile   any
}

func (t *TimescaleSink) Write(ctx context.Context, rec *domain.Record, desc domain.DestinationDescriptor) error {
	if rec.Empty() {
		return nil
	}
	rows, err := recordRows(rec)
	if err != nil {
		return domain.NewWriteError(t.name, CodeUnknown, err)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return t.writeError(err)
	}
	for start := 0; start < len(rows); start += maxRowsPerStatement {
		end := min(start+maxRowsPerStatement, len(rows))
		query, args := t.insert(rec.Unit.Measure.SeriesID, desc.ExchangeSet, rows[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Join(t.writeError(err), tx.Rollback())
		}
	}
	if err := tx.Commit(); err != nil {
		return t.writeError(err)
	}
	return nil
}

func (t *TimescaleSink) insert(seriesID, exchangeSet string, rows []row) (string, []any) {
	// INSERT ... ON CONFLICT DO NOTHING (idempotent via unique key)
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (series_id, exchange_set, parameter, unit, ts, depth_index, value, profile) VALUES ")

	args := make([]any, 0, len(rows)*8)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		n := len(args)
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8))
		args = append(args, seriesID, exchangeSet, r.parameter, r.unit, r.ts, r.index, r.value, r.profile)
	}
	b.WriteString(" ON CONFLICT (series_id, parameter, ts, depth_index) DO NOTHING")
	return b.String(), args
}

func recordRows(rec *domain.Record) ([]row, error) {
	var rows []row
	if len(rec.Profiles) > 0 {
		for _, p := range rec.Profiles {
			doc, err := json.Marshal(p.Constituents)
			if err != nil {
				return nil, fmt.Errorf("marshal profile: %w", err)
			}
			// The whole sweep document rides on the first row of each sample.
			var profile any = doc
			for _, c := range p.Constituents {
				for i, v := range c.Values {
					rows = append(rows, row{parameter: c.Parameter, unit: c.Unit, ts: p.Timestamp, index: i, value: nullable(v), profile: profile})
					profile = nil
				}
			}
		}
		return rows, nil
	}
	if err := rec.Series.Validate(); err != nil {
		return nil, err
	}
	for _, c := range rec.Series.Constituents {
		for i, ts := range rec.Series.Times {
			rows = append(rows, row{parameter: c.Parameter, unit: c.Unit, ts: ts, value: nullable(c.Values[i])})
		}
	}
	return rows, nil
}

// nullable maps missing readings to SQL NULL.
func nullable(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func (t *TimescaleSink) writeError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return domain.NewWriteError(t.name, sqlStateCode(pqErr.Code), err)
	}
	return domain.NewWriteError(t.name, CodeUnknown, err)
}

// sqlStateCode folds a five character SQLSTATE into an int, e.g. 23505 stays 23505.
// Non-numeric states fall back to their class digits.
func sqlStateCode(code pq.ErrorCode) int {
	n := 0
	for _, r := range string(code) {
		if r < '0' || r > '9' {
			return classCode(code)
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func classCode(code pq.ErrorCode) int {
	n := 0
	for _, r := range string(code.Class()) {
		if r < '0' || r > '9' {
			return CodeUnknown
		}
		n = n*10 + int(r-'0')
	}
	return n * 1000
}

func (t *TimescaleSink) Close() error {
	return t.db.Close()
}

var _ ports.Destination = (*TimescaleSink)(nil)
