// Package csvexport writes one CSV file per exchanged measure.
package csvexport

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

const Kind = "csv"

const (
	CodeIO     = 1
	CodeLayout = 2
)

// Exporter lays files out as <dir>/<exchange set>/<series id>.csv. Time
// series files have one row per timestamp; profile files have one row per
// reading, keyed by the sample timestamp and the reading index.
type Exporter struct {
	name string
	dir  string

	mu    sync.Mutex
	files map[string]*sync.Mutex
}

func New(name, dir string) *Exporter {
	if name == "" {
		name = Kind
	}
	return &Exporter{name: name, dir: dir, files: make(map[string]*sync.Mutex)}
}

func (e *Exporter) Name() string { return e.name }

func (e *Exporter) Kind() string { return Kind }

// PathFor returns the file seriesID is exported to.
func (e *Exporter) PathFor(desc domain.DestinationDescriptor, seriesID string) string {
	dir := e.dir
	if desc.Path != "" {
		dir = desc.Path
	}
	return filepath.Join(dir, sanitize(desc.ExchangeSet), sanitize(seriesID)+".csv")
}

func (e *Exporter) Write(ctx context.Context, rec *domain.Record, desc domain.DestinationDescriptor) error {
	if rec.Empty() {
		return nil
	}
	path := e.PathFor(desc, rec.Unit.Measure.SeriesID)

	lock := e.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	var rows [][]string
	if len(rec.Profiles) > 0 {
		rows = profileRows(rec.Profiles)
	} else {
		if err := rec.Series.Validate(); err != nil {
			return domain.NewWriteError(e.name, CodeLayout, err)
		}
		rows = seriesRows(rec.Series)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.NewWriteError(e.name, CodeIO, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return domain.NewWriteError(e.name, CodeIO, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return domain.NewWriteError(e.name, CodeIO, err)
	}
	if err := f.Close(); err != nil {
		return domain.NewWriteError(e.name, CodeIO, err)
	}
	return nil
}

func (e *Exporter) fileLock(path string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.files[path]
	if !ok {
		l = &sync.Mutex{}
		e.files[path] = l
	}
	return l
}

func (e *Exporter) Close() error { return nil }

func seriesRows(s *domain.RawSeries) [][]string {
	header := []string{"timestamp"}
	for _, c := range s.Constituents {
		header = append(header, columnName(c))
	}
	rows := make([][]string, 0, s.Len()+1)
	rows = append(rows, header)
	for i, t := range s.Times {
		row := []string{t.UTC().Format(time.RFC3339)}
		for _, c := range s.Constituents {
			row = append(row, formatValue(c.Values[i]))
		}
		rows = append(rows, row)
	}
	return rows
}

func profileRows(samples []domain.ProfileSample) [][]string {
	header := []string{"timestamp", "index"}
	for _, c := range samples[0].Constituents {
		header = append(header, columnName(c))
	}
	rows := [][]string{header}
	for _, p := range samples {
		ts := p.Timestamp.UTC().Format(time.RFC3339)
		for i := 0; i < p.Len(); i++ {
			row := []string{ts, strconv.Itoa(i)}
			for _, c := range p.Constituents {
				v := "NaN"
				if i < len(c.Values) {
					v = formatValue(c.Values[i])
				}
				row = append(row, v)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func columnName(c domain.ProfileConstituent) string {
	if c.Unit == "" {
		return c.Parameter
	}
	return c.Parameter + " (" + c.Unit + ")"
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var unsafeChars = strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")

func sanitize(s string) string {
	s = unsafeChars.Replace(strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// ErrNotExported is returned by Read for measures that have no export file.
var ErrNotExported = errors.New("measure not exported")

// Read loads an exported file back as rows, header included.
func (e *Exporter) Read(desc domain.DestinationDescriptor, seriesID string) ([][]string, error) {
	f, err := os.Open(e.PathFor(desc, seriesID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExported
		}
		return nil, err
	}
	defer f.Close()
	return csv.NewReader(f).ReadAll()
}

var _ ports.Destination = (*Exporter)(nil)
