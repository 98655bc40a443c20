// Package archive stores exchanged series in an append-only framed file and
// serves them back as a local source.
//
// Each frame is [8 bytes id][4 bytes length][length bytes JSON entry]. A torn
// frame at the tail, left by a crash mid-write, is truncated on open.
package archive

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

const (
	Kind     = "archive"
	FileName = "exchange.mfa"

	frameHeaderLen = 12
)

// Native error codes carried by *domain.WriteError.
const (
	CodeEncode = 1
	CodeIO     = 2
	CodeClosed = 3
)

// Entry is one archived write.
type Entry struct {
	ExchangeSet string                 `json:"exchange_set"`
	Template    string                 `json:"template,omitempty"`
	UnitSystem  string                 `json:"unit_system,omitempty"`
	Measure     domain.Measure         `json:"measure"`
	Series      *domain.RawSeries      `json:"series,omitempty"`
	Profiles    []domain.ProfileSample `json:"profiles,omitempty"`
	WrittenAt   time.Time              `json:"written_at"`
}

// Stats summarises the archive file.
type Stats struct {
	Entries   int64
	LatestID  uint64
	SizeBytes int64
}

type Archive struct {
	mu        sync.Mutex
	name      string
	path      string
	file      *os.File
	writer    *bufio.Writer
	nextID    uint64
	entries   int64
	sizeBytes int64
	closed    bool
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Archive)

func WithName(name string) Option {
	return func(a *Archive) {
		if name != "" {
			a.name = name
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Archive) {
		if l != nil {
			a.logger = l
		}
	}
}

// Open opens or creates the archive file inside dir.
func Open(dir string, opts ...Option) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	a := &Archive{
		name:   Kind,
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 1<<16),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.scanExisting(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := a.file.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) scanExisting() error {
	stat, err := a.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() == 0 {
		return nil
	}

	rf, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var (
		offset int64
		lastID uint64
		count  int64
	)

	for {
		var hdr [frameHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				a.logger.Warn("truncating torn archive header", zap.Int64("offset", offset))
				break
			}
			return fmt.Errorf("archive scan header: %w", err)
		}
		id := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])

		if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				a.logger.Warn("truncating torn archive frame", zap.Int64("offset", offset))
				break
			}
			return fmt.Errorf("archive scan body: %w", err)
		}
		offset += frameHeaderLen + int64(length)
		lastID = id
		count++
	}

	if offset < stat.Size() {
		if err := a.file.Truncate(offset); err != nil {
			return err
		}
	}
	a.sizeBytes = offset
	a.nextID = lastID
	a.entries = count
	return nil
}

func (a *Archive) Name() string { return a.name }

func (a *Archive) Kind() string { return Kind }

func (a *Archive) Path() string { return a.path }

// Write appends rec as a single frame.
func (a *Archive) Write(ctx context.Context, rec *domain.Record, desc domain.DestinationDescriptor) error {
	if rec.Empty() {
		return nil
	}
	entry := Entry{
		ExchangeSet: desc.ExchangeSet,
		Template:    rec.Unit.Template.Name,
		UnitSystem:  desc.UnitSystem,
		Measure:     rec.Unit.Measure,
		Series:      rec.Series,
		Profiles:    rec.Profiles,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return domain.NewWriteError(a.name, CodeClosed, os.ErrClosed)
	}
	entry.WrittenAt = a.now().UTC()

	b, err := json.Marshal(entry)
	if err != nil {
		return domain.NewWriteError(a.name, CodeEncode, err)
	}

	id := a.nextID + 1
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], id)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	if _, err := a.writer.Write(hdr[:]); err != nil {
		return domain.NewWriteError(a.name, CodeIO, err)
	}
	if _, err := a.writer.Write(b); err != nil {
		return domain.NewWriteError(a.name, CodeIO, err)
	}
	if err := a.writer.Flush(); err != nil {
		return domain.NewWriteError(a.name, CodeIO, err)
	}

	a.nextID = id
	a.entries++
	a.sizeBytes += int64(len(b) + len(hdr))
	return nil
}

// Iterate calls fn for every entry with id >= from, in file order.
func (a *Archive) Iterate(ctx context.Context, from uint64, fn func(id uint64, e *Entry) error) error {
	a.mu.Lock()
	if !a.closed {
		if err := a.writer.Flush(); err != nil {
			a.mu.Unlock()
			return err
		}
	}
	a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var hdr [frameHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("archive iterate header: %w", err)
		}
		id := binary.BigEndian.Uint64(hdr[0:8])
		l := binary.BigEndian.Uint32(hdr[8:12])

		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("corrupt archive frame %d: %w", id, err)
		}
		if id < from {
			continue
		}

		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("corrupt archive entry %d: %w", id, err)
		}
		if err := fn(id, &e); err != nil {
			return err
		}
	}
}

func (a *Archive) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Entries: a.entries, LatestID: a.nextID, SizeBytes: a.sizeBytes}
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return errors.Join(a.writer.Flush(), a.file.Sync(), a.file.Close())
}

var _ ports.Destination = (*Archive)(nil)
