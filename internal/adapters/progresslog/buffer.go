package progresslog

import (
	"sync"

	"github.com/ghalamif/MerlinFlow/internal/domain"
	"github.com/ghalamif/MerlinFlow/internal/ports"
)

// Buffer is a bounded in-memory progress sink that preserves FIFO ordering.
// When full, the oldest event is dropped so the latest progress survives.
type Buffer struct {
	mu      sync.Mutex
	data    []domain.ProgressEvent
	cap     int
	dropped int
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		data: make([]domain.ProgressEvent, 0, capacity),
		cap:  capacity,
	}
}

func (b *Buffer) Report(ev domain.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) >= b.cap {
		b.data = append(b.data[:0], b.data[1:]...)
		b.dropped++
	}
	b.data = append(b.data, ev)
}

// Drain removes and returns up to max events. A non-positive max drains all.
func (b *Buffer) Drain(max int) []domain.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(b.data) {
		max = len(b.data)
	}
	out := make([]domain.ProgressEvent, max)
	copy(out, b.data[:max])
	b.data = append(b.data[:0], b.data[max:]...)
	return out
}

// Snapshot copies the buffered events without removing them.
func (b *Buffer) Snapshot() []domain.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.ProgressEvent, len(b.data))
	copy(out, b.data)
	return out
}

// Last returns the most recent event carrying a percentage.
func (b *Buffer) Last() (domain.ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.data) - 1; i >= 0; i-- {
		if b.data[i].HasPercent() {
			return b.data[i], true
		}
	}
	return domain.ProgressEvent{}, false
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

var _ ports.ProgressSink = (*Buffer)(nil)
