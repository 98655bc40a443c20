package merlinflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ghalamif/MerlinFlow/internal/domain"
)

// Kinds reported by the in-process destinations. Every built-in source kind
// can exchange into them.
const (
	KindCallback = "callback"
	KindChannel  = "channel"
)

// Native codes carried by in-process destination write errors.
const (
	CodeHandler = 1
	CodeClosed  = 2
)

// ErrChannelDestinationClosed is returned when a channel destination is written to after being closed.
var ErrChannelDestinationClosed = errors.New("merlinflow: channel destination closed")

// RecordHandler receives one transformed record per measure.
type RecordHandler func(ctx context.Context, rec *Record, desc Descriptor) error

// Delivery is a record plus its routing, as emitted by a channel destination.
type Delivery struct {
	Record     *Record
	Descriptor Descriptor
}

// NewCallbackDestination adapts a RecordHandler into a Destination so callers
// can plug arbitrary functions without defining structs. The handler is called
// concurrently from the worker pool.
func NewCallbackDestination(name string, fn RecordHandler) Destination {
	if name == "" {
		name = KindCallback
	}
	return &callbackDestination{name: name, fn: fn}
}

// NewChannelDestination exposes records via a channel; it returns the
// destination, the read-only channel, and a close function that the caller
// should invoke once the run has finished.
func NewChannelDestination(name string, buffer int) (Destination, <-chan Delivery, func()) {
	if name == "" {
		name = KindChannel
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Delivery, buffer)
	d := &channelDestination{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return d, ch, func() { d.close() }
}

type callbackDestination struct {
	name string
	fn   RecordHandler
}

func (d *callbackDestination) Write(ctx context.Context, rec *Record, desc Descriptor) error {
	if d.fn == nil {
		return domain.NewWriteError(d.name, CodeHandler, fmt.Errorf("callback destination %q: nil handler", d.name))
	}
	if rec.Empty() {
		return nil
	}
	if err := d.fn(ctx, rec, desc); err != nil {
		var we *domain.WriteError
		if errors.As(err, &we) {
			return err
		}
		return domain.NewWriteError(d.name, CodeHandler, err)
	}
	return nil
}

func (d *callbackDestination) Name() string { return d.name }
func (d *callbackDestination) Kind() string { return KindCallback }
func (d *callbackDestination) Close() error { return nil }

type channelDestination struct {
	name   string
	ch     chan Delivery
	closed chan struct{}
	// mu keeps close from racing a send on ch.
	mu   sync.RWMutex
	once sync.Once
}

func (d *channelDestination) Write(ctx context.Context, rec *Record, desc Descriptor) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	select {
	case <-d.closed:
		return domain.NewWriteError(d.name, CodeClosed, ErrChannelDestinationClosed)
	default:
	}

	if rec.Empty() {
		return nil
	}

	select {
	case <-d.closed:
		return domain.NewWriteError(d.name, CodeClosed, ErrChannelDestinationClosed)
	case <-ctx.Done():
		return domain.NewWriteError(d.name, CodeClosed, ctx.Err())
	case d.ch <- Delivery{Record: rec, Descriptor: desc}:
		return nil
	}
}

func (d *channelDestination) Name() string { return d.name }
func (d *channelDestination) Kind() string { return KindChannel }

// Close is a no-op so the runtime's shutdown does not close the channel
// under a consumer; use the function returned by NewChannelDestination.
func (d *channelDestination) Close() error { return nil }

func (d *channelDestination) close() {
	d.once.Do(func() {
		close(d.closed)
		d.mu.Lock()
		close(d.ch)
		d.mu.Unlock()
	})
}

var (
	_ Destination = (*callbackDestination)(nil)
	_ Destination = (*channelDestination)(nil)
)
