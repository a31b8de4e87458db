// Package bridge hands stream events from one producer goroutine to one
// consumer iterator. The consumer's lifetime never leaks backwards: when it
// cancels, producer calls turn into no-ops and the producer keeps draining
// the provider, writing the event log, and updating the store.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/strandlabs/chatstream/internal/events"
)

const (
	// DefaultCapacity bounds how far a producer can run ahead of its consumer.
	DefaultCapacity = 256
	// DefaultSendTimeout detaches a consumer that stopped reading without
	// canceling, so the producer is never parked on a dead connection.
	DefaultSendTimeout = 5 * time.Second
)

// ErrClosed is returned by Recv after the producer closed the bridge and the
// buffer drained.
var ErrClosed = errors.New("bridge: closed by producer")

// Bridge is a single-producer single-consumer queue of stream events.
type Bridge struct {
	ch          chan events.StreamEvent
	sendTimeout time.Duration

	mu       sync.Mutex
	detached bool
	closed   bool
	failure  error

	done chan struct{}
}

// Option tweaks bridge construction.
type Option func(*Bridge)

// WithCapacity overrides the buffer size. Zero means fully synchronous.
func WithCapacity(n int) Option {
	return func(b *Bridge) {
		if n >= 0 {
			b.ch = make(chan events.StreamEvent, n)
		}
	}
}

// WithSendTimeout overrides how long Send waits on a full buffer before
// detaching the consumer.
func WithSendTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.sendTimeout = d
		}
	}
}

func New(opts ...Option) *Bridge {
	b := &Bridge{
		ch:          make(chan events.StreamEvent, DefaultCapacity),
		sendTimeout: DefaultSendTimeout,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send enqueues one event for the consumer. It returns false when the event
// was not delivered: consumer canceled, bridge closed, or the buffer stayed
// full past the send timeout (which detaches the consumer for good). The
// producer ignores the return value for anything but logging.
func (b *Bridge) Send(event events.StreamEvent) bool {
	b.mu.Lock()
	if b.detached || b.closed {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	timer := time.NewTimer(b.sendTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		return true
	case <-b.done:
		return false
	case <-timer.C:
		b.detach()
		return false
	}
}

// Close marks the stream complete. The consumer drains the buffer, then Recv
// reports ErrClosed. No-op after cancel or a previous Close.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached || b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Fail marks the stream failed. The consumer drains the buffer, then Recv
// reports the failure. No-op after cancel or Close.
func (b *Bridge) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached || b.closed {
		return
	}
	b.failure = err
	b.closed = true
	close(b.ch)
}

// Recv returns the next event. It blocks until an event arrives, the
// producer closes or fails the bridge, or ctx ends. A ctx error cancels the
// consumer side permanently.
func (b *Bridge) Recv(ctx context.Context) (events.StreamEvent, error) {
	select {
	case event, ok := <-b.ch:
		if !ok {
			return events.StreamEvent{}, b.closeError()
		}
		return event, nil
	case <-ctx.Done():
		b.Cancel()
		return events.StreamEvent{}, ctx.Err()
	}
}

// Cancel detaches the consumer. Pending and future producer calls become
// no-ops; the producer side is never signaled.
func (b *Bridge) Cancel() {
	b.detach()
}

func (b *Bridge) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return
	}
	b.detached = true
	close(b.done)
}

func (b *Bridge) closeError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure != nil {
		return b.failure
	}
	return ErrClosed
}
