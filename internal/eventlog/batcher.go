package eventlog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/events"
	"github.com/strandlabs/chatstream/internal/metrics"
)

const (
	// DefaultFlushInterval is the time threshold for a batch flush.
	DefaultFlushInterval = time.Second

	// DefaultMaxBatch is the size threshold for a batch flush.
	DefaultMaxBatch = 100
)

// BatcherOptions tune one conversation's batched writer. Zero values select
// the defaults.
type BatcherOptions struct {
	FlushInterval time.Duration
	MaxBatch      int
}

// Batcher coalesces event appends for a single conversation and flushes them
// to the Log in one pipelined round-trip when either the time window or the
// size threshold is hit. A failed flush keeps the batch and retries on the
// next tick; the producer is never blocked by the durable path.
type Batcher struct {
	log    *Log
	convID string
	logger *zap.Logger

	flushInterval time.Duration
	maxBatch      int

	mu     sync.Mutex
	closed bool

	ch       chan events.StreamEvent
	flushReq chan chan struct{}
	done     chan struct{}
}

// NewBatcher creates the writer for convID and starts its worker goroutine.
// Callers must Close it to flush pending events and release the goroutine.
func NewBatcher(log *Log, convID string, opts BatcherOptions, logger *zap.Logger) *Batcher {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	b := &Batcher{
		log:           log,
		convID:        convID,
		logger:        logger,
		flushInterval: opts.FlushInterval,
		maxBatch:      opts.MaxBatch,
		ch:            make(chan events.StreamEvent, opts.MaxBatch*4),
		flushReq:      make(chan chan struct{}),
		done:          make(chan struct{}),
	}
	go b.run()
	return b
}

// Enqueue queues an event for the next flush. It never blocks; on a full
// queue the event is dropped with a log line, which only happens when the
// stream store has been failing long enough to back up several batches.
func (b *Batcher) Enqueue(ev events.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.logger.Debug("Enqueue after close ignored",
			zap.String("conv_id", b.convID),
			zap.String("type", string(ev.Type)))
		return
	}
	select {
	case b.ch <- ev:
	default:
		metrics.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
		b.logger.Warn("Batched writer queue full; dropping event",
			zap.String("conv_id", b.convID),
			zap.String("type", string(ev.Type)))
	}
}

// Flush forces an immediate flush of everything queued so far and waits for
// it to complete.
func (b *Batcher) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case b.flushReq <- ack:
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending events and stops the worker. The batcher accepts no
// events afterwards.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		b.logger.Warn("Timeout waiting for batched writer to drain",
			zap.String("conv_id", b.convID))
		return ctx.Err()
	}
}

func (b *Batcher) run() {
	defer close(b.done)

	batch := make([]events.StreamEvent, 0, b.maxBatch)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		start := time.Now()
		_, err := b.log.AppendBatch(ctx, b.convID, batch)
		cancel()
		if err != nil {
			// Keep the batch; the next tick retries.
			b.logger.Warn("Batch flush failed; will retry",
				zap.String("conv_id", b.convID),
				zap.Int("pending", len(batch)),
				zap.Error(err))
			return
		}
		metrics.BatchFlushSize.Observe(float64(len(batch)))
		metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-b.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= b.maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-b.flushReq:
			// Pull in whatever is already queued so the flush is exact.
		drain:
			for {
				select {
				case ev, ok := <-b.ch:
					if !ok {
						flush()
						close(ack)
						return
					}
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			flush()
			close(ack)
		}
	}
}
