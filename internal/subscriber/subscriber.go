// Package subscriber replays and follows a conversation's durable event log.
// A subscriber is the read side of the pipeline: it never writes to the log
// and never talks to the producer, so it works the same whether the producer
// runs on this node, another node, or already exited.
package subscriber

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/eventlog"
	"github.com/strandlabs/chatstream/internal/events"
	"github.com/strandlabs/chatstream/internal/metrics"
)

// Options tune a Subscriber. Zero values select the event log defaults.
type Options struct {
	// ReadCount caps how many entries one log read returns.
	ReadCount int64
	// Block is how long a follower waits for new entries before checking
	// whether the writer is still alive.
	Block time.Duration
}

// Subscriber attaches callers to conversation event logs.
type Subscriber struct {
	log    *eventlog.Log
	opts   Options
	logger *zap.Logger
}

func New(log *eventlog.Log, opts Options, logger *zap.Logger) *Subscriber {
	if opts.ReadCount <= 0 {
		opts.ReadCount = eventlog.DefaultReadCount
	}
	if opts.Block <= 0 {
		opts.Block = eventlog.DefaultBlock
	}
	return &Subscriber{log: log, opts: opts, logger: logger}
}

// Stream yields every event after cursor in log order, then follows the live
// tail. Cursor "" or "0" replays from the beginning; the cursor entry itself
// is not re-delivered. Stream returns nil when the followed message reaches
// its terminal event, when the stream stays quiet for a full block interval
// with no writer activity, or when the log does not exist. An error from fn
// stops the stream and is returned as is.
//
// Delivery is at least once: a caller that reconnects with the last cursor it
// saw never misses an event, though it may see one twice.
func (s *Subscriber) Stream(ctx context.Context, convID, cursor string, fn func(events.StreamEvent) error) error {
	meta, err := s.log.GetMeta(ctx, convID)
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}

	metrics.SubscribersActive.Inc()
	defer metrics.SubscribersActive.Dec()

	if cursor == "" {
		cursor = "0"
	}

	// Replay phase: drain everything already in the log without blocking.
	replayed := 0
	defer func() { metrics.SubscriberReplayEvents.Observe(float64(replayed)) }()

	for {
		evs, err := s.log.RangeFrom(ctx, convID, cursor, s.opts.ReadCount, 0)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			break
		}
		for _, ev := range evs {
			if err := fn(ev); err != nil {
				return err
			}
			cursor = ev.ID
			replayed++
			if ev.Type == events.TypeMessageComplete {
				return nil
			}
		}
	}

	if meta.Status == eventlog.MetaCompleted {
		// The stream is over and the caller has everything past its cursor.
		return nil
	}

	// Follow phase: block for new entries. An empty interval during which the
	// metadata did not move means the writer is gone, and waiting longer would
	// only hold the connection open for a stream nobody is producing.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		evs, err := s.log.RangeFrom(ctx, convID, cursor, s.opts.ReadCount, s.opts.Block)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			current, err := s.log.GetMeta(ctx, convID)
			if err != nil {
				return err
			}
			if current == nil {
				s.logger.Debug("Event log expired under subscriber",
					zap.String("conv_id", convID))
				return nil
			}
			if !meta.Changed(current) {
				s.logger.Debug("Closing subscriber on idle stream",
					zap.String("conv_id", convID),
					zap.String("cursor", cursor))
				return nil
			}
			meta = current
			continue
		}
		for _, ev := range evs {
			if err := fn(ev); err != nil {
				return err
			}
			cursor = ev.ID
			if ev.Type == events.TypeMessageComplete {
				return nil
			}
		}
	}
}
