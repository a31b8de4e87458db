package producer

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/bridge"
	"github.com/strandlabs/chatstream/internal/db"
	"github.com/strandlabs/chatstream/internal/errdefs"
	"github.com/strandlabs/chatstream/internal/eventlog"
	"github.com/strandlabs/chatstream/internal/events"
	"github.com/strandlabs/chatstream/internal/metrics"
	"github.com/strandlabs/chatstream/internal/provider"
	"github.com/strandlabs/chatstream/internal/stop"
	"github.com/strandlabs/chatstream/internal/tracing"
)

// run is the producer goroutine. It always emits messageStart first and
// exactly one messageComplete last, finalizes the store row, and never lets
// the bridge or the batched writer stop it.
func (m *Manager) run(token *stop.Token, br *bridge.Bridge, msg *db.Message, adapter provider.Adapter, preq provider.Request) {
	ctx := token.Context()
	convID := msg.ChatID
	started := time.Now()

	ctx, span := tracing.StartStreamSpan(ctx, convID, msg.ModelID)
	defer span.End()

	metrics.ProducersActive.Inc()
	defer metrics.ProducersActive.Dec()
	defer m.deps.Stops.Unregister(convID)

	batcher := eventlog.NewBatcher(m.deps.Log, convID, m.cfg.Batcher, m.logger)

	emit := func(ev events.StreamEvent) {
		batcher.Enqueue(ev)
		br.Send(ev)
		metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	}

	emit(events.MessageStart(msg.Snapshot()))

	if err := m.deps.Store.MarkStreaming(ctx, msg.ID); err != nil {
		// The row stays Started; the final update still lands everything.
		m.logger.Warn("Failed to mark message streaming",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	} else {
		msg.Status = events.StatusStreaming
	}

	var sb strings.Builder
	var failErr error
	var promptTokens, completionTokens *int
	aborted := m.stopRequested(ctx, convID)

	if !aborted {
		ch, err := adapter.Stream(ctx, preq)
		if err != nil {
			failErr = err
		} else {
			aborted, failErr, promptTokens, completionTokens = m.consume(ctx, convID, msg.ID, ch, &sb, emit)
		}
	}
	if aborted {
		// Cancel the token so the provider pump stops promptly.
		m.deps.Stops.Abort(convID)
	}

	status := events.StatusCompleted
	var errorReason *string
	switch {
	case aborted:
		status = events.StatusAborted
	case failErr != nil:
		status = events.StatusFailed
		reason := failReason(failErr)
		errorReason = &reason
	}

	content := sb.String()
	latency := time.Since(started).Milliseconds()
	finishedAt := time.Now().UTC()

	finalizeCtx, cancelFinalize := context.WithTimeout(context.Background(), 10*time.Second)
	final, err := m.deps.Store.Finalize(finalizeCtx, msg.ID, db.FinalizeParams{
		Status:           status,
		AgentContent:     &content,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMS:        &latency,
		ErrorReason:      errorReason,
		FinishedAt:       finishedAt,
	})
	cancelFinalize()

	var snap events.MessageSnapshot
	if err != nil {
		// Subscribers still need the terminal event to close; emit it from
		// what we know and leave the row for reconciliation.
		m.logger.Error("Failed to finalize message",
			zap.String("message_id", msg.ID),
			zap.String("status", string(status)),
			zap.Error(err))
		snap = msg.Snapshot()
		snap.Status = status
		snap.AgentContent = &content
		snap.FinishedAt = &finishedAt
		snap.PromptTokens = promptTokens
		snap.CompletionTokens = completionTokens
		snap.LatencyMS = &latency
		snap.ErrorReason = errorReason
	} else {
		snap = final.Snapshot()
	}

	emit(events.MessageComplete(snap))

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	if err := batcher.Close(closeCtx); err != nil {
		m.logger.Warn("Batched writer did not drain cleanly",
			zap.String("conv_id", convID),
			zap.Error(err))
	}
	cancelClose()

	m.completeMeta(convID)

	if failErr != nil {
		br.Fail(failErr)
	} else {
		br.Close()
	}

	touchCtx, cancelTouch := context.WithTimeout(context.Background(), 5*time.Second)
	if err := m.deps.Store.TouchChat(touchCtx, convID, finishedAt); err != nil {
		m.logger.Warn("Failed to touch chat", zap.String("conv_id", convID), zap.Error(err))
	}
	cancelTouch()

	metrics.MessagesFinalized.WithLabelValues(string(status)).Inc()
	metrics.StreamDuration.Observe(time.Since(started).Seconds())

	m.logger.Info("Producer finished",
		zap.String("conv_id", convID),
		zap.String("message_id", msg.ID),
		zap.String("status", string(status)),
		zap.Int("content_len", len(content)),
		zap.Duration("duration", time.Since(started)))
}

// consume drains the provider channel, fanning deltas out until a terminal
// chunk, a stop, or channel close. The stop flag is checked once per chunk
// boundary so an abort costs at most one extra delta.
func (m *Manager) consume(
	ctx context.Context,
	convID, messageID string,
	ch <-chan provider.Chunk,
	sb *strings.Builder,
	emit func(events.StreamEvent),
) (aborted bool, failErr error, promptTokens, completionTokens *int) {
	sawTerminal := false

	for chunk := range ch {
		if chunk.Err != nil {
			failErr = chunk.Err
			sawTerminal = true
			break
		}
		if chunk.Done {
			promptTokens = chunk.PromptTokens
			completionTokens = chunk.CompletionTokens
			sawTerminal = true
			break
		}
		if m.stopRequested(ctx, convID) {
			aborted = true
			break
		}
		sb.WriteString(chunk.Delta)
		emit(events.AgentChunk(convID, messageID, chunk.Delta))
	}

	if !sawTerminal && !aborted {
		if ctx.Err() != nil {
			aborted = true
		} else {
			failErr = errdefs.New(errdefs.KindProviderUnavailable, "provider stream ended before completion")
		}
	}
	return aborted, failErr, promptTokens, completionTokens
}

// stopRequested checks both cancellation layers: the local token and the
// cross-node flag. An observed flag is consumed so the next stream for this
// conversation starts clean.
func (m *Manager) stopRequested(ctx context.Context, convID string) bool {
	if ctx.Err() != nil {
		return true
	}
	checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if m.deps.Stops.IsStopRequested(checkCtx, convID) {
		m.deps.Stops.ClearFlag(checkCtx, convID)
		return true
	}
	return false
}

// completeMeta flips the stream metadata to completed so late subscribers
// know not to wait for more events.
func (m *Manager) completeMeta(convID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	meta, err := m.deps.Log.GetMeta(ctx, convID)
	if err != nil {
		m.logger.Warn("Failed to read stream meta for completion",
			zap.String("conv_id", convID), zap.Error(err))
		return
	}
	if meta == nil {
		// Every flush failed; there is no stream for subscribers to follow.
		return
	}
	meta.Status = eventlog.MetaCompleted
	meta.LastActivity = time.Now().UTC()
	if err := m.deps.Log.SetMeta(ctx, convID, meta); err != nil {
		m.logger.Warn("Failed to mark stream meta completed",
			zap.String("conv_id", convID), zap.Error(err))
	}
}

// failReason renders the classified error for the errorReason column. The
// kind prefix is what clients branch on.
func failReason(err error) string {
	reason := err.Error()
	if len(reason) > 500 {
		reason = reason[:500]
	}
	return reason
}
