package eventlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/events"
)

func replayAll(t *testing.T, log *Log, convID string) []events.StreamEvent {
	t.Helper()
	evs, err := log.RangeFrom(context.Background(), convID, "0", 10000, 0)
	require.NoError(t, err)
	return evs
}

func TestBatcherSizeThreshold(t *testing.T) {
	log, _ := newTestLog(t)
	convID := "conv-batch-size"

	b := NewBatcher(log, convID, BatcherOptions{FlushInterval: time.Hour, MaxBatch: 3}, zap.NewNop())
	defer b.Close(context.Background())

	for i := 0; i < 3; i++ {
		b.Enqueue(events.AgentChunk(convID, "msg-1", fmt.Sprintf("d%d", i)))
	}

	// The size threshold flushes without waiting for the (long) interval.
	require.Eventually(t, func() bool {
		return len(replayAll(t, log, convID)) == 3
	}, 2*time.Second, 10*time.Millisecond)

	evs := replayAll(t, log, convID)
	assert.Equal(t, "d0", evs[0].Chunk)
	assert.Equal(t, "d1", evs[1].Chunk)
	assert.Equal(t, "d2", evs[2].Chunk)
}

func TestBatcherTimeThreshold(t *testing.T) {
	log, _ := newTestLog(t)
	convID := "conv-batch-time"

	b := NewBatcher(log, convID, BatcherOptions{FlushInterval: 20 * time.Millisecond, MaxBatch: 100}, zap.NewNop())
	defer b.Close(context.Background())

	b.Enqueue(events.AgentChunk(convID, "msg-1", "only"))

	require.Eventually(t, func() bool {
		return len(replayAll(t, log, convID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatcherFlushForces(t *testing.T) {
	log, _ := newTestLog(t)
	convID := "conv-batch-flush"

	b := NewBatcher(log, convID, BatcherOptions{FlushInterval: time.Hour, MaxBatch: 100}, zap.NewNop())
	defer b.Close(context.Background())

	b.Enqueue(events.AgentChunk(convID, "msg-1", "a"))
	b.Enqueue(events.AgentChunk(convID, "msg-1", "b"))
	require.NoError(t, b.Flush(context.Background()))

	evs := replayAll(t, log, convID)
	require.Len(t, evs, 2)
	assert.Equal(t, "a", evs[0].Chunk)
	assert.Equal(t, "b", evs[1].Chunk)
}

func TestBatcherCloseFlushesPending(t *testing.T) {
	log, _ := newTestLog(t)
	convID := "conv-batch-close"

	b := NewBatcher(log, convID, BatcherOptions{FlushInterval: time.Hour, MaxBatch: 100}, zap.NewNop())
	b.Enqueue(events.AgentChunk(convID, "msg-1", "pending"))
	require.NoError(t, b.Close(context.Background()))

	evs := replayAll(t, log, convID)
	require.Len(t, evs, 1)
	assert.Equal(t, "pending", evs[0].Chunk)

	// Close is idempotent and Enqueue afterwards must not panic.
	require.NoError(t, b.Close(context.Background()))
	b.Enqueue(events.AgentChunk(convID, "msg-1", "late"))
	assert.Len(t, replayAll(t, log, convID), 1)
}

func TestBatcherRetriesFailedFlush(t *testing.T) {
	log, mr := newTestLog(t)
	convID := "conv-batch-retry"

	b := NewBatcher(log, convID, BatcherOptions{FlushInterval: 20 * time.Millisecond, MaxBatch: 100}, zap.NewNop())
	defer b.Close(context.Background())

	mr.SetError("forced failure")
	b.Enqueue(events.AgentChunk(convID, "msg-1", "kept"))

	// Let at least one failing flush happen, then heal the store.
	time.Sleep(60 * time.Millisecond)
	mr.SetError("")

	require.Eventually(t, func() bool {
		return len(replayAll(t, log, convID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "kept", replayAll(t, log, convID)[0].Chunk)
}

func TestBatcherSetsTTLOnFirstFlush(t *testing.T) {
	log, mr := newTestLog(t)
	convID := "conv-batch-ttl"

	b := NewBatcher(log, convID, BatcherOptions{FlushInterval: time.Hour, MaxBatch: 1}, zap.NewNop())
	defer b.Close(context.Background())

	b.Enqueue(events.AgentChunk(convID, "msg-1", "x"))
	require.Eventually(t, func() bool {
		return mr.Exists(streamKey(convID))
	}, 2*time.Second, 10*time.Millisecond)

	assert.Greater(t, mr.TTL(streamKey(convID)), time.Duration(0))
	assert.Greater(t, mr.TTL(metaKey(convID)), time.Duration(0))
}
