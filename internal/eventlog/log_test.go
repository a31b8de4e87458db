package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/events"
)

func newTestLog(t *testing.T) (*Log, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	writer := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reader := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		writer.Close()
		reader.Close()
	})

	return New(writer, reader, time.Hour, zap.NewNop()), mr
}

func startEvent(convID, msgID string) events.StreamEvent {
	return events.MessageStart(events.MessageSnapshot{
		ID:          msgID,
		ConvID:      convID,
		UserContent: "hi",
		Status:      events.StatusStarted,
		CreatedAt:   time.Now().UTC(),
	})
}

func TestAppendAndRangeFrom(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	convID := "conv-1"

	id1, err := log.Append(ctx, convID, startEvent(convID, "msg-1"))
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	ids, err := log.AppendBatch(ctx, convID, []events.StreamEvent{
		events.AgentChunk(convID, "msg-1", "Hel"),
		events.AgentChunk(convID, "msg-1", "lo"),
		events.AgentChunk(convID, "msg-1", " world"),
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	t.Run("ReplayFromBeginning", func(t *testing.T) {
		evs, err := log.RangeFrom(ctx, convID, "0", 500, 0)
		require.NoError(t, err)
		require.Len(t, evs, 4)
		assert.Equal(t, events.TypeMessageStart, evs[0].Type)
		assert.Equal(t, "Hel", evs[1].Chunk)
		assert.Equal(t, "lo", evs[2].Chunk)
		assert.Equal(t, " world", evs[3].Chunk)
		for _, ev := range evs {
			assert.NotEmpty(t, ev.ID, "log must assign entry ids")
		}
	})

	t.Run("CursorIsExclusive", func(t *testing.T) {
		evs, err := log.RangeFrom(ctx, convID, ids[0], 500, 0)
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, "lo", evs[0].Chunk)
		assert.Equal(t, " world", evs[1].Chunk)
	})

	t.Run("CursorAtTailIsEmpty", func(t *testing.T) {
		evs, err := log.RangeFrom(ctx, convID, ids[2], 500, 0)
		require.NoError(t, err)
		assert.Empty(t, evs)
	})

	t.Run("CountLimitsSlice", func(t *testing.T) {
		evs, err := log.RangeFrom(ctx, convID, "0", 2, 0)
		require.NoError(t, err)
		assert.Len(t, evs, 2)
	})
}

func TestRangeFromMissingStream(t *testing.T) {
	log, _ := newTestLog(t)

	evs, err := log.RangeFrom(context.Background(), "nope", "0", 100, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestRangeFromBlockTimeout(t *testing.T) {
	log, _ := newTestLog(t)

	start := time.Now()
	evs, err := log.RangeFrom(context.Background(), "conv-idle", "0", 100, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.WithinDuration(t, start.Add(50*time.Millisecond), time.Now(), time.Second)
}

func TestMetaLifecycle(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	convID := "conv-meta"

	t.Run("AbsentBeforeFirstWrite", func(t *testing.T) {
		meta, err := log.GetMeta(ctx, convID)
		require.NoError(t, err)
		assert.Nil(t, meta)
	})

	t.Run("CreatedLazilyWithFirstEvent", func(t *testing.T) {
		_, err := log.Append(ctx, convID, startEvent(convID, "msg-1"))
		require.NoError(t, err)

		meta, err := log.GetMeta(ctx, convID)
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, convID, meta.ConvID)
		assert.Equal(t, MetaActive, meta.Status)
		assert.False(t, meta.StartedAt.IsZero())
		assert.False(t, meta.LastActivity.IsZero())
	})

	t.Run("SetMetaRoundTrip", func(t *testing.T) {
		meta, err := log.GetMeta(ctx, convID)
		require.NoError(t, err)
		meta.Status = MetaCompleted
		meta.Producer = "msg-1@node-a"
		require.NoError(t, log.SetMeta(ctx, convID, meta))

		got, err := log.GetMeta(ctx, convID)
		require.NoError(t, err)
		assert.Equal(t, MetaCompleted, got.Status)
		assert.Equal(t, "msg-1@node-a", got.Producer)
	})
}

func TestMetaChanged(t *testing.T) {
	now := time.Now().UTC()
	a := &Meta{ConvID: "c", Status: MetaActive, LastActivity: now}
	same := &Meta{ConvID: "c", Status: MetaActive, LastActivity: now}
	later := &Meta{ConvID: "c", Status: MetaActive, LastActivity: now.Add(time.Second)}
	done := &Meta{ConvID: "c", Status: MetaCompleted, LastActivity: now}

	assert.False(t, a.Changed(same))
	assert.True(t, a.Changed(later))
	assert.True(t, a.Changed(done))
	assert.True(t, (*Meta)(nil).Changed(a))
	assert.False(t, (*Meta)(nil).Changed(nil))
}

func TestSharedTTLHorizon(t *testing.T) {
	log, mr := newTestLog(t)
	ctx := context.Background()
	convID := "conv-ttl"

	_, err := log.AppendBatch(ctx, convID, []events.StreamEvent{
		startEvent(convID, "msg-1"),
		events.AgentChunk(convID, "msg-1", "x"),
	})
	require.NoError(t, err)

	streamTTL := mr.TTL(streamKey(convID))
	metaTTL := mr.TTL(metaKey(convID))
	assert.Greater(t, streamTTL, time.Duration(0))
	assert.Greater(t, metaTTL, time.Duration(0))
	diff := streamTTL - metaTTL
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, time.Second, "stream and meta TTLs must stay on one horizon")

	t.Run("BumpTTL", func(t *testing.T) {
		require.NoError(t, log.BumpTTL(ctx, convID, 2*time.Hour))
		assert.Equal(t, 2*time.Hour, mr.TTL(streamKey(convID)))
		assert.Equal(t, 2*time.Hour, mr.TTL(metaKey(convID)))
	})
}

func TestLastID(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	convID := "conv-last"

	id, err := log.LastID(ctx, convID)
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = log.Append(ctx, convID, startEvent(convID, "msg-1"))
	require.NoError(t, err)
	want, err := log.Append(ctx, convID, events.AgentChunk(convID, "msg-1", "x"))
	require.NoError(t, err)

	got, err := log.LastID(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPurge(t *testing.T) {
	log, mr := newTestLog(t)
	ctx := context.Background()
	convID := "conv-purge"

	_, err := log.Append(ctx, convID, startEvent(convID, "msg-1"))
	require.NoError(t, err)
	require.True(t, mr.Exists(streamKey(convID)))
	require.True(t, mr.Exists(metaKey(convID)))

	require.NoError(t, log.Purge(ctx, convID))
	assert.False(t, mr.Exists(streamKey(convID)))
	assert.False(t, mr.Exists(metaKey(convID)))
}
