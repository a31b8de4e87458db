package subscriber

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/eventlog"
	"github.com/strandlabs/chatstream/internal/events"
)

func newTestSubscriber(t *testing.T, opts Options) (*Subscriber, *eventlog.Log) {
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

	log := eventlog.New(writer, reader, time.Hour, zap.NewNop())
	return New(log, opts, zap.NewNop()), log
}

func snapshot(convID, msgID string, status events.Status) events.MessageSnapshot {
	return events.MessageSnapshot{
		ID:          msgID,
		ConvID:      convID,
		UserContent: "hi",
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
}

// appendLifecycle writes a full message lifecycle and returns the entry ids.
func appendLifecycle(t *testing.T, log *eventlog.Log, convID, msgID string, chunks ...string) []string {
	t.Helper()
	evs := []events.StreamEvent{events.MessageStart(snapshot(convID, msgID, events.StatusStarted))}
	for _, c := range chunks {
		evs = append(evs, events.AgentChunk(convID, msgID, c))
	}
	evs = append(evs, events.MessageComplete(snapshot(convID, msgID, events.StatusCompleted)))

	ids, err := log.AppendBatch(context.Background(), convID, evs)
	require.NoError(t, err)
	return ids
}

func markCompleted(t *testing.T, log *eventlog.Log, convID string) {
	t.Helper()
	meta, err := log.GetMeta(context.Background(), convID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	meta.Status = eventlog.MetaCompleted
	require.NoError(t, log.SetMeta(context.Background(), convID, meta))
}

// collect runs Stream and gathers everything it yields.
func collect(t *testing.T, sub *Subscriber, convID, cursor string) ([]events.StreamEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got []events.StreamEvent
	err := sub.Stream(ctx, convID, cursor, func(ev events.StreamEvent) error {
		got = append(got, ev)
		return nil
	})
	return got, err
}

func TestStreamMissingLogReturnsEmpty(t *testing.T) {
	sub, _ := newTestSubscriber(t, Options{Block: 50 * time.Millisecond})

	got, err := collect(t, sub, "conv-none", "0")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStreamReplaysCompletedConversation(t *testing.T) {
	sub, log := newTestSubscriber(t, Options{Block: 50 * time.Millisecond})
	appendLifecycle(t, log, "conv-1", "msg-1", "Hel", "lo")
	markCompleted(t, log, "conv-1")

	got, err := collect(t, sub, "conv-1", "0")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, events.TypeMessageStart, got[0].Type)
	assert.Equal(t, "Hel", got[1].Chunk)
	assert.Equal(t, "lo", got[2].Chunk)
	assert.Equal(t, events.TypeMessageComplete, got[3].Type)
}

func TestStreamResumesAfterCursor(t *testing.T) {
	sub, log := newTestSubscriber(t, Options{Block: 50 * time.Millisecond})
	ids := appendLifecycle(t, log, "conv-1", "msg-1", "Hel", "lo")
	markCompleted(t, log, "conv-1")

	// Resume past the first chunk: the cursor entry itself is not repeated.
	got, err := collect(t, sub, "conv-1", ids[1])
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "lo", got[0].Chunk)
	assert.Equal(t, events.TypeMessageComplete, got[1].Type)
}

func TestStreamCompletedAtTailYieldsNothing(t *testing.T) {
	sub, log := newTestSubscriber(t, Options{Block: time.Minute})
	ids := appendLifecycle(t, log, "conv-1", "msg-1", "x")
	markCompleted(t, log, "conv-1")

	// A completed stream with nothing past the cursor must return right away
	// rather than waiting out a block interval.
	start := time.Now()
	got, err := collect(t, sub, "conv-1", ids[len(ids)-1])
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStreamClosesAtFirstTerminalPastCursor(t *testing.T) {
	sub, log := newTestSubscriber(t, Options{Block: 50 * time.Millisecond})
	first := appendLifecycle(t, log, "conv-1", "msg-1", "a")
	appendLifecycle(t, log, "conv-1", "msg-2", "b")
	markCompleted(t, log, "conv-1")

	t.Run("from the beginning", func(t *testing.T) {
		got, err := collect(t, sub, "conv-1", "0")
		require.NoError(t, err)
		require.Len(t, got, 3, "the subscriber follows one message lifecycle")
		assert.Equal(t, "msg-1", got[0].Message.ID)
		assert.Equal(t, events.TypeMessageComplete, got[2].Type)
	})

	t.Run("from the first terminal", func(t *testing.T) {
		got, err := collect(t, sub, "conv-1", first[len(first)-1])
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "msg-2", got[0].Message.ID)
	})
}

func TestStreamFollowsLiveConversation(t *testing.T) {
	sub, log := newTestSubscriber(t, Options{Block: 2 * time.Second})
	ctx := context.Background()
	convID := "conv-live"

	_, err := log.Append(ctx, convID, events.MessageStart(snapshot(convID, "msg-1", events.StatusStarted)))
	require.NoError(t, err)

	evCh := make(chan events.StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- sub.Stream(ctx, convID, "0", func(ev events.StreamEvent) error {
			evCh <- ev
			return nil
		})
	}()

	recv := func() events.StreamEvent {
		select {
		case ev := <-evCh:
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
			return events.StreamEvent{}
		}
	}

	assert.Equal(t, events.TypeMessageStart, recv().Type)

	_, err = log.Append(ctx, convID, events.AgentChunk(convID, "msg-1", "Hel"))
	require.NoError(t, err)
	assert.Equal(t, "Hel", recv().Chunk)

	_, err = log.AppendBatch(ctx, convID, []events.StreamEvent{
		events.AgentChunk(convID, "msg-1", "lo"),
		events.MessageComplete(snapshot(convID, "msg-1", events.StatusCompleted)),
	})
	require.NoError(t, err)
	assert.Equal(t, "lo", recv().Chunk)
	assert.Equal(t, events.TypeMessageComplete, recv().Type)

	select {
	case err := <-errCh:
		require.NoError(t, err, "the terminal event closes the stream")
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not close after the terminal event")
	}
}

func TestStreamClosesWhenWriterGoesQuiet(t *testing.T) {
	sub, log := newTestSubscriber(t, Options{Block: 50 * time.Millisecond})
	convID := "conv-stalled"

	// A producer that died mid-stream: events but no terminal, meta active.
	_, err := log.AppendBatch(context.Background(), convID, []events.StreamEvent{
		events.MessageStart(snapshot(convID, "msg-1", events.StatusStarted)),
		events.AgentChunk(convID, "msg-1", "par"),
	})
	require.NoError(t, err)

	got, err := collect(t, sub, convID, "0")
	require.NoError(t, err)
	require.Len(t, got, 2, "replay still delivers what the dead producer wrote")
	assert.Equal(t, "par", got[1].Chunk)
}

func TestStreamKeepsFollowingWhileMetaAdvances(t *testing.T) {
	sub, log := newTestSubscriber(t, Options{Block: 60 * time.Millisecond})
	ctx := context.Background()
	convID := "conv-slow"

	_, err := log.Append(ctx, convID, events.MessageStart(snapshot(convID, "msg-1", events.StatusStarted)))
	require.NoError(t, err)

	started := make(chan struct{})
	done := make(chan error, 1)
	var got []events.StreamEvent
	go func() {
		done <- sub.Stream(ctx, convID, "0", func(ev events.StreamEvent) error {
			got = append(got, ev)
			if ev.Type == events.TypeMessageStart {
				close(started)
			}
			return nil
		})
	}()

	<-started
	// The writer flushes meta activity without new events, as a slow producer
	// does between deltas. One idle interval must not close the subscriber.
	meta, err := log.GetMeta(ctx, convID)
	require.NoError(t, err)
	meta.LastActivity = meta.LastActivity.Add(time.Second)
	require.NoError(t, log.SetMeta(ctx, convID, meta))

	start := time.Now()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never closed")
	}

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"the subscriber must wait out another interval after seeing fresh activity")
	assert.Len(t, got, 1)
}

func TestStreamStopsOnYieldError(t *testing.T) {
	sub, log := newTestSubscriber(t, Options{Block: 50 * time.Millisecond})
	appendLifecycle(t, log, "conv-1", "msg-1", "a", "b")
	markCompleted(t, log, "conv-1")

	boom := errors.New("client write failed")
	calls := 0
	err := sub.Stream(context.Background(), "conv-1", "0", func(events.StreamEvent) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestStreamHonorsContext(t *testing.T) {
	sub, log := newTestSubscriber(t, Options{Block: 10 * time.Second})
	convID := "conv-ctx"

	_, err := log.Append(context.Background(), convID,
		events.MessageStart(snapshot(convID, "msg-1", events.StatusStarted)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = sub.Stream(ctx, convID, "0", func(events.StreamEvent) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
