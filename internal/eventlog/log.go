// Package eventlog implements the durable per-conversation event log on
// Redis Streams, plus the batched writer that coalesces appends.
//
// Each conversation owns two keys sharing one TTL horizon:
//
//	message-stream-{convId}:stream  ordered event entries
//	message-stream-{convId}:meta    stream metadata JSON
//
// Any write to either key resets both TTLs in the same pipeline. Readers
// never touch TTLs.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/events"
)

const (
	// DefaultTTL is the shared horizon for stream entries and metadata on
	// active streams, refreshed on every write.
	DefaultTTL = time.Hour

	// DefaultReadCount bounds one RangeFrom slice.
	DefaultReadCount = 500

	// DefaultBlock is how long a follower waits for new entries before the
	// empty slice is returned.
	DefaultBlock = 30 * time.Second
)

// MetaStatus is the lifecycle of a conversation stream as a whole.
type MetaStatus string

const (
	MetaActive    MetaStatus = "active"
	MetaCompleted MetaStatus = "completed"
)

// Meta is the metadata record stored next to the stream. Created lazily with
// the first event; LastActivity advances on every writer flush.
type Meta struct {
	ConvID       string     `json:"convId"`
	StartedAt    time.Time  `json:"startedAt"`
	LastActivity time.Time  `json:"lastActivity"`
	Status       MetaStatus `json:"status"`
	Producer     string     `json:"producer,omitempty"`
}

// Changed reports whether other reflects writer activity past m. Subscribers
// use it to decide between waiting another block interval and closing.
func (m *Meta) Changed(other *Meta) bool {
	if m == nil || other == nil {
		return m != other
	}
	return m.Status != other.Status || !m.LastActivity.Equal(other.LastActivity)
}

// Log is the append/read surface over the durable stream store. Writers and
// readers use separate clients so long blocking reads never queue behind
// low-latency appends.
type Log struct {
	writer *redis.Client
	reader *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a Log. ttl <= 0 selects DefaultTTL.
func New(writer, reader *redis.Client, ttl time.Duration, logger *zap.Logger) *Log {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Log{writer: writer, reader: reader, ttl: ttl, logger: logger}
}

// TTL returns the configured shared horizon.
func (l *Log) TTL() time.Duration { return l.ttl }

func streamKey(convID string) string {
	return fmt.Sprintf("message-stream-%s:stream", convID)
}

func metaKey(convID string) string {
	return fmt.Sprintf("message-stream-%s:meta", convID)
}

// Append appends a single event and returns its log-assigned id.
func (l *Log) Append(ctx context.Context, convID string, ev events.StreamEvent) (string, error) {
	ids, err := l.AppendBatch(ctx, convID, []events.StreamEvent{ev})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendBatch appends events in order with one pipelined round-trip, updates
// the metadata record, and resets the shared TTL horizon. The metadata is
// created with the first event when absent.
func (l *Log) AppendBatch(ctx context.Context, convID string, evs []events.StreamEvent) ([]string, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	meta, err := l.GetMeta(ctx, convID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if meta == nil {
		meta = &Meta{ConvID: convID, StartedAt: now, Status: MetaActive}
	}
	meta.LastActivity = now
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal stream meta: %w", err)
	}

	pipe := l.writer.Pipeline()
	adds := make([]*redis.StringCmd, 0, len(evs))
	for i := range evs {
		adds = append(adds, pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(convID),
			Values: map[string]interface{}{
				"type":    string(evs[i].Type),
				"payload": string(evs[i].Marshal()),
			},
		}))
	}
	pipe.Set(ctx, metaKey(convID), metaJSON, l.ttl)
	pipe.Expire(ctx, streamKey(convID), l.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("append to event log: %w", err)
	}

	ids := make([]string, len(adds))
	for i, cmd := range adds {
		id, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("append to event log: %w", err)
		}
		ids[i] = id
	}
	return ids, nil
}

// RangeFrom returns the next slice of events after cursor (exclusive), at
// most count entries. Cursor "0" means from the beginning. When no entries
// are available it blocks up to blockFor and returns the empty slice on
// timeout; blockFor <= 0 reads without blocking. Transient read errors also
// yield the empty slice so callers poll again.
func (l *Log) RangeFrom(ctx context.Context, convID, cursor string, count int64, blockFor time.Duration) ([]events.StreamEvent, error) {
	if cursor == "" {
		cursor = "0"
	}
	if count <= 0 {
		count = DefaultReadCount
	}
	if blockFor <= 0 {
		// Negative block makes XREAD return immediately instead of waiting.
		blockFor = -1
	}

	res, err := l.reader.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey(convID), cursor},
		Count:   count,
		Block:   blockFor,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Warn("Event log read failed",
			zap.String("conv_id", convID),
			zap.String("cursor", cursor),
			zap.Error(err))
		return nil, nil
	}

	var msgs []redis.XMessage
	for _, stream := range res {
		msgs = append(msgs, stream.Messages...)
	}

	out := make([]events.StreamEvent, 0, len(msgs))
	for _, msg := range msgs {
		payload, _ := msg.Values["payload"].(string)
		ev, err := events.Parse([]byte(payload))
		if err != nil {
			l.logger.Warn("Skipping malformed event log entry",
				zap.String("conv_id", convID),
				zap.String("entry_id", msg.ID),
				zap.Error(err))
			continue
		}
		ev.ID = msg.ID
		out = append(out, ev)
	}
	return out, nil
}

// GetMeta returns the metadata record, or nil when the stream has never been
// written (or has expired).
func (l *Log) GetMeta(ctx context.Context, convID string) (*Meta, error) {
	data, err := l.reader.Get(ctx, metaKey(convID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get stream meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, fmt.Errorf("decode stream meta: %w", err)
	}
	return &meta, nil
}

// SetMeta writes the metadata record and resets the shared TTL horizon.
func (l *Log) SetMeta(ctx context.Context, convID string, meta *Meta) error {
	meta.ConvID = convID
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal stream meta: %w", err)
	}
	pipe := l.writer.Pipeline()
	pipe.Set(ctx, metaKey(convID), data, l.ttl)
	pipe.Expire(ctx, streamKey(convID), l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set stream meta: %w", err)
	}
	return nil
}

// BumpTTL resets both keys to the given horizon without writing content.
func (l *Log) BumpTTL(ctx context.Context, convID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.ttl
	}
	pipe := l.writer.Pipeline()
	pipe.Expire(ctx, streamKey(convID), ttl)
	pipe.Expire(ctx, metaKey(convID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bump event log ttl: %w", err)
	}
	return nil
}

// LastID returns the id of the newest entry, or "" for an empty stream.
func (l *Log) LastID(ctx context.Context, convID string) (string, error) {
	msgs, err := l.reader.XRevRangeN(ctx, streamKey(convID), "+", "-", 1).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("read event log tail: %w", err)
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ID, nil
}

// Purge removes the stream and its metadata. Maintenance only; the core
// relies on TTL expiry.
func (l *Log) Purge(ctx context.Context, convID string) error {
	if err := l.writer.Del(ctx, streamKey(convID), metaKey(convID)).Err(); err != nil {
		return fmt.Errorf("purge event log: %w", err)
	}
	return nil
}
