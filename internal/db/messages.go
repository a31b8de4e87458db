package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/errdefs"
	"github.com/strandlabs/chatstream/internal/events"
)

// FinalizeParams is everything a producer knows at the end of a stream. The
// whole set lands in one atomic update so readers never see a half-finished
// terminal row.
type FinalizeParams struct {
	Status           events.Status
	AgentContent     *string
	PromptTokens     *int
	CompletionTokens *int
	LatencyMS        *int64
	ErrorReason      *string
	FinishedAt       time.Time
}

// CreateInitial inserts the Started row for a new stream. The partial unique
// index on live messages turns a second concurrent stream into a Conflict,
// which is how single-active-producer is enforced across nodes.
func (c *Client) CreateInitial(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Status = events.StatusStarted
	msg.AgentContent = nil
	msg.FinishedAt = nil

	query := `
		INSERT INTO messages (id, chat_id, user_content, status, model_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := c.db.ExecContext(ctx, query,
		msg.ID, msg.ChatID, msg.UserContent, msg.Status, msg.ModelID, msg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.Newf(errdefs.KindConflict,
				"conversation %s already has an active stream", msg.ChatID)
		}
		return fmt.Errorf("failed to create message: %w", err)
	}

	c.logger.Debug("Message created",
		zap.String("message_id", msg.ID),
		zap.String("chat_id", msg.ChatID),
	)
	return nil
}

// MarkStreaming moves a Started message to Streaming. Calling it again while
// the message is still live is a no-op; calling it on a terminal row is an
// error because the row is frozen.
func (c *Client) MarkStreaming(ctx context.Context, messageID string) error {
	query := `
		UPDATE messages
		SET status = $1
		WHERE id = $2 AND status IN ($3, $4)`

	res, err := c.db.ExecContext(ctx, query,
		events.StatusStreaming, messageID, events.StatusStarted, events.StatusStreaming)
	if err != nil {
		return fmt.Errorf("failed to mark message streaming: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdefs.Newf(errdefs.KindInternal, "message %s is not live", messageID)
	}
	return nil
}

// Finalize freezes a live message with its terminal status and final content
// in a single update. The finished_at guard makes terminal rows immutable: a
// second finalize, whatever it carries, changes nothing and reports Conflict.
func (c *Client) Finalize(ctx context.Context, messageID string, params FinalizeParams) (*Message, error) {
	if !params.Status.Terminal() {
		return nil, errdefs.Newf(errdefs.KindInternal,
			"finalize requires a terminal status, got %q", params.Status)
	}
	if params.FinishedAt.IsZero() {
		params.FinishedAt = time.Now().UTC()
	}

	query := `
		UPDATE messages
		SET status = $1,
		    agent_content = $2,
		    prompt_tokens = $3,
		    completion_tokens = $4,
		    latency_ms = $5,
		    error_reason = $6,
		    finished_at = $7
		WHERE id = $8 AND finished_at IS NULL`

	res, err := c.db.ExecContext(ctx, query,
		params.Status, params.AgentContent, params.PromptTokens, params.CompletionTokens,
		params.LatencyMS, params.ErrorReason, params.FinishedAt, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, errdefs.Newf(errdefs.KindConflict, "message %s is already terminal", messageID)
	}

	msg, err := c.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Message finalized",
		zap.String("message_id", messageID),
		zap.String("status", string(params.Status)),
	)
	return msg, nil
}

// GetMessage fetches one message by id.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	query := `
		SELECT id, chat_id, user_content, agent_content, status, model_id,
		       prompt_tokens, completion_tokens, latency_ms, error_reason,
		       created_at, finished_at
		FROM messages
		WHERE id = $1`

	var msg Message
	if err := c.db.GetContext(ctx, &msg, query, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.Newf(errdefs.KindInternal, "message %s not found", messageID)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// PageOlder returns up to limit terminal messages finished strictly before
// the cursor, oldest first. A nil cursor means the latest page.
func (c *Client) PageOlder(ctx context.Context, chatID string, before *time.Time, limit int) ([]Message, error) {
	query := `
		SELECT id, chat_id, user_content, agent_content, status, model_id,
		       prompt_tokens, completion_tokens, latency_ms, error_reason,
		       created_at, finished_at
		FROM messages
		WHERE chat_id = $1 AND finished_at IS NOT NULL`
	args := []interface{}{chatID}
	if before != nil {
		query += ` AND finished_at < $2`
		args = append(args, *before)
	}
	query += fmt.Sprintf(` ORDER BY finished_at DESC LIMIT %d`, limit)

	var page []Message
	if err := c.db.SelectContext(ctx, &page, query, args...); err != nil {
		return nil, fmt.Errorf("failed to page messages: %w", err)
	}

	// The query walks backwards from the cursor; callers read chronologically.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// PageNewer returns up to limit terminal messages finished strictly after
// the cursor, oldest first.
func (c *Client) PageNewer(ctx context.Context, chatID string, after time.Time, limit int) ([]Message, error) {
	query := `
		SELECT id, chat_id, user_content, agent_content, status, model_id,
		       prompt_tokens, completion_tokens, latency_ms, error_reason,
		       created_at, finished_at
		FROM messages
		WHERE chat_id = $1 AND finished_at IS NOT NULL AND finished_at > $2
		ORDER BY finished_at ASC
		LIMIT $3`

	var page []Message
	if err := c.db.SelectContext(ctx, &page, query, chatID, after, limit); err != nil {
		return nil, fmt.Errorf("failed to page messages: %w", err)
	}
	return page, nil
}

// CurrentStreaming returns the live message for a chat, or nil when every
// message is terminal. The partial unique index guarantees at most one row.
func (c *Client) CurrentStreaming(ctx context.Context, chatID string) (*Message, error) {
	query := `
		SELECT id, chat_id, user_content, agent_content, status, model_id,
		       prompt_tokens, completion_tokens, latency_ms, error_reason,
		       created_at, finished_at
		FROM messages
		WHERE chat_id = $1 AND finished_at IS NULL`

	var msg Message
	if err := c.db.GetContext(ctx, &msg, query, chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get streaming message: %w", err)
	}
	return &msg, nil
}

// isUniqueViolation detects duplicate-key failures from Postgres and from
// the sqlite engine the tests run on.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
