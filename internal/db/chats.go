package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateChat inserts a new conversation. ID and timestamps are filled in when
// the caller leaves them zero.
func (c *Client) CreateChat(ctx context.Context, chat *Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = chat.CreatedAt

	query := `
		INSERT INTO chats (id, owner_id, title, default_model_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := c.db.ExecContext(ctx, query,
		chat.ID, chat.OwnerID, chat.Title, chat.DefaultModelID, chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}

	c.logger.Debug("Chat created",
		zap.String("chat_id", chat.ID),
		zap.String("owner_id", chat.OwnerID),
	)
	return nil
}

// GetChat fetches a conversation by id. Soft-deleted chats read as absent;
// callers get nil, nil and decide how to report it.
func (c *Client) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	query := `
		SELECT id, owner_id, title, default_model_id, created_at, updated_at, deleted_at
		FROM chats
		WHERE id = $1 AND deleted_at IS NULL`

	var chat Chat
	if err := c.db.GetContext(ctx, &chat, query, chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

// ListChats returns the owner's conversations, most recently touched first.
func (c *Client) ListChats(ctx context.Context, ownerID string) ([]Chat, error) {
	query := `
		SELECT id, owner_id, title, default_model_id, created_at, updated_at, deleted_at
		FROM chats
		WHERE owner_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC`

	var chats []Chat
	if err := c.db.SelectContext(ctx, &chats, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

// UpdateChatDefaultModel sets or clears the chat-level model preference.
func (c *Client) UpdateChatDefaultModel(ctx context.Context, chatID string, modelID *string) error {
	query := `
		UPDATE chats
		SET default_model_id = $1, updated_at = $2
		WHERE id = $3 AND deleted_at IS NULL`

	res, err := c.db.ExecContext(ctx, query, modelID, time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("failed to update chat model: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("chat %s not found", chatID)
	}
	return nil
}

// TouchChat bumps updated_at so the owner's list sorts active chats first.
func (c *Client) TouchChat(ctx context.Context, chatID string, at time.Time) error {
	query := `UPDATE chats SET updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`
	if _, err := c.db.ExecContext(ctx, query, at, chatID); err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	return nil
}

// SoftDeleteChat hides a conversation from every read path. The rows stay.
func (c *Client) SoftDeleteChat(ctx context.Context, chatID string) error {
	query := `UPDATE chats SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`

	res, err := c.db.ExecContext(ctx, query, time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("chat %s not found", chatID)
	}

	c.logger.Info("Chat soft-deleted", zap.String("chat_id", chatID))
	return nil
}
