package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// UpsertCredential stores a sealed provider key for an owner, replacing any
// previous one for the same provider.
func (c *Client) UpsertCredential(ctx context.Context, cred *OwnerCredential) error {
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	query := `
		INSERT INTO owner_credentials (owner_id, provider, sealed_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, provider) DO UPDATE SET
			sealed_key = EXCLUDED.sealed_key,
			updated_at = EXCLUDED.updated_at`

	_, err := c.db.ExecContext(ctx, query,
		cred.OwnerID, cred.Provider, cred.SealedKey, cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}

	c.logger.Info("Owner credential stored",
		zap.String("owner_id", cred.OwnerID),
		zap.String("provider", cred.Provider),
	)
	return nil
}

// GetCredential returns the sealed key for (owner, provider), or nil when
// the owner has none and the service key applies.
func (c *Client) GetCredential(ctx context.Context, ownerID, provider string) (*OwnerCredential, error) {
	query := `
		SELECT owner_id, provider, sealed_key, created_at, updated_at
		FROM owner_credentials
		WHERE owner_id = $1 AND provider = $2`

	var cred OwnerCredential
	if err := c.db.GetContext(ctx, &cred, query, ownerID, provider); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

// DeleteCredential removes an owner's key for one provider. Deleting a key
// that does not exist is not an error.
func (c *Client) DeleteCredential(ctx context.Context, ownerID, provider string) error {
	query := `DELETE FROM owner_credentials WHERE owner_id = $1 AND provider = $2`
	if _, err := c.db.ExecContext(ctx, query, ownerID, provider); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// GetOwnerSettings returns the owner's preferences, or nil when none were
// ever saved.
func (c *Client) GetOwnerSettings(ctx context.Context, ownerID string) (*OwnerSettings, error) {
	query := `
		SELECT owner_id, default_model_id, created_at, updated_at
		FROM owner_settings
		WHERE owner_id = $1`

	var settings OwnerSettings
	if err := c.db.GetContext(ctx, &settings, query, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get owner settings: %w", err)
	}
	return &settings, nil
}

// UpsertOwnerSettings saves the owner's preferences.
func (c *Client) UpsertOwnerSettings(ctx context.Context, settings *OwnerSettings) error {
	now := time.Now().UTC()
	if settings.CreatedAt.IsZero() {
		settings.CreatedAt = now
	}
	settings.UpdatedAt = now

	query := `
		INSERT INTO owner_settings (owner_id, default_model_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id) DO UPDATE SET
			default_model_id = EXCLUDED.default_model_id,
			updated_at = EXCLUDED.updated_at`

	_, err := c.db.ExecContext(ctx, query,
		settings.OwnerID, settings.DefaultModelID, settings.CreatedAt, settings.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert owner settings: %w", err)
	}
	return nil
}
