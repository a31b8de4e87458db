package db

import (
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies the embedded migrations. Called once at startup before the
// client is handed to anyone.
func (c *Client) Migrate() error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(c.db.DB().DB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	c.logger.Info("Database migrations applied")
	return nil
}
