package embedding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SettingsSource supplies the current provider settings.
type SettingsSource interface {
	Settings(ctx context.Context) (Settings, error)
}

// StaticSource serves fixed settings, typically from the config file.
type StaticSource Settings

// Settings returns the fixed settings.
func (s StaticSource) Settings(_ context.Context) (Settings, error) {
	return Settings(s), nil
}

// PostgresSource reads settings from the single-row ai_settings table so
// operators can change providers without a restart.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a settings source backed by PostgreSQL.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Settings reads the ai_settings row. A missing row means embeddings are
// disabled.
func (s *PostgresSource) Settings(ctx context.Context) (Settings, error) {
	query := `SELECT enabled, base_url, model, api_key FROM ai_settings WHERE id = 1`

	var out Settings
	err := s.db.QueryRowContext(ctx, query).Scan(&out.Enabled, &out.BaseURL, &out.Model, &out.APIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("querying ai_settings: %w", err)
	}
	return out, nil
}

// Verify interface compliance.
var (
	_ SettingsSource = StaticSource{}
	_ SettingsSource = (*PostgresSource)(nil)
)
