package platform

import (
	"database/sql"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/txn2/mcp-experience/pkg/embedding"
	"github.com/txn2/mcp-experience/pkg/toolkits/experience"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// Database connection (optional, opened from config.database.dsn when
	// needed and not provided).
	DB *sql.DB

	// Repository overrides the storage provider selected by config.
	Repository experience.Repository

	// EmbedderFactory builds the embedding client. Defaults to the
	// OpenAI-compatible langchaingo embedder.
	EmbedderFactory embedding.EmbedderFactory

	// Clock drives session expiry, keepalives, and ranking recency.
	Clock clockwork.Clock

	Logger *slog.Logger
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithRepository sets the experience repository.
func WithRepository(repo experience.Repository) Option {
	return func(o *Options) {
		o.Repository = repo
	}
}

// WithEmbedderFactory sets the embedder factory.
func WithEmbedderFactory(f embedding.EmbedderFactory) Option {
	return func(o *Options) {
		o.EmbedderFactory = f
	}
}

// WithClock sets the clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}
