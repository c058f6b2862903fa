// Package platform loads configuration and wires the MCP experience server.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/txn2/mcp-experience/pkg/background"
	"github.com/txn2/mcp-experience/pkg/embedding"
	"github.com/txn2/mcp-experience/pkg/session"
	"github.com/txn2/mcp-experience/pkg/toolkits/experience"
	"github.com/txn2/mcp-experience/pkg/transport"
)

// Storage providers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Embedding settings sources.
const (
	EmbeddingSourceConfig   = "config"
	EmbeddingSourceDatabase = "database"
)

// Config holds the complete server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Query      QueryConfig      `yaml:"query"`
	Storage    StorageConfig    `yaml:"storage"`
	Database   DatabaseConfig   `yaml:"database"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Background BackgroundConfig `yaml:"background"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP server and the identity reported on
// initialize.
type ServerConfig struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	Instructions    string        `yaml:"instructions"`
	Address         string        `yaml:"address"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig configures session expiry and stream keepalives.
type SessionConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

// QueryConfig configures query_experiences paging.
type QueryConfig struct {
	DefaultLimit int    `yaml:"default_limit"`
	MaxLimit     int    `yaml:"max_limit"`
	LimitPolicy  string `yaml:"limit_policy"`
}

// StorageConfig selects the experience repository.
type StorageConfig struct {
	Provider string `yaml:"provider"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Migrate      bool   `yaml:"migrate"`
}

// EmbeddingConfig configures the embedding provider. With source "database"
// the provider settings are read from the ai_settings table instead.
type EmbeddingConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Source      string        `yaml:"source"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	SettingsTTL time.Duration `yaml:"settings_ttl"`
}

// BackgroundConfig sizes the fire-and-forget task queue.
type BackgroundConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	Workers     int           `yaml:"workers"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a runnable memory-backed configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${VAR} references and
// applying defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-experience"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "dev"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = session.DefaultTTL
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = session.DefaultSweepInterval
	}
	if cfg.Session.KeepAliveInterval == 0 {
		cfg.Session.KeepAliveInterval = transport.DefaultKeepAlive
	}

	if cfg.Query.DefaultLimit == 0 {
		cfg.Query.DefaultLimit = experience.DefaultLimit
	}
	if cfg.Query.MaxLimit == 0 {
		cfg.Query.MaxLimit = experience.DefaultMaxLimit
	}
	if cfg.Query.LimitPolicy == "" {
		cfg.Query.LimitPolicy = string(experience.LimitReject)
	}

	if cfg.Storage.Provider == "" {
		cfg.Storage.Provider = StorageMemory
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}

	if cfg.Embedding.Source == "" {
		cfg.Embedding.Source = EmbeddingSourceConfig
	}
	if cfg.Embedding.SettingsTTL == 0 {
		cfg.Embedding.SettingsTTL = embedding.DefaultSettingsTTL
	}

	if cfg.Background.QueueSize == 0 {
		cfg.Background.QueueSize = background.DefaultQueueSize
	}
	if cfg.Background.Workers == 0 {
		cfg.Background.Workers = background.DefaultWorkers
	}
	if cfg.Background.TaskTimeout == 0 {
		cfg.Background.TaskTimeout = background.DefaultTaskTimeout
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// envOverride maps an environment variable onto a config field.
type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

var envOverrides = []envOverride{
	{"MCP_ADDRESS", func(c *Config, v string) error {
		c.Server.Address = v
		return nil
	}},
	{"MCP_ALLOWED_ORIGINS", func(c *Config, v string) error {
		c.Server.AllowedOrigins = splitList(v)
		return nil
	}},
	{"MCP_QUERY_DEFAULT_LIMIT", func(c *Config, v string) (err error) {
		c.Query.DefaultLimit, err = cast.ToIntE(v)
		return err
	}},
	{"MCP_QUERY_MAX_LIMIT", func(c *Config, v string) (err error) {
		c.Query.MaxLimit, err = cast.ToIntE(v)
		return err
	}},
	{"MCP_LIMIT_POLICY", func(c *Config, v string) error {
		c.Query.LimitPolicy = v
		return nil
	}},
	{"MCP_SESSION_TTL", func(c *Config, v string) (err error) {
		c.Session.TTL, err = cast.ToDurationE(v)
		return err
	}},
	{"MCP_STORAGE_PROVIDER", func(c *Config, v string) error {
		c.Storage.Provider = v
		return nil
	}},
	{"DATABASE_URL", func(c *Config, v string) error {
		c.Database.DSN = v
		return nil
	}},
	{"MCP_EMBEDDING_ENABLED", func(c *Config, v string) (err error) {
		c.Embedding.Enabled, err = cast.ToBoolE(v)
		return err
	}},
	{"MCP_LOG_LEVEL", func(c *Config, v string) error {
		c.Logging.Level = v
		return nil
	}},
}

// ApplyEnv overrides config fields from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := o.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("parsing %s: %w", o.name, err)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Query.MaxLimit < 1 {
		errs = append(errs, "query.max_limit must be positive")
	}
	if c.Query.DefaultLimit < 1 || c.Query.DefaultLimit > c.Query.MaxLimit {
		errs = append(errs, fmt.Sprintf("query.default_limit must be between 1 and query.max_limit (%d)", c.Query.MaxLimit))
	}
	if _, err := experience.ParseLimitPolicy(c.Query.LimitPolicy); err != nil {
		errs = append(errs, "query."+err.Error())
	}

	switch c.Storage.Provider {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when storage.provider is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.provider must be %q or %q", StorageMemory, StoragePostgres))
	}

	switch c.Embedding.Source {
	case EmbeddingSourceConfig:
		if c.Embedding.Enabled && c.Embedding.Model == "" {
			errs = append(errs, "embedding.model is required when embedding is enabled")
		}
	case EmbeddingSourceDatabase:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when embedding.source is database")
		}
	default:
		errs = append(errs, fmt.Sprintf("embedding.source must be %q or %q", EmbeddingSourceConfig, EmbeddingSourceDatabase))
	}

	if c.Session.TTL <= 0 || c.Session.SweepInterval <= 0 || c.Session.KeepAliveInterval <= 0 {
		errs = append(errs, "session durations must be positive")
	}
	if c.Background.Workers < 1 || c.Background.QueueSize < 1 {
		errs = append(errs, "background.workers and background.queue_size must be positive")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, "logging."+err.Error())
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, `logging.format must be "text" or "json"`)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
