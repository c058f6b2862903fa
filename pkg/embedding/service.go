// Package embedding produces query and document embeddings through an
// OpenAI-compatible provider via langchaingo.
//
// Provider settings are resolved from a SettingsSource and cached, together
// with the constructed embedder, for a fixed TTL. A settings change therefore
// takes effect within one TTL; serving slightly stale settings is accepted.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// DefaultSettingsTTL is how long resolved settings are reused.
const DefaultSettingsTTL = 5 * time.Minute

// providerKey is the cache key of the resolved provider.
const providerKey = "provider"

// placeholderToken satisfies langchaingo for servers that need no API key.
const placeholderToken = "placeholder"

var (
	// ErrNotConfigured indicates embeddings are disabled or unconfigured.
	ErrNotConfigured = errors.New("embedding provider not configured")

	// ErrEmptyInput indicates an empty text was passed to Embed.
	ErrEmptyInput = errors.New("empty input text")
)

// Settings describes an embedding provider.
type Settings struct {
	Enabled bool
	BaseURL string
	Model   string
	APIKey  string
}

// Configured reports whether the settings can produce embeddings.
func (s Settings) Configured() bool {
	return s.Enabled && s.BaseURL != "" && s.Model != ""
}

// Embedder embeds a single text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFactory builds an Embedder for the given settings.
type EmbedderFactory func(Settings) (Embedder, error)

// NewOpenAIEmbedder builds a langchaingo embedder against an
// OpenAI-compatible endpoint (OpenAI, TEI, Ollama, vLLM).
func NewOpenAIEmbedder(s Settings) (Embedder, error) {
	token := s.APIKey
	if token == "" {
		token = placeholderToken
	}

	llm, err := openai.New(
		openai.WithBaseURL(s.BaseURL),
		openai.WithEmbeddingModel(s.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return embedder, nil
}

// provider is the cached resolution of settings into an embedder.
type provider struct {
	settings Settings
	embedder Embedder
}

// Options configures a Service.
type Options struct {
	TTL     time.Duration
	Factory EmbedderFactory
	Logger  *slog.Logger
}

// Service resolves the current provider and embeds text with it.
type Service struct {
	source  SettingsSource
	cache   *gocache.Cache
	factory EmbedderFactory
	logger  *slog.Logger
}

// NewService creates an embedding service.
func NewService(source SettingsSource, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultSettingsTTL
	}
	if opts.Factory == nil {
		opts.Factory = NewOpenAIEmbedder
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Service{
		source:  source,
		cache:   gocache.New(opts.TTL, 2*opts.TTL),
		factory: opts.Factory,
		logger:  opts.Logger,
	}
}

// Available reports whether a provider is currently configured.
func (s *Service) Available(ctx context.Context) bool {
	p, err := s.provider(ctx)
	return err == nil && p.embedder != nil
}

// Embed returns the embedding of text. It returns ErrNotConfigured when no
// provider is configured.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	p, err := s.provider(ctx)
	if err != nil {
		return nil, err
	}
	if p.embedder == nil {
		return nil, ErrNotConfigured
	}

	vec, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// Invalidate drops the cached provider so the next call re-reads settings.
func (s *Service) Invalidate() {
	s.cache.Delete(providerKey)
}

func (s *Service) provider(ctx context.Context) (*provider, error) {
	if cached, ok := s.cache.Get(providerKey); ok {
		if p, ok := cached.(*provider); ok {
			return p, nil
		}
	}

	settings, err := s.source.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading embedding settings: %w", err)
	}

	p := &provider{settings: settings}
	if settings.Configured() {
		embedder, err := s.factory(settings)
		if err != nil {
			return nil, fmt.Errorf("building embedder: %w", err)
		}
		p.embedder = embedder
		s.logger.Debug("embedding: provider resolved", "base_url", settings.BaseURL, "model", settings.Model)
	}

	s.cache.SetDefault(providerKey, p)
	return p, nil
}
