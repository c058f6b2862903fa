package experience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/txn2/mcp-experience/pkg/background"
	"github.com/txn2/mcp-experience/pkg/embedding"
	"github.com/txn2/mcp-experience/pkg/ranking"
)

// Vector search similarity thresholds. The fallback threshold is tried once
// when nothing passes the primary one.
const (
	PrimaryThreshold  = 0.3
	FallbackThreshold = 0.1
)

// Query limit defaults.
const (
	DefaultLimit    = 10
	DefaultMaxLimit = 100
)

// Background task names.
const (
	taskIncrementQueryCount = "increment_query_count"
	taskRescore             = "rescore"
	taskEmbed               = "embed_experience"
)

// LimitPolicy decides what happens to a limit outside [1, max].
type LimitPolicy string

// Limit policies.
const (
	LimitReject LimitPolicy = "reject"
	LimitClamp  LimitPolicy = "clamp"
)

// ParseLimitPolicy validates a policy name. An empty name means reject.
func ParseLimitPolicy(s string) (LimitPolicy, error) {
	switch LimitPolicy(s) {
	case "":
		return LimitReject, nil
	case LimitReject, LimitClamp:
		return LimitPolicy(s), nil
	default:
		return "", fmt.Errorf("limit_policy %q must be %q or %q", s, LimitReject, LimitClamp)
	}
}

// Embedder embeds free text. embedding.ErrNotConfigured means no provider is
// configured.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TaskRunner schedules best-effort background work.
type TaskRunner interface {
	Submit(name string, fn background.Task) bool
}

// QueryArgs are the raw query_experiences arguments.
type QueryArgs struct {
	Keywords []string `json:"keywords,omitempty"`
	Query    string   `json:"query,omitempty"`
	Limit    *int     `json:"limit,omitempty"`
	Offset   *int     `json:"offset,omitempty"`
	Sort     string   `json:"sort,omitempty"`
}

// QueryParams are validated query arguments.
type QueryParams struct {
	Keywords []string
	Query    string
	Limit    int
	Offset   int
	Sort     SortOrder
}

// QueryConfig configures a QueryEngine.
type QueryConfig struct {
	DefaultLimit int
	MaxLimit     int
	LimitPolicy  LimitPolicy
}

func (c QueryConfig) withDefaults() QueryConfig {
	if c.MaxLimit <= 0 {
		c.MaxLimit = DefaultMaxLimit
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = DefaultLimit
	}
	if c.DefaultLimit > c.MaxLimit {
		c.DefaultLimit = c.MaxLimit
	}
	if c.LimitPolicy == "" {
		c.LimitPolicy = LimitReject
	}
	return c
}

// QueryEngine validates query arguments and runs hybrid search.
type QueryEngine struct {
	repo     Repository
	embedder Embedder
	updater  *ranking.Updater
	tasks    TaskRunner
	cfg      QueryConfig
	logger   *slog.Logger
}

// NewQueryEngine creates a query engine. embedder may be nil, in which case
// free-text queries use text search only.
func NewQueryEngine(repo Repository, embedder Embedder, updater *ranking.Updater, tasks TaskRunner, cfg QueryConfig, logger *slog.Logger) *QueryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryEngine{
		repo:     repo,
		embedder: embedder,
		updater:  updater,
		tasks:    tasks,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Validate resolves defaults and checks bounds.
func (e *QueryEngine) Validate(args QueryArgs) (QueryParams, error) {
	p := QueryParams{
		Keywords: ranking.NormalizeKeywords(args.Keywords),
		Query:    strings.TrimSpace(args.Query),
		Limit:    e.cfg.DefaultLimit,
	}

	if args.Limit != nil {
		p.Limit = *args.Limit
	}
	if p.Limit < 1 || p.Limit > e.cfg.MaxLimit {
		if e.cfg.LimitPolicy != LimitClamp {
			return QueryParams{}, validationErrorf("limit", "limit must be between 1 and %d (got %d)", e.cfg.MaxLimit, p.Limit)
		}
		p.Limit = min(max(p.Limit, 1), e.cfg.MaxLimit)
	}

	if args.Offset != nil {
		if *args.Offset < 0 {
			return QueryParams{}, validationErrorf("offset", "offset must be >= 0 (got %d)", *args.Offset)
		}
		p.Offset = *args.Offset
	}

	order, err := ParseSortOrder(args.Sort)
	if err != nil {
		return QueryParams{}, err
	}
	p.Sort = order
	return p, nil
}

// Query validates args, searches, and schedules query-count and rescoring
// side effects without waiting for them.
func (e *QueryEngine) Query(ctx context.Context, args QueryArgs) (*QueryResult, error) {
	p, err := e.Validate(args)
	if err != nil {
		return nil, err
	}

	rows, err := e.search(ctx, p)
	if err != nil {
		return nil, err
	}

	e.scheduleSideEffects(rows, p.Keywords)

	if rows == nil {
		rows = []Experience{}
	}
	return &QueryResult{
		Experiences: rows,
		TotalCount:  len(rows),
		HasMore:     len(rows) == p.Limit,
	}, nil
}

func (e *QueryEngine) search(ctx context.Context, p QueryParams) ([]Experience, error) {
	req := SearchRequest{
		Keywords: p.Keywords,
		Text:     p.Query,
		Limit:    p.Limit,
		Offset:   p.Offset,
		Sort:     p.Sort,
	}

	if p.Query != "" {
		if vec, ok := e.embed(ctx, p.Query); ok {
			for _, threshold := range []float64{PrimaryThreshold, FallbackThreshold} {
				rows, err := e.repo.SearchSimilar(ctx, vec, threshold, req)
				if err != nil {
					return nil, storeError("vector search", err)
				}
				if len(rows) > 0 {
					return rows, nil
				}
			}
			e.logger.Debug("experience: no vector matches, falling back to text search", "query", p.Query)
		}
	}

	rows, err := e.repo.Search(ctx, req)
	if err != nil {
		return nil, storeError("searching experiences", err)
	}
	return rows, nil
}

// embed returns the query embedding, or false when vector search is not
// possible.
func (e *QueryEngine) embed(ctx context.Context, text string) ([]float32, bool) {
	if e.embedder == nil {
		return nil, false
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		if !errors.Is(err, embedding.ErrNotConfigured) {
			e.logger.Warn("experience: query embedding failed, using text search", "error", err)
		}
		return nil, false
	}
	return vec, true
}

func (e *QueryEngine) scheduleSideEffects(rows []Experience, keywords []string) {
	if len(rows) == 0 || e.tasks == nil {
		return
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	e.tasks.Submit(taskIncrementQueryCount, func(ctx context.Context) error {
		return e.repo.IncrementQueryCounts(ctx, ids)
	})

	if len(keywords) > 0 && e.updater != nil {
		e.tasks.Submit(taskRescore, func(ctx context.Context) error {
			_, err := e.updater.UpdateScores(ctx, ids, keywords)
			return err
		})
	}
}
