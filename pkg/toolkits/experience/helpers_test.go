package experience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-experience/pkg/background"
	"github.com/txn2/mcp-experience/pkg/embedding"
	"github.com/txn2/mcp-experience/pkg/ranking"
)

var testNow = time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)

const scoreDelta = 1e-9

// stubEmbedder returns a fixed vector per text, or a default.
type stubEmbedder struct {
	vectors map[string][]float32
	def     []float32
	err     error
	calls   atomic.Int32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	if s.def == nil {
		return nil, embedding.ErrNotConfigured
	}
	return s.def, nil
}

// recordingRepo wraps a Repository, records search calls, and can fail
// selected operations.
type recordingRepo struct {
	Repository

	mu            sync.Mutex
	thresholds    []float64
	textSearches  int
	failInsert    error
	failKeywords  error
	failSearch    error
	failIncrement error
}

func (r *recordingRepo) Insert(ctx context.Context, e Experience) error {
	if r.failInsert != nil {
		return r.failInsert
	}
	return r.Repository.Insert(ctx, e)
}

func (r *recordingRepo) InsertKeywords(ctx context.Context, id string, keywords []string) error {
	if r.failKeywords != nil {
		return r.failKeywords
	}
	return r.Repository.InsertKeywords(ctx, id, keywords)
}

func (r *recordingRepo) Search(ctx context.Context, req SearchRequest) ([]Experience, error) {
	r.mu.Lock()
	r.textSearches++
	r.mu.Unlock()
	if r.failSearch != nil {
		return nil, r.failSearch
	}
	return r.Repository.Search(ctx, req)
}

func (r *recordingRepo) SearchSimilar(ctx context.Context, vec []float32, threshold float64, req SearchRequest) ([]Experience, error) {
	r.mu.Lock()
	r.thresholds = append(r.thresholds, threshold)
	r.mu.Unlock()
	return r.Repository.SearchSimilar(ctx, vec, threshold, req)
}

func (r *recordingRepo) IncrementQueryCounts(ctx context.Context, ids []string) error {
	if r.failIncrement != nil {
		return r.failIncrement
	}
	return r.Repository.IncrementQueryCounts(ctx, ids)
}

// harness wires engines over a memory store and a background queue.
type harness struct {
	store   *MemoryStore
	repo    *recordingRepo
	queue   *background.Queue
	clock   *clockwork.FakeClock
	query   *QueryEngine
	submit  *SubmitEngine
	toolkit *Toolkit
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	query    QueryConfig
	embedder Embedder
}

func withQueryConfig(cfg QueryConfig) harnessOption {
	return func(c *harnessConfig) { c.query = cfg }
}

func withEmbedder(e Embedder) harnessOption {
	return func(c *harnessConfig) { c.embedder = e }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	store := NewMemoryStore()
	repo := &recordingRepo{Repository: store}
	queue := background.New(background.Config{Workers: 1})
	t.Cleanup(func() { _ = queue.Close() })

	clock := clockwork.NewFakeClockAt(testNow)
	updater := ranking.NewUpdater(repo, clock, nil)

	h := &harness{store: store, repo: repo, queue: queue, clock: clock}
	h.query = NewQueryEngine(repo, cfg.embedder, updater, queue, cfg.query, nil)
	h.submit = NewSubmitEngine(repo, cfg.embedder, updater, queue, clock, nil)
	h.toolkit = New(h.query, h.submit)
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Drain(ctx))
}

// seed inserts a published experience directly into the store.
func (h *harness) seed(t *testing.T, e Experience, keywords ...string) {
	t.Helper()
	if e.Status == "" {
		e.Status = StatusPublished
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = testNow
	}
	require.NoError(t, h.store.Insert(context.Background(), e))
	if len(keywords) > 0 {
		require.NoError(t, h.store.InsertKeywords(context.Background(), e.ID, keywords))
	}
}

func intPtr(v int) *int { return &v }

var errBoom = errors.New("boom")
