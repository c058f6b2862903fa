package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-experience/pkg/embedding"
	"github.com/txn2/mcp-experience/pkg/protocol"
	"github.com/txn2/mcp-experience/pkg/toolkits/experience"
	"github.com/txn2/mcp-experience/pkg/transport"
)

const platformTestInitialize = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`

type fixedEmbedder struct {
	mu    sync.Mutex
	texts []string
}

func (f *fixedEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return []float32{1, 0, 0}, nil
}

func (f *fixedEmbedder) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Server.Version = "test"
	return cfg
}

func newTestPlatform(t *testing.T, cfg *Config, opts ...Option) *Platform {
	t.Helper()
	opts = append([]Option{
		WithConfig(cfg),
		WithClock(clockwork.NewFakeClockAt(time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC))),
	}, opts...)
	p, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Queue().Close() })
	return p
}

// rpc posts a JSON-RPC body to the MCP endpoint of h.
func rpc(t *testing.T, h http.Handler, sid, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, MCPPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sid != "" {
		req.Header.Set(transport.HeaderSessionID, sid)
		req.Header.Set(transport.HeaderProtocolVersion, protocol.LatestVersion)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func resultOf(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var env struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Empty(t, env.Error, "unexpected JSON-RPC error")
	require.NoError(t, json.Unmarshal(env.Result, v))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestNew_Errors(t *testing.T) {
	_, err := New()
	assert.EqualError(t, err, "config is required")

	cfg := testConfig()
	cfg.Query.MaxLimit = -1
	_, err = New(WithConfig(cfg))
	assert.ErrorContains(t, err, "query.max_limit")
}

func TestNew_MemoryDefaults(t *testing.T) {
	p := newTestPlatform(t, testConfig())

	assert.IsType(t, &experience.MemoryStore{}, p.Repository())
	assert.Nil(t, p.db)
	assert.Nil(t, p.Addr())
	assert.Same(t, p.config, p.Config())
}

func TestPlatform_Routes(t *testing.T) {
	p := newTestPlatform(t, testConfig())
	h := p.Handler()

	w := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"starting"}`, w.Body.String())

	w = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mcp_experience_active_sessions 0")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, MCPPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPlatform_SubmitThenQuery(t *testing.T) {
	emb := &fixedEmbedder{}
	cfg := testConfig()
	cfg.Embedding.Enabled = true
	cfg.Embedding.BaseURL = "http://embeddings.local/v1"
	cfg.Embedding.Model = "test-model"

	var built []embedding.Settings
	p := newTestPlatform(t, cfg, WithEmbedderFactory(func(s embedding.Settings) (embedding.Embedder, error) {
		built = append(built, s)
		return emb, nil
	}))
	h := p.Handler()

	w := rpc(t, h, "", platformTestInitialize)
	require.Equal(t, http.StatusOK, w.Code)
	sid := w.Header().Get(transport.HeaderSessionID)
	require.NotEmpty(t, sid)
	assert.Equal(t, 1, p.Sessions().Len())

	var submitted experience.SubmitResult
	resultOf(t, rpc(t, h, sid, `{"jsonrpc":"2.0","id":2,"method":"submit_experience","params":{
		"title":"Goroutine leak in ticker loop",
		"problem_description":"memory grows steadily",
		"solution":"stop the ticker on exit",
		"keywords":["Go","goroutines"]}}`), &submitted)
	require.Equal(t, experience.SubmitSuccess, submitted.Status)

	require.NoError(t, p.Queue().Drain(context.Background()))
	require.Len(t, emb.calls(), 1)
	assert.Contains(t, emb.calls()[0], "Goroutine leak in ticker loop")
	require.Len(t, built, 1)
	assert.Equal(t, "test-model", built[0].Model)

	t.Run("keyword query", func(t *testing.T) {
		var res experience.QueryResult
		resultOf(t, rpc(t, h, sid, `{"jsonrpc":"2.0","id":3,"method":"query_experiences","params":{"keywords":["go"]}}`), &res)
		require.Len(t, res.Experiences, 1)
		assert.Equal(t, submitted.ExperienceID, res.Experiences[0].ID)
		assert.Equal(t, []string{"go", "goroutines"}, res.Experiences[0].Keywords)
	})

	t.Run("free text query uses vector search", func(t *testing.T) {
		var res experience.QueryResult
		resultOf(t, rpc(t, h, sid, `{"jsonrpc":"2.0","id":4,"method":"query_experiences","params":{"query":"unrelated words"}}`), &res)
		require.Len(t, res.Experiences, 1)
		assert.InDelta(t, 1.0, res.Experiences[0].Similarity, 1e-9)
	})

	t.Run("limit policy from config", func(t *testing.T) {
		w := rpc(t, h, sid, `{"jsonrpc":"2.0","id":5,"method":"query_experiences","params":{"limit":1000}}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "limit must be between 1 and 100")
	})

	require.NoError(t, p.Queue().Drain(context.Background()))

	body := get(t, h, "/metrics").Body.String()
	assert.Contains(t, body, `mcp_experience_tool_calls_total{outcome="ok",tool="submit_experience"} 1`)
	assert.Contains(t, body, `mcp_experience_rpc_requests_total{method="initialize",outcome="ok"} 1`)
	assert.Contains(t, body, `mcp_experience_background_tasks_total{status="ok",task="embed_experience"} 1`)
	assert.Contains(t, body, "mcp_experience_active_sessions 1")
}

func TestPlatform_ClampPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Query.LimitPolicy = "clamp"
	p := newTestPlatform(t, cfg)
	h := p.Handler()

	sid := rpc(t, h, "", platformTestInitialize).Header().Get(transport.HeaderSessionID)
	var res experience.QueryResult
	resultOf(t, rpc(t, h, sid, `{"jsonrpc":"2.0","id":2,"method":"query_experiences","params":{"limit":1000}}`), &res)
	assert.Empty(t, res.Experiences)
	assert.NotNil(t, res.Experiences)
}

func TestPlatform_StartStop(t *testing.T) {
	p := newTestPlatform(t, testConfig())
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	addr := p.Addr()
	require.NotNil(t, addr)

	base := fmt.Sprintf("http://%s", addr.String())
	resp, err := http.Get(base + "/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ready"}`, string(body))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, p.Err())
	assert.Equal(t, "draining", p.health.State())
	assert.False(t, p.Queue().Submit("late", func(context.Context) error { return nil }))

	_, err = http.Get(base + "/health")
	assert.Error(t, err)
}

func TestPlatform_StartFailureRollsBack(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	cfg := testConfig()
	cfg.Server.Address = ln.Addr().String()
	p := newTestPlatform(t, cfg)

	err = p.Start(context.Background())
	require.ErrorContains(t, err, "starting http")
	assert.False(t, p.lifecycle.IsStarted())
	assert.False(t, p.Queue().Submit("late", func(context.Context) error { return nil }), "queue should be closed by rollback")
}

func TestPlatform_PostgresWiring(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	cfg := testConfig()
	cfg.Storage.Provider = StoragePostgres
	cfg.Database.DSN = "postgres://unused"
	cfg.Embedding.Source = EmbeddingSourceDatabase

	p := newTestPlatform(t, cfg, WithDB(db))
	assert.IsType(t, &experience.PostgresStore{}, p.Repository())
	assert.False(t, p.ownsDB)

	mock.ExpectPing()
	require.NoError(t, p.Start(context.Background()))

	mock.ExpectPing()
	w := get(t, p.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	mock.ExpectPing().WillReturnError(fmt.Errorf("connection refused"))
	w = get(t, p.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"database":"connection refused"}}`, w.Body.String())

	mock.ExpectQuery("SELECT enabled, base_url, model, api_key FROM ai_settings").
		WillReturnRows(sqlmock.NewRows([]string{"enabled", "base_url", "model", "api_key"}).
			AddRow(false, "", "", ""))
	_, err = p.embeddings.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, embedding.ErrNotConfigured)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlatform_PostgresStartFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	cfg := testConfig()
	cfg.Storage.Provider = StoragePostgres
	cfg.Database.DSN = "postgres://unused"
	p := newTestPlatform(t, cfg, WithDB(db))

	mock.ExpectPing().WillReturnError(fmt.Errorf("no route to host"))
	err = p.Start(context.Background())
	assert.ErrorContains(t, err, "starting database: pinging database: no route to host")
	assert.Nil(t, p.Addr())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlatform_ExpiredSessionRejected(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC))
	cfg := testConfig()
	p, err := New(WithConfig(cfg), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Queue().Close() })

	sid := rpc(t, p.Handler(), "", platformTestInitialize).Header().Get(transport.HeaderSessionID)
	require.NotEmpty(t, sid)

	clock.Advance(cfg.Session.TTL + time.Second)
	assert.Equal(t, 1, p.Sessions().Sweep())
	assert.Equal(t, 0, p.Sessions().Len())

	w := rpc(t, p.Handler(), sid, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Contains(t, w.Body.String(), "session")
}
