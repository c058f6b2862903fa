//go:build integration

package experience_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/txn2/mcp-experience/pkg/database/migrate"
	"github.com/txn2/mcp-experience/pkg/toolkits/experience"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("experiences"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrate.Run(db, nil))
	return db
}

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	store := experience.NewPostgresStore(startPostgres(t))
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	records := []experience.Experience{
		{
			ID: "0b7e4a52-5b8f-4c57-9d0e-1f7b0d1c2a01", Title: "Borrow checker rejects closure",
			ProblemDescription: "closure outlives captured value", Solution: "use move",
			Status: experience.StatusPublished, RelevanceScore: 0.7, CreatedAt: created,
		},
		{
			ID: "0b7e4a52-5b8f-4c57-9d0e-1f7b0d1c2a02", Title: "Slow 100% CPU loop",
			ProblemDescription: "busy wait", RootCause: "missing sleep", Solution: "use a ticker",
			Context: "go 1.22", Status: experience.StatusPublished, RelevanceScore: 0.2, CreatedAt: created.Add(time.Hour),
		},
		{
			ID: "0b7e4a52-5b8f-4c57-9d0e-1f7b0d1c2a03", Title: "Draft entry",
			ProblemDescription: "p", Solution: "s", Status: "draft", CreatedAt: created,
		},
	}
	for _, r := range records {
		require.NoError(t, store.Insert(ctx, r))
	}
	require.NoError(t, store.InsertKeywords(ctx, records[0].ID, []string{"rust", "borrow-checker", "compiler"}))
	require.NoError(t, store.InsertKeywords(ctx, records[0].ID, []string{"rust"}))
	require.NoError(t, store.InsertKeywords(ctx, records[1].ID, []string{"go", "cpu"}))
	require.NoError(t, store.InsertKeywords(ctx, records[2].ID, []string{"rust"}))

	t.Run("keyword search skips unpublished", func(t *testing.T) {
		rows, err := store.Search(ctx, experience.SearchRequest{Keywords: []string{"rust"}, Limit: 10})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, records[0].ID, rows[0].ID)
		assert.Equal(t, []string{"borrow-checker", "compiler", "rust"}, rows[0].Keywords)
	})

	t.Run("text search escapes wildcards", func(t *testing.T) {
		rows, err := store.Search(ctx, experience.SearchRequest{Text: "100%", Limit: 10})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "missing sleep", rows[0].RootCause)
		assert.Equal(t, "go 1.22", rows[0].Context)
	})

	t.Run("sort and page", func(t *testing.T) {
		rows, err := store.Search(ctx, experience.SearchRequest{Limit: 1, Offset: 1, Sort: experience.SortCreatedAt})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, records[0].ID, rows[0].ID)
	})

	t.Run("counters and scores", func(t *testing.T) {
		require.NoError(t, store.IncrementQueryCounts(ctx, []string{records[0].ID, records[1].ID}))
		require.NoError(t, store.IncrementQueryCounts(ctx, []string{records[0].ID}))
		require.NoError(t, store.UpdateRelevanceScore(ctx, records[1].ID, 0.9))

		inputs, err := store.ScoreInputs(ctx, []string{records[0].ID})
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		assert.Equal(t, int64(2), inputs[0].QueryCount)

		rows, err := store.Search(ctx, experience.SearchRequest{Limit: 10})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, records[1].ID, rows[0].ID)
	})

	t.Run("vector search", func(t *testing.T) {
		require.NoError(t, store.SetEmbedding(ctx, records[0].ID, []float32{1, 0, 0}))
		require.NoError(t, store.SetEmbedding(ctx, records[1].ID, []float32{0, 1, 0}))

		rows, err := store.SearchSimilar(ctx, []float32{0.9, 0.1, 0}, 0.3, experience.SearchRequest{Limit: 10})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, records[0].ID, rows[0].ID)
		assert.Greater(t, rows[0].Similarity, 0.9)
	})
}
