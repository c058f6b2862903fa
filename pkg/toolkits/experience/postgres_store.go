package experience

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/txn2/mcp-experience/pkg/ranking"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// keywordsColumn aggregates an experience's keywords into a text array.
const keywordsColumn = `COALESCE((SELECT array_agg(k.keyword ORDER BY k.keyword) FROM experience_keywords k WHERE k.experience_id = e.id), '{}') AS keywords`

// keywordMatch selects experiences carrying any of the given keywords.
const keywordMatch = `EXISTS (SELECT 1 FROM experience_keywords k WHERE k.experience_id = e.id AND k.keyword = ANY(?))`

// similarityExpr is the cosine similarity of the stored embedding to a query vector.
const similarityExpr = `1 - (e.embedding <=> ?::vector)`

// experienceColumns lists columns returned by experience SELECT queries.
var experienceColumns = []string{
	"e.id", "e.title", "e.problem_description", "COALESCE(e.root_cause, '')",
	"e.solution", "COALESCE(e.context, '')", "e.query_count", "e.relevance_score",
	"e.created_at", keywordsColumn,
}

// PostgresStore implements Repository using PostgreSQL with pgvector.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL experience store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert persists an experience row.
func (s *PostgresStore) Insert(ctx context.Context, e Experience) error {
	query, args, err := psq.Insert("experiences").
		Columns("id", "title", "problem_description", "root_cause", "solution", "context",
			"status", "query_count", "relevance_score", "created_at").
		Values(e.ID, e.Title, e.ProblemDescription, nullString(e.RootCause), e.Solution,
			nullString(e.Context), e.Status, e.QueryCount, e.RelevanceScore, e.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting experience: %w", err)
	}
	return nil
}

// InsertKeywords persists keywords; duplicates are ignored.
func (s *PostgresStore) InsertKeywords(ctx context.Context, id string, keywords []string) error {
	if len(keywords) == 0 {
		return nil
	}

	qb := psq.Insert("experience_keywords").Columns("experience_id", "keyword")
	for _, k := range keywords {
		qb = qb.Values(id, k)
	}
	query, args, err := qb.Suffix("ON CONFLICT DO NOTHING").ToSql()
	if err != nil {
		return fmt.Errorf("building keyword insert query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting keywords: %w", err)
	}
	return nil
}

// Search performs keyword and ILIKE text search over published experiences.
func (s *PostgresStore) Search(ctx context.Context, req SearchRequest) ([]Experience, error) {
	qb := psq.Select(experienceColumns...).
		From("experiences e").
		Where(sq.Eq{"e.status": StatusPublished})

	var match sq.Or
	if len(req.Keywords) > 0 {
		match = append(match, sq.Expr(keywordMatch, pq.Array(req.Keywords)))
	}
	if text := strings.TrimSpace(req.Text); text != "" {
		pattern := "%" + escapeLike(text) + "%"
		match = append(match,
			sq.ILike{"e.title": pattern},
			sq.ILike{"e.problem_description": pattern},
			sq.ILike{"e.root_cause": pattern},
			sq.ILike{"e.solution": pattern},
		)
	}
	if len(match) > 0 {
		qb = qb.Where(match)
	}

	qb = applyPage(qb.OrderBy(orderBy(req.Sort)...), req)
	return s.query(ctx, qb, false)
}

// SearchSimilar ranks experiences by cosine similarity using pgvector,
// optionally restricted to records carrying one of req.Keywords.
func (s *PostgresStore) SearchSimilar(ctx context.Context, embedding []float32, threshold float64, req SearchRequest) ([]Experience, error) {
	vec := vectorLiteral(embedding)

	qb := psq.Select(experienceColumns...).
		Column(sq.Alias(sq.Expr(similarityExpr, vec), "similarity")).
		From("experiences e").
		Where(sq.Eq{"e.status": StatusPublished}).
		Where("e.embedding IS NOT NULL").
		Where(sq.Expr(similarityExpr+" >= ?", vec, threshold))
	if len(req.Keywords) > 0 {
		qb = qb.Where(sq.Expr(keywordMatch, pq.Array(req.Keywords)))
	}

	qb = qb.OrderBy("similarity DESC", "e.id")
	return s.query(ctx, applyPage(qb, req), true)
}

// IncrementQueryCounts adds one to the query count of each id.
func (s *PostgresStore) IncrementQueryCounts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := psq.Update("experiences").
		Set("query_count", sq.Expr("query_count + 1")).
		Where("id = ANY(?::uuid[])", pq.Array(ids)).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("incrementing query counts: %w", err)
	}
	return nil
}

// SetEmbedding stores the document embedding of an experience.
func (s *PostgresStore) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	query, args, err := psq.Update("experiences").
		Set("embedding", sq.Expr("?::vector", vectorLiteral(embedding))).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("storing embedding: %w", err)
	}
	return nil
}

// ScoreInputs returns ranking inputs for the given ids.
func (s *PostgresStore) ScoreInputs(ctx context.Context, ids []string) ([]ranking.ScoreInput, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := psq.Select("e.id", "e.query_count", "e.created_at", keywordsColumn).
		From("experiences e").
		Where("e.id = ANY(?::uuid[])", pq.Array(ids)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying score inputs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var inputs []ranking.ScoreInput
	for rows.Next() {
		var in ranking.ScoreInput
		if err := rows.Scan(&in.ID, &in.QueryCount, &in.CreatedAt, pq.Array(&in.Keywords)); err != nil {
			return nil, fmt.Errorf("scanning score input: %w", err)
		}
		inputs = append(inputs, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating score inputs: %w", err)
	}
	return inputs, nil
}

// UpdateRelevanceScore stores a single recomputed score.
func (s *PostgresStore) UpdateRelevanceScore(ctx context.Context, id string, score float64) error {
	query, args, err := psq.Update("experiences").
		Set("relevance_score", score).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating relevance score: %w", err)
	}
	return nil
}

func (s *PostgresStore) query(ctx context.Context, qb sq.SelectBuilder, withSimilarity bool) ([]Experience, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying experiences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Experience{}
	for rows.Next() {
		e := Experience{Status: StatusPublished}
		dest := []any{
			&e.ID, &e.Title, &e.ProblemDescription, &e.RootCause,
			&e.Solution, &e.Context, &e.QueryCount, &e.RelevanceScore,
			&e.CreatedAt, pq.Array(&e.Keywords),
		}
		if withSimilarity {
			dest = append(dest, &e.Similarity)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning experience: %w", err)
		}
		if e.Keywords == nil {
			e.Keywords = []string{}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating experiences: %w", err)
	}
	return out, nil
}

func orderBy(order SortOrder) []string {
	switch order {
	case SortQueryCount:
		return []string{"e.query_count DESC", "e.created_at DESC", "e.id"}
	case SortCreatedAt:
		return []string{"e.created_at DESC", "e.id"}
	default:
		return []string{"e.relevance_score DESC", "e.created_at DESC", "e.id"}
	}
}

func applyPage(qb sq.SelectBuilder, req SearchRequest) sq.SelectBuilder {
	if req.Limit > 0 {
		qb = qb.Limit(uint64(req.Limit))
	}
	if req.Offset > 0 {
		qb = qb.Offset(uint64(req.Offset))
	}
	return qb
}

// vectorLiteral formats an embedding in pgvector's text input format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// escapeLike escapes LIKE wildcards so user text matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Verify interface compliance.
var _ Repository = (*PostgresStore)(nil)
