package experience

import (
	"context"
	"math"
	"sort"

	"github.com/txn2/mcp-experience/pkg/ranking"
)

// SearchRequest selects and pages published experiences.
//
// Keywords match records carrying any of the (normalized) keywords. Text is a
// case-insensitive substring match over title, problem description, root
// cause and solution. When both are set a record matching either qualifies.
// When neither is set every published record qualifies.
//
// SearchSimilar uses Keywords as a required filter, ignores Text (the query
// embedding stands in for it) and ignores Sort: results order by similarity.
type SearchRequest struct {
	Keywords []string
	Text     string
	Limit    int
	Offset   int
	Sort     SortOrder
}

// Repository persists and searches experiences.
type Repository interface {
	// Insert stores a new experience row without keywords.
	Insert(ctx context.Context, e Experience) error

	// InsertKeywords attaches normalized keywords to an experience.
	InsertKeywords(ctx context.Context, id string, keywords []string) error

	// Search performs keyword and text search.
	Search(ctx context.Context, req SearchRequest) ([]Experience, error)

	// SearchSimilar returns records whose cosine similarity to embedding is
	// at least threshold, most similar first. When req.Keywords is set only
	// records carrying one of them qualify. Paging applies as in Search.
	SearchSimilar(ctx context.Context, embedding []float32, threshold float64, req SearchRequest) ([]Experience, error)

	// IncrementQueryCounts adds one to the query count of each id.
	IncrementQueryCounts(ctx context.Context, ids []string) error

	// SetEmbedding stores the document embedding of an experience.
	SetEmbedding(ctx context.Context, id string, embedding []float32) error

	ranking.ScoreStore
}

// sortExperiences orders rows in place the way the SQL store's ORDER BY does.
// ID is the final tie-break so ordering is stable.
func sortExperiences(rows []Experience, order SortOrder) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch order {
		case SortQueryCount:
			if a.QueryCount != b.QueryCount {
				return a.QueryCount > b.QueryCount
			}
		case SortCreatedAt:
		default:
			if a.RelevanceScore != b.RelevanceScore {
				return a.RelevanceScore > b.RelevanceScore
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// page applies offset and limit to rows.
func page(rows []Experience, offset, limit int) []Experience {
	if offset >= len(rows) {
		return []Experience{}
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either is empty, zero, or the dimensions differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
