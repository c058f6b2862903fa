package experience

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/txn2/mcp-experience/pkg/ranking"
)

// memoryRecord is a stored experience plus its document embedding.
type memoryRecord struct {
	exp       Experience
	embedding []float32
}

// MemoryStore is an in-process Repository for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
}

// NewMemoryStore creates an empty in-memory repository.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

// Insert stores a new experience.
func (s *MemoryStore) Insert(_ context.Context, e Experience) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[e.ID]; exists {
		return fmt.Errorf("experience %s already exists", e.ID)
	}
	e.Keywords = nil
	s.records[e.ID] = &memoryRecord{exp: e}
	return nil
}

// InsertKeywords attaches keywords, ignoring duplicates.
func (s *MemoryStore) InsertKeywords(_ context.Context, id string, keywords []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("experience %s not found", id)
	}
	for _, k := range keywords {
		if !slices.Contains(rec.exp.Keywords, k) {
			rec.exp.Keywords = append(rec.exp.Keywords, k)
		}
	}
	slices.Sort(rec.exp.Keywords)
	return nil
}

// Search performs keyword and substring search.
func (s *MemoryStore) Search(_ context.Context, req SearchRequest) ([]Experience, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	text := strings.ToLower(strings.TrimSpace(req.Text))
	var rows []Experience
	for _, rec := range s.records {
		if rec.exp.Status != StatusPublished {
			continue
		}
		if matchesSearch(rec.exp, req.Keywords, text) {
			rows = append(rows, cloneExperience(rec.exp))
		}
	}

	sortExperiences(rows, req.Sort)
	return page(rows, req.Offset, req.Limit), nil
}

func matchesSearch(e Experience, keywords []string, text string) bool {
	if len(keywords) == 0 && text == "" {
		return true
	}
	for _, k := range keywords {
		if slices.Contains(e.Keywords, k) {
			return true
		}
	}
	if text == "" {
		return false
	}
	for _, field := range []string{e.Title, e.ProblemDescription, e.RootCause, e.Solution} {
		if strings.Contains(strings.ToLower(field), text) {
			return true
		}
	}
	return false
}

// SearchSimilar ranks records with an embedding by cosine similarity.
func (s *MemoryStore) SearchSimilar(_ context.Context, embedding []float32, threshold float64, req SearchRequest) ([]Experience, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []Experience
	for _, rec := range s.records {
		if rec.exp.Status != StatusPublished || rec.embedding == nil {
			continue
		}
		if !matchesSearch(rec.exp, req.Keywords, "") {
			continue
		}
		sim := cosineSimilarity(embedding, rec.embedding)
		if sim < threshold {
			continue
		}
		e := cloneExperience(rec.exp)
		e.Similarity = sim
		rows = append(rows, e)
	}

	slices.SortStableFunc(rows, func(a, b Experience) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		default:
			return strings.Compare(a.ID, b.ID)
		}
	})
	return page(rows, req.Offset, req.Limit), nil
}

// IncrementQueryCounts adds one to each known id's query count.
func (s *MemoryStore) IncrementQueryCounts(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			rec.exp.QueryCount++
		}
	}
	return nil
}

// SetEmbedding stores a document embedding.
func (s *MemoryStore) SetEmbedding(_ context.Context, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("experience %s not found", id)
	}
	rec.embedding = slices.Clone(embedding)
	return nil
}

// ScoreInputs returns ranking inputs for the known ids.
func (s *MemoryStore) ScoreInputs(_ context.Context, ids []string) ([]ranking.ScoreInput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inputs := make([]ranking.ScoreInput, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		inputs = append(inputs, ranking.ScoreInput{
			ID:         id,
			Keywords:   slices.Clone(rec.exp.Keywords),
			QueryCount: rec.exp.QueryCount,
			CreatedAt:  rec.exp.CreatedAt,
		})
	}
	return inputs, nil
}

// UpdateRelevanceScore stores a recomputed score.
func (s *MemoryStore) UpdateRelevanceScore(_ context.Context, id string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("experience %s not found", id)
	}
	rec.exp.RelevanceScore = score
	return nil
}

// Get returns a copy of a stored experience.
func (s *MemoryStore) Get(id string) (Experience, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Experience{}, false
	}
	return cloneExperience(rec.exp), true
}

func cloneExperience(e Experience) Experience {
	e.Keywords = slices.Clone(e.Keywords)
	if e.Keywords == nil {
		e.Keywords = []string{}
	}
	return e
}

// Verify interface compliance.
var _ Repository = (*MemoryStore)(nil)
