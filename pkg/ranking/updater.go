package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// ScoreInput is the stored state a score is computed from.
type ScoreInput struct {
	ID         string
	Keywords   []string
	QueryCount int64
	CreatedAt  time.Time
}

// ScoreStore reads score inputs and persists recomputed scores.
type ScoreStore interface {
	// ScoreInputs returns the current inputs for the given record IDs.
	// Unknown IDs are omitted.
	ScoreInputs(ctx context.Context, ids []string) ([]ScoreInput, error)

	// UpdateRelevanceScore stores a single record's score.
	UpdateRelevanceScore(ctx context.Context, id string, score float64) error
}

// Updater recomputes and stores scores for batches of records.
type Updater struct {
	store  ScoreStore
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewUpdater creates a score updater. A nil clock uses the wall clock and a
// nil logger uses slog.Default.
func NewUpdater(store ScoreStore, clock clockwork.Clock, logger *slog.Logger) *Updater {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{store: store, clock: clock, logger: logger}
}

// UpdateResult summarizes a batch update.
type UpdateResult struct {
	Updated int
	Failed  int
}

// UpdateScores recomputes the score of every record in ids against
// queryKeywords. Rows are written one at a time; a failed row is logged and
// the remaining rows are still attempted. Only a failure to read the inputs
// is returned as an error.
func (u *Updater) UpdateScores(ctx context.Context, ids, queryKeywords []string) (UpdateResult, error) {
	var result UpdateResult
	if len(ids) == 0 {
		return result, nil
	}

	inputs, err := u.store.ScoreInputs(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("loading score inputs: %w", err)
	}

	now := u.clock.Now()
	for _, in := range inputs {
		score := Score(queryKeywords, in.Keywords, in.QueryCount, in.CreatedAt, now)
		if err := u.store.UpdateRelevanceScore(ctx, in.ID, score); err != nil {
			result.Failed++
			u.logger.Warn("ranking: score update failed", "experience_id", in.ID, "error", err)
			continue
		}
		result.Updated++
	}

	return result, nil
}

// InitialScore is the score of a freshly submitted record whose own keywords
// act as the query.
func (u *Updater) InitialScore(keywords []string) float64 {
	now := u.clock.Now()
	return Score(keywords, keywords, 0, now, now)
}
