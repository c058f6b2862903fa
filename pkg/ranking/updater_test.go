package ranking

import (
	"context"
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScoreStore records updates and can fail selected rows.
type fakeScoreStore struct {
	inputs   []ScoreInput
	loadErr  error
	failIDs  map[string]bool
	attempts []string
	scores   map[string]float64
}

func (f *fakeScoreStore) ScoreInputs(_ context.Context, _ []string) ([]ScoreInput, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.inputs, nil
}

func (f *fakeScoreStore) UpdateRelevanceScore(_ context.Context, id string, score float64) error {
	f.attempts = append(f.attempts, id)
	if f.failIDs[id] {
		return errors.New("row locked")
	}
	if f.scores == nil {
		f.scores = make(map[string]float64)
	}
	f.scores[id] = score
	return nil
}

func TestUpdater_UpdateScores(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	store := &fakeScoreStore{
		inputs: []ScoreInput{
			{ID: "a", Keywords: []string{"rust"}, QueryCount: 9, CreatedAt: testNow},
			{ID: "b", Keywords: []string{"go"}, QueryCount: 0, CreatedAt: testNow.AddDate(0, 0, -90)},
		},
	}

	u := NewUpdater(store, clock, nil)
	res, err := u.UpdateScores(context.Background(), []string{"a", "b"}, []string{"rust"})
	require.NoError(t, err)
	assert.Equal(t, UpdateResult{Updated: 2}, res)

	assert.InDelta(t, Score([]string{"rust"}, []string{"rust"}, 9, testNow, testNow), store.scores["a"], scoreDelta)
	assert.Zero(t, store.scores["b"])
}

func TestUpdater_RowFailureDoesNotAbortBatch(t *testing.T) {
	store := &fakeScoreStore{
		inputs: []ScoreInput{
			{ID: "a", Keywords: []string{"x"}},
			{ID: "b", Keywords: []string{"x"}},
			{ID: "c", Keywords: []string{"x"}},
		},
		failIDs: map[string]bool{"b": true},
	}

	u := NewUpdater(store, clockwork.NewFakeClockAt(testNow), nil)
	res, err := u.UpdateScores(context.Background(), []string{"a", "b", "c"}, []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, UpdateResult{Updated: 2, Failed: 1}, res)
	assert.Equal(t, []string{"a", "b", "c"}, store.attempts)
	assert.Contains(t, store.scores, "c")
}

func TestUpdater_LoadError(t *testing.T) {
	store := &fakeScoreStore{loadErr: errors.New("connection refused")}

	u := NewUpdater(store, nil, nil)
	_, err := u.UpdateScores(context.Background(), []string{"a"}, []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading score inputs")
}

func TestUpdater_EmptyBatch(t *testing.T) {
	store := &fakeScoreStore{loadErr: errors.New("must not be called")}

	res, err := NewUpdater(store, nil, nil).UpdateScores(context.Background(), nil, []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, UpdateResult{}, res)
}

func TestUpdater_InitialScore(t *testing.T) {
	u := NewUpdater(&fakeScoreStore{}, clockwork.NewFakeClockAt(testNow), nil)
	assert.InDelta(t, KeywordWeight+RecencyWeight, u.InitialScore([]string{"a", "b", "c"}), scoreDelta)
	assert.InDelta(t, RecencyWeight, u.InitialScore(nil), scoreDelta)
}
