package experience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/txn2/mcp-experience/pkg/embedding"
	"github.com/txn2/mcp-experience/pkg/ranking"
)

// Submission validation constraints.
const (
	MaxTitleLen   = 500
	MaxContextLen = 10000
)

// SubmitInput are the submit_experience arguments.
type SubmitInput struct {
	Title              string   `json:"title"`
	ProblemDescription string   `json:"problem_description"`
	RootCause          string   `json:"root_cause,omitempty"`
	Solution           string   `json:"solution"`
	Context            string   `json:"context,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
}

// Validate checks required fields and lengths.
func (in SubmitInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return validationErrorf("title", "title is required")
	}
	if n := utf8.RuneCountInString(in.Title); n > MaxTitleLen {
		return validationErrorf("title", "title must be at most %d characters (got %d)", MaxTitleLen, n)
	}
	if strings.TrimSpace(in.ProblemDescription) == "" {
		return validationErrorf("problem_description", "problem_description is required")
	}
	if strings.TrimSpace(in.Solution) == "" {
		return validationErrorf("solution", "solution is required")
	}
	if n := utf8.RuneCountInString(in.Context); n > MaxContextLen {
		return validationErrorf("context", "context must be at most %d characters (got %d)", MaxContextLen, n)
	}
	return nil
}

// SubmitEngine validates and persists new experiences.
type SubmitEngine struct {
	repo     Repository
	embedder Embedder
	updater  *ranking.Updater
	tasks    TaskRunner
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewSubmitEngine creates a submit engine. embedder and tasks may be nil, in
// which case no document embedding is computed.
func NewSubmitEngine(repo Repository, embedder Embedder, updater *ranking.Updater, tasks TaskRunner, clock clockwork.Clock, logger *slog.Logger) *SubmitEngine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmitEngine{
		repo:     repo,
		embedder: embedder,
		updater:  updater,
		tasks:    tasks,
		clock:    clock,
		logger:   logger,
	}
}

// Submit stores a new published experience. It never returns an error:
// failures are reported through the result status.
//
// A keyword write failure is logged and does not undo the experience row.
// When keywords are supplied the initial relevance score is stored before
// returning.
func (e *SubmitEngine) Submit(ctx context.Context, in SubmitInput) *SubmitResult {
	if err := in.Validate(); err != nil {
		return &SubmitResult{Status: SubmitFailed, Error: err.Error()}
	}

	exp := Experience{
		ID:                 uuid.NewString(),
		Title:              strings.TrimSpace(in.Title),
		ProblemDescription: in.ProblemDescription,
		RootCause:          in.RootCause,
		Solution:           in.Solution,
		Context:            in.Context,
		Status:             StatusPublished,
		CreatedAt:          e.clock.Now().UTC(),
	}

	if err := e.repo.Insert(ctx, exp); err != nil {
		e.logger.Error("experience: insert failed", "error", err)
		return &SubmitResult{Status: SubmitFailed, Error: fmt.Sprintf("failed to store experience: %v", err)}
	}

	keywords := ranking.NormalizeKeywords(in.Keywords)
	if len(keywords) > 0 {
		if err := e.repo.InsertKeywords(ctx, exp.ID, keywords); err != nil {
			e.logger.Warn("experience: keyword insert failed", "experience_id", exp.ID, "error", err)
		}
		e.storeInitialScore(ctx, exp.ID, keywords)
	}

	e.scheduleEmbedding(exp)

	e.logger.Info("experience: submitted", "experience_id", exp.ID, "keywords", len(keywords))
	return &SubmitResult{ExperienceID: exp.ID, Status: SubmitSuccess}
}

func (e *SubmitEngine) storeInitialScore(ctx context.Context, id string, keywords []string) {
	if e.updater == nil {
		return
	}
	score := e.updater.InitialScore(keywords)
	if err := e.repo.UpdateRelevanceScore(ctx, id, score); err != nil {
		e.logger.Warn("experience: initial score update failed", "experience_id", id, "error", err)
	}
}

func (e *SubmitEngine) scheduleEmbedding(exp Experience) {
	if e.embedder == nil || e.tasks == nil {
		return
	}

	text := strings.Join([]string{exp.Title, exp.ProblemDescription, exp.Solution}, "\n\n")
	e.tasks.Submit(taskEmbed, func(ctx context.Context) error {
		vec, err := e.embedder.Embed(ctx, text)
		if errors.Is(err, embedding.ErrNotConfigured) {
			return nil
		}
		if err != nil {
			return err
		}
		return e.repo.SetEmbedding(ctx, exp.ID, vec)
	})
}
