// Package experience provides the experience knowledge-base toolkit: record
// types, validation, storage, and the query and submit engines behind the
// query_experiences and submit_experience tools.
package experience

import (
	"errors"
	"fmt"
	"time"
)

// StatusPublished is the status of records visible to queries. Records
// submitted through this server are published immediately.
const StatusPublished = "published"

// ErrStore marks failures of the underlying repository. Callers report these
// as internal faults rather than user errors.
var ErrStore = errors.New("experience store failure")

// storeError wraps a repository error with ErrStore and an operation label.
func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// ValidationError is a user-facing argument error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Experience is a stored problem/root-cause/solution write-up.
type Experience struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	ProblemDescription string    `json:"problem_description"`
	RootCause          string    `json:"root_cause,omitempty"`
	Solution           string    `json:"solution"`
	Context            string    `json:"context,omitempty"`
	Keywords           []string  `json:"keywords"`
	QueryCount         int64     `json:"query_count"`
	RelevanceScore     float64   `json:"relevance_score"`
	CreatedAt          time.Time `json:"created_at"`

	// Similarity is set only for vector search results.
	Similarity float64 `json:"similarity,omitempty"`

	Status string `json:"-"`
}

// SortOrder selects the ordering of query results.
type SortOrder string

// Supported sort orders.
const (
	SortRelevance  SortOrder = "relevance"
	SortQueryCount SortOrder = "query_count"
	SortCreatedAt  SortOrder = "created_at"
)

// ParseSortOrder validates a sort value. An empty value means relevance.
func ParseSortOrder(s string) (SortOrder, error) {
	switch SortOrder(s) {
	case "":
		return SortRelevance, nil
	case SortRelevance, SortQueryCount, SortCreatedAt:
		return SortOrder(s), nil
	default:
		return "", validationErrorf("sort", "invalid sort %q: must be one of: relevance, query_count, created_at", s)
	}
}

// ToolResult is the result of one of the experience tools. It is implemented
// only by *QueryResult and *SubmitResult.
type ToolResult interface {
	isToolResult()
}

// QueryResult is the query_experiences response envelope.
type QueryResult struct {
	Experiences []Experience `json:"experiences"`
	TotalCount  int          `json:"total_count"`
	HasMore     bool         `json:"has_more"`
}

func (*QueryResult) isToolResult() {}

// SubmitStatus reports the outcome of a submission.
type SubmitStatus string

// Submission outcomes.
const (
	SubmitSuccess SubmitStatus = "success"
	SubmitFailed  SubmitStatus = "failed"
)

// SubmitResult is the submit_experience response.
type SubmitResult struct {
	ExperienceID string       `json:"experience_id,omitempty"`
	Status       SubmitStatus `json:"status"`
	Error        string       `json:"error,omitempty"`
}

func (*SubmitResult) isToolResult() {}

// Verify union membership.
var (
	_ ToolResult = (*QueryResult)(nil)
	_ ToolResult = (*SubmitResult)(nil)
)
