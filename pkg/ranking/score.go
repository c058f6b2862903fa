// Package ranking computes relevance scores for experience records.
//
// A score blends three signals into [0, 1]:
//
//	keyword    0.6  share of query keywords present on the record
//	popularity 0.3  log10(query_count+1)/3, saturating near 1000 queries
//	recency    0.1  linear decay from 1 at creation to 0 at 90 days
package ranking

import (
	"math"
	"strings"
	"time"
)

// Score weights and decay constants.
const (
	KeywordWeight    = 0.6
	PopularityWeight = 0.3
	RecencyWeight    = 0.1

	popularityDivisor = 3.0
	recencyWindowDays = 90.0
	hoursPerDay       = 24.0
)

// Score returns the relevance score of a record for the given query keywords,
// evaluated at now. The result is always within [0, 1].
func Score(queryKeywords, experienceKeywords []string, queryCount int64, createdAt, now time.Time) float64 {
	score := KeywordWeight*KeywordScore(queryKeywords, experienceKeywords) +
		PopularityWeight*PopularityScore(queryCount) +
		RecencyWeight*RecencyScore(createdAt, now)
	return clamp01(score)
}

// KeywordScore is the fraction of query keywords that exactly match one of the
// record keywords, ignoring case and surrounding whitespace.
func KeywordScore(queryKeywords, experienceKeywords []string) float64 {
	if len(queryKeywords) == 0 || len(experienceKeywords) == 0 {
		return 0
	}

	have := make(map[string]struct{}, len(experienceKeywords))
	for _, k := range experienceKeywords {
		have[normalize(k)] = struct{}{}
	}

	matches := 0
	for _, k := range queryKeywords {
		if _, ok := have[normalize(k)]; ok {
			matches++
		}
	}
	return math.Min(float64(matches)/float64(len(queryKeywords)), 1)
}

// PopularityScore grows logarithmically with queryCount.
func PopularityScore(queryCount int64) float64 {
	if queryCount <= 0 {
		return 0
	}
	return math.Min(math.Log10(float64(queryCount)+1)/popularityDivisor, 1)
}

// RecencyScore decays linearly with age. Records dated in the future score 1.
func RecencyScore(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / hoursPerDay
	return clamp01(1 - ageDays/recencyWindowDays)
}

// NormalizeKeywords lower-cases and trims keywords, dropping empty values and
// duplicates while preserving first-seen order.
func NormalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	seen := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		n := normalize(k)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
