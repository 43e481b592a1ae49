package retrieval

import (
	"math"
	"sort"

	"github.com/mohammad-safakhou/seeker/internal/search"
)

// MergePolicy names one of the two supported merge strategies.
type MergePolicy string

const (
	// MergeRoundRobinPolicy interleaves the per-step hit lists rank by rank,
	// preserving per-step diversity over pure score dominance. Default.
	MergeRoundRobinPolicy MergePolicy = "round_robin"
	// MergeBestScorePolicy keeps the best-scored occurrence of each
	// identifier and sorts the final list by score.
	MergeBestScorePolicy MergePolicy = "best_score"
)

// Merge combines the per-step hit lists into one ordered, deduplicated
// sequence under the given policy. The dedupe key is always the backend hit
// identifier, never projected fields.
func Merge(results []StepResult, policy MergePolicy) []search.Hit {
	if policy == MergeBestScorePolicy {
		return mergeBestScore(results)
	}
	return mergeRoundRobin(results)
}

// mergeRoundRobin takes index 0 of every step's list in step order, then
// index 1 of every list, and so on, skipping exhausted lists and identifiers
// already emitted.
func mergeRoundRobin(results []StepResult) []search.Hit {
	var merged []search.Hit
	seen := map[string]bool{}
	for rank := 0; ; rank++ {
		progressed := false
		for _, r := range results {
			if rank >= len(r.Hits) {
				continue
			}
			progressed = true
			hit := r.Hits[rank]
			if seen[hit.ID] {
				continue
			}
			seen[hit.ID] = true
			merged = append(merged, hit)
		}
		if !progressed {
			return merged
		}
	}
}

// mergeBestScore keeps, for each identifier, the occurrence with the higher
// relevance score (a scored hit beats an unscored one). The final order is an
// explicit score sort, descending, ties broken by first appearance.
func mergeBestScore(results []StepResult) []search.Hit {
	best := map[string]int{}
	var merged []search.Hit
	for _, r := range results {
		for _, hit := range r.Hits {
			idx, ok := best[hit.ID]
			if !ok {
				best[hit.ID] = len(merged)
				merged = append(merged, hit)
				continue
			}
			if scoreOf(hit) > scoreOf(merged[idx]) {
				merged[idx] = hit
			}
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return scoreOf(merged[i]) > scoreOf(merged[j])
	})
	return merged
}

func scoreOf(h search.Hit) float64 {
	if h.Score == nil {
		return math.Inf(-1)
	}
	return *h.Score
}
