package retrieval

import (
	"testing"

	"github.com/mohammad-safakhou/seeker/internal/search"
)

func stepHits(stepID string, ids ...string) StepResult {
	r := StepResult{StepID: stepID}
	for _, id := range ids {
		r.Hits = append(r.Hits, search.Hit{ID: id})
	}
	return r
}

func TestMergeRoundRobinInterleaves(t *testing.T) {
	results := []StepResult{
		stepHits("a", "a1", "a2"),
		stepHits("b", "b1"),
	}
	merged := Merge(results, MergeRoundRobinPolicy)
	if !sameIDs(merged, "a1", "b1", "a2") {
		t.Fatalf("unexpected order: %v", hitIDs(merged))
	}
}

func TestMergeRoundRobinDeduplicates(t *testing.T) {
	results := []StepResult{
		stepHits("a", "x", "y"),
		stepHits("b", "x", "z"),
	}
	merged := Merge(results, MergeRoundRobinPolicy)
	if !sameIDs(merged, "x", "y", "z") {
		t.Fatalf("unexpected order: %v", hitIDs(merged))
	}
}

func TestMergeRoundRobinSkipsExhaustedListsWithoutGaps(t *testing.T) {
	results := []StepResult{
		stepHits("a", "a1"),
		{StepID: "empty"},
		stepHits("c", "c1", "c2", "c3"),
	}
	merged := Merge(results, MergeRoundRobinPolicy)
	if !sameIDs(merged, "a1", "c1", "c2", "c3") {
		t.Fatalf("unexpected order: %v", hitIDs(merged))
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	results := []StepResult{
		stepHits("a", "x", "y"),
		stepHits("b", "y", "z"),
	}
	once := Merge(results, MergeRoundRobinPolicy)
	twice := Merge([]StepResult{{StepID: "merged", Hits: once}}, MergeRoundRobinPolicy)
	if !sameIDs(twice, hitIDs(once)...) {
		t.Fatalf("re-merging changed the output: %v vs %v", hitIDs(once), hitIDs(twice))
	}

	dup := Merge([]StepResult{stepHits("a", "x", "x", "x")}, MergeRoundRobinPolicy)
	if len(dup) != 1 || dup[0].ID != "x" {
		t.Fatalf("expected a single hit, got %v", hitIDs(dup))
	}
}

func TestMergeBestScoreKeepsHigherScoredOccurrence(t *testing.T) {
	results := []StepResult{
		{StepID: "a", Hits: []search.Hit{
			{ID: "x", Score: scorePtr(0.2)},
			{ID: "y", Score: scorePtr(0.9)},
		}},
		{StepID: "b", Hits: []search.Hit{
			{ID: "x", Score: scorePtr(0.7)},
		}},
	}
	merged := Merge(results, MergeBestScorePolicy)
	if !sameIDs(merged, "y", "x") {
		t.Fatalf("unexpected order: %v", hitIDs(merged))
	}
	if *merged[1].Score != 0.7 {
		t.Fatalf("expected best occurrence of x (0.7), got %v", *merged[1].Score)
	}
}

func TestMergeBestScoreScoredBeatsUnscored(t *testing.T) {
	results := []StepResult{
		{StepID: "a", Hits: []search.Hit{{ID: "x"}}},
		{StepID: "b", Hits: []search.Hit{{ID: "x", Score: scorePtr(-0.3)}}},
	}
	merged := Merge(results, MergeBestScorePolicy)
	if len(merged) != 1 {
		t.Fatalf("expected one hit, got %d", len(merged))
	}
	if merged[0].Score == nil || *merged[0].Score != -0.3 {
		t.Fatalf("expected the scored occurrence to win, got %+v", merged[0])
	}
}

func TestMergeBestScoreUnscoredSortLast(t *testing.T) {
	results := []StepResult{
		{StepID: "a", Hits: []search.Hit{
			{ID: "plain"},
			{ID: "ranked", Score: scorePtr(0.1)},
		}},
	}
	merged := Merge(results, MergeBestScorePolicy)
	if !sameIDs(merged, "ranked", "plain") {
		t.Fatalf("unexpected order: %v", hitIDs(merged))
	}
}

func TestMergeEmptyInput(t *testing.T) {
	if got := Merge(nil, MergeRoundRobinPolicy); len(got) != 0 {
		t.Fatalf("expected no hits, got %v", hitIDs(got))
	}
	if got := Merge([]StepResult{{StepID: "a"}}, MergeBestScorePolicy); len(got) != 0 {
		t.Fatalf("expected no hits, got %v", hitIDs(got))
	}
}

func TestMergeUnknownPolicyFallsBackToRoundRobin(t *testing.T) {
	results := []StepResult{
		stepHits("a", "a1"),
		stepHits("b", "b1"),
	}
	merged := Merge(results, MergePolicy("bogus"))
	if !sameIDs(merged, "a1", "b1") {
		t.Fatalf("unexpected order: %v", hitIDs(merged))
	}
}
