package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mohammad-safakhou/seeker/internal/search"
)

func pageOf(cursor string, n, offset int) search.Page {
	p := search.Page{Cursor: cursor}
	for i := 0; i < n; i++ {
		p.Hits = append(p.Hits, search.Hit{ID: fmt.Sprintf("doc-%d", offset+i)})
	}
	return p
}

func TestCollectDrainsEveryPage(t *testing.T) {
	backend := &fakeBackend{
		pages: []search.Page{
			pageOf("cur-1", 100, 0),
			pageOf("cur-1", 100, 100),
			pageOf("cur-1", 37, 200),
			{Cursor: "cur-1"},
		},
	}
	e := NewExecutor(backend, time.Minute, 0, testLogger())

	hits, _, err := e.Collect(context.Background(), search.Request{Index: "docs"})
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(hits) != 237 {
		t.Fatalf("expected 237 hits, got %d", len(hits))
	}
	if hits[0].ID != "doc-0" || hits[236].ID != "doc-236" {
		t.Fatalf("hits out of order: first %s last %s", hits[0].ID, hits[236].ID)
	}
	if len(backend.released) != 1 || backend.released[0] != "cur-1" {
		t.Fatalf("cursor not released: %v", backend.released)
	}
}

func TestCollectSearchErrorPropagates(t *testing.T) {
	backend := &fakeBackend{searchErr: errors.New("index unavailable")}
	e := NewExecutor(backend, time.Minute, 0, testLogger())

	_, _, err := e.Collect(context.Background(), search.Request{Index: "docs"})
	if err == nil {
		t.Fatal("expected error from failed initial search")
	}
	if len(backend.released) != 0 {
		t.Fatalf("no cursor to release, got %v", backend.released)
	}
}

func TestCollectLostCursorKeepsPartialResult(t *testing.T) {
	backend := &fakeBackend{
		pages:   []search.Page{pageOf("cur-1", 10, 0)},
		nextErr: errors.New("cursor not found"),
	}
	e := NewExecutor(backend, time.Minute, 0, testLogger())

	hits, _, err := e.Collect(context.Background(), search.Request{Index: "docs"})
	if err != nil {
		t.Fatalf("lost cursor must not fail the step: %v", err)
	}
	if len(hits) != 10 {
		t.Fatalf("expected the partial result, got %d hits", len(hits))
	}
	if len(backend.released) != 1 {
		t.Fatalf("cursor should still be released, got %v", backend.released)
	}
}

func TestCollectMinScoreFilter(t *testing.T) {
	backend := &fakeBackend{
		pages: []search.Page{
			{Cursor: "cur-1", Hits: []search.Hit{
				{ID: "high", Score: scorePtr(0.9)},
				{ID: "low", Score: scorePtr(0.1)},
				{ID: "unscored"},
			}},
			{Cursor: "cur-1"},
		},
	}
	e := NewExecutor(backend, time.Minute, 0.5, testLogger())

	hits, _, err := e.Collect(context.Background(), search.Request{Index: "docs"})
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if !sameIDs(hits, "high", "unscored") {
		t.Fatalf("unexpected filtered hits: %v", hitIDs(hits))
	}
}

func TestCollectZeroMinScoreDisablesFilter(t *testing.T) {
	backend := &fakeBackend{
		pages: []search.Page{
			{Cursor: "cur-1", Hits: []search.Hit{{ID: "neg", Score: scorePtr(-0.4)}}},
			{Cursor: "cur-1"},
		},
	}
	e := NewExecutor(backend, time.Minute, 0, testLogger())

	hits, _, err := e.Collect(context.Background(), search.Request{Index: "docs"})
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("negative-score hit should pass with filter disabled, got %v", hitIDs(hits))
	}
}

func TestCollectAggregationsFromFirstPage(t *testing.T) {
	backend := &fakeBackend{
		pages: []search.Page{
			{Cursor: "cur-1", Hits: []search.Hit{{ID: "a"}},
				Aggregations: map[string]interface{}{"by_year": "buckets"}},
			{Cursor: "cur-1"},
		},
	}
	e := NewExecutor(backend, time.Minute, 0, testLogger())

	_, aggs, err := e.Collect(context.Background(), search.Request{Index: "docs"})
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if aggs["by_year"] != "buckets" {
		t.Fatalf("aggregations lost: %v", aggs)
	}
}
