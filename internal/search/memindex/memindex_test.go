package memindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammad-safakhou/seeker/internal/search"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New(nil)
	if err != nil {
		t.Fatalf("creating index: %v", err)
	}
	return idx
}

func seedDocs(t *testing.T, idx *Index) {
	t.Helper()
	docs := []Document{
		{ID: "d1", Fields: map[string]interface{}{"title": "quarterly earnings report", "status": "published", "doc_id": "d1"}, Vector: []float32{1, 0, 0}},
		{ID: "d2", Fields: map[string]interface{}{"title": "annual earnings summary", "status": "draft", "doc_id": "d2"}, Vector: []float32{0.9, 0.1, 0}},
		{ID: "d3", Fields: map[string]interface{}{"title": "hiring roadmap", "status": "published", "doc_id": "d3"}, Vector: []float32{0, 1, 0}},
	}
	for _, d := range docs {
		if err := idx.Add(d); err != nil {
			t.Fatalf("adding %s: %v", d.ID, err)
		}
	}
}

func collectAll(t *testing.T, idx *Index, body map[string]interface{}, size int) []search.Hit {
	t.Helper()
	page, err := idx.Search(context.Background(), search.Request{Index: "docs", Body: body, Size: size}, time.Minute)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	hits := append([]search.Hit(nil), page.Hits...)
	for len(page.Hits) > 0 && page.Cursor != "" {
		page, err = idx.Continue(context.Background(), page.Cursor, time.Minute)
		if err != nil {
			t.Fatalf("continue: %v", err)
		}
		hits = append(hits, page.Hits...)
	}
	return hits
}

func TestFieldsGrowWithCorpus(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	fields, err := idx.Fields(context.Background())
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	if fields["title"] != "text" || fields["embedding"] != "dense_vector" {
		t.Fatalf("unexpected schema: %v", fields)
	}
}

func TestTermQuery(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	hits := collectAll(t, idx, map[string]interface{}{
		"query": map[string]interface{}{"term": map[string]interface{}{"status": "published"}},
	}, 10)
	if len(hits) != 2 {
		t.Fatalf("expected 2 published docs, got %d", len(hits))
	}
}

func TestMatchQueryScoresHits(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	hits := collectAll(t, idx, map[string]interface{}{
		"query": map[string]interface{}{"match": map[string]interface{}{"title": "earnings"}},
	}, 10)
	if len(hits) != 2 {
		t.Fatalf("expected 2 earnings docs, got %d", len(hits))
	}
	for _, h := range hits {
		if h.Score == nil {
			t.Fatalf("full-text match must carry a score: %+v", h)
		}
	}
}

func TestKnnRanksByCosine(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	hits := collectAll(t, idx, map[string]interface{}{
		"knn": map[string]interface{}{
			"field":        "embedding",
			"query_vector": []float32{1, 0, 0},
			"k":            float64(2),
		},
	}, 10)
	if len(hits) != 2 {
		t.Fatalf("expected k=2 hits, got %d", len(hits))
	}
	if hits[0].ID != "d1" || hits[1].ID != "d2" {
		t.Fatalf("cosine order wrong: %s, %s", hits[0].ID, hits[1].ID)
	}
	if hits[0].Score == nil || hits[1].Score == nil || *hits[0].Score <= *hits[1].Score {
		t.Fatal("knn hits must be score-ordered")
	}
}

func TestKnnWithFilterQuery(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	hits := collectAll(t, idx, map[string]interface{}{
		"query": map[string]interface{}{"term": map[string]interface{}{"status": "published"}},
		"knn": map[string]interface{}{
			"field":        "embedding",
			"query_vector": []float32{1, 0, 0},
			"k":            float64(10),
		},
	}, 10)
	for _, h := range hits {
		if h.Fields["status"] != "published" {
			t.Fatalf("filter not applied before knn: %+v", h)
		}
	}
	if len(hits) != 2 {
		t.Fatalf("expected the 2 published docs, got %d", len(hits))
	}
}

func TestTermsLookupViaSideDocument(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	docID, err := idx.StoreIDSet(context.Background(), []string{"d1", "d3"})
	if err != nil {
		t.Fatalf("store id set: %v", err)
	}
	ref := search.LookupRef{Index: "lookups", ID: docID, Path: search.LookupPath}
	hits := collectAll(t, idx, map[string]interface{}{
		"query": map[string]interface{}{"terms": map[string]interface{}{"doc_id": ref.AsBody()}},
	}, 10)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits via lookup, got %d", len(hits))
	}
}

func TestBoolFilterEmptyClauseYieldsNothing(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	// a filter clause matching zero documents must pin the whole
	// conjunction to zero, even when it comes first
	hits := collectAll(t, idx, map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"terms": map[string]interface{}{"doc_id": []interface{}{"no-such-id"}}},
					map[string]interface{}{"term": map[string]interface{}{"status": "published"}},
				},
			},
		},
	}, 10)
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}

func TestBoolFilterConjunctionIntersects(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	hits := collectAll(t, idx, map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"terms": map[string]interface{}{"doc_id": []interface{}{"d1", "d2"}}},
					map[string]interface{}{"term": map[string]interface{}{"status": "published"}},
				},
			},
		},
	}, 10)
	if len(hits) != 1 || hits[0].ID != "d1" {
		t.Fatalf("expected only d1, got %+v", hits)
	}
}

func TestCursorPagination(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	page, err := idx.Search(context.Background(), search.Request{
		Body: map[string]interface{}{"query": map[string]interface{}{"match_all": map[string]interface{}{}}},
		Size: 2,
	}, time.Minute)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Hits) != 2 {
		t.Fatalf("expected first page of 2, got %d", len(page.Hits))
	}
	page, err = idx.Continue(context.Background(), page.Cursor, time.Minute)
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if len(page.Hits) != 1 {
		t.Fatalf("expected final page of 1, got %d", len(page.Hits))
	}
	if err := idx.Release(context.Background(), page.Cursor); err != nil {
		t.Fatalf("release: %v", err)
	}
	if idx.OpenCursors() != 0 {
		t.Fatalf("cursor leaked: %d open", idx.OpenCursors())
	}
}

func TestCursorExpiry(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	now := time.Now()
	idx.now = func() time.Time { return now }

	page, err := idx.Search(context.Background(), search.Request{
		Body: map[string]interface{}{"query": map[string]interface{}{"match_all": map[string]interface{}{}}},
		Size: 1,
	}, time.Second)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := idx.Continue(context.Background(), page.Cursor, time.Second); err != ErrCursorExpired {
		t.Fatalf("expected ErrCursorExpired, got %v", err)
	}
}

func TestAggregations(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	page, err := idx.Search(context.Background(), search.Request{
		Body: map[string]interface{}{
			"query": map[string]interface{}{"match_all": map[string]interface{}{}},
			"aggs": map[string]interface{}{
				"by_status": map[string]interface{}{"terms": map[string]interface{}{"field": "status"}},
			},
		},
		Size: 10,
	}, time.Minute)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	agg, ok := page.Aggregations["by_status"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing aggregation: %v", page.Aggregations)
	}
	buckets := agg["buckets"].([]interface{})
	if len(buckets) != 2 {
		t.Fatalf("expected 2 status buckets, got %v", buckets)
	}
	top := buckets[0].(map[string]interface{})
	if top["key"] != "published" || top["doc_count"] != 2 {
		t.Fatalf("unexpected top bucket: %v", top)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.jsonl")
	content := `{"id": "a", "title": "first", "embedding": [1, 0]}
{"id": "b", "title": "second"}

{"id": "c", "title": "third", "embedding": [0, 1]}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing corpus: %v", err)
	}

	idx := newTestIndex(t)
	n, err := idx.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 documents, got %d", n)
	}
	hits := collectAll(t, idx, map[string]interface{}{
		"query": map[string]interface{}{"match": map[string]interface{}{"title": "second"}},
	}, 10)
	if len(hits) != 1 || hits[0].ID != "b" {
		t.Fatalf("loaded doc not searchable: %v", hits)
	}
}

func TestUnsupportedOperatorRejected(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	_, err := idx.Search(context.Background(), search.Request{
		Body: map[string]interface{}{"query": map[string]interface{}{"fuzzy": map[string]interface{}{"title": "x"}}},
	}, time.Minute)
	if err == nil {
		t.Fatal("expected unsupported operator error")
	}
}
