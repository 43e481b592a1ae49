// Package memindex is an in-process implementation of the search backend:
// a bleve keyword index plus a brute-force vector scan over in-memory
// embeddings. It backs local mode and the engine's tests, and implements the
// same cursor discipline as the remote backend, including TTL expiry.
package memindex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/google/uuid"

	"github.com/mohammad-safakhou/seeker/internal/search"
)

// ErrCursorExpired is returned by Continue once a cursor's TTL has lapsed.
var ErrCursorExpired = fmt.Errorf("cursor expired")

// Document is one indexed record.
type Document struct {
	ID     string
	Fields map[string]interface{}
	Vector []float32
}

type cursor struct {
	hits      []search.Hit
	aggs      map[string]interface{}
	offset    int
	pageSize  int
	expiresAt time.Time
}

// Index is an in-memory Backend implementation.
type Index struct {
	mu       sync.RWMutex
	keyword  bleve.Index
	docs     map[string]Document
	order    []string
	schema   map[string]string
	sideDocs map[string][]string
	cursors  map[string]*cursor
	now      func() time.Time
}

// New creates an empty index. The field schema grows as documents are added;
// seed fields may be supplied up front so validation passes before ingestion.
func New(seedFields map[string]string) (*Index, error) {
	kw, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating keyword index: %w", err)
	}
	schema := map[string]string{}
	for k, v := range seedFields {
		schema[k] = v
	}
	return &Index{
		keyword:  kw,
		docs:     make(map[string]Document),
		schema:   schema,
		sideDocs: make(map[string][]string),
		cursors:  make(map[string]*cursor),
		now:      time.Now,
	}, nil
}

// Add indexes one document.
func (x *Index) Add(doc Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.docs[doc.ID]; !exists {
		x.order = append(x.order, doc.ID)
	}
	x.docs[doc.ID] = doc
	for name, v := range doc.Fields {
		if _, known := x.schema[name]; !known {
			x.schema[name] = inferType(v)
		}
	}
	if doc.Vector != nil {
		x.schema["embedding"] = "dense_vector"
	}
	return x.keyword.Index(doc.ID, doc.Fields)
}

// LoadFile ingests a JSON-lines corpus: one object per line, with "id" and
// optional "embedding" keys, everything else treated as document fields.
func (x *Index) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return count, fmt.Errorf("line %d: %w", count+1, err)
		}
		doc := Document{Fields: map[string]interface{}{}}
		for k, v := range raw {
			switch k {
			case "id":
				doc.ID, _ = v.(string)
			case "embedding":
				doc.Vector = toVector(v)
			default:
				doc.Fields[k] = v
			}
		}
		if err := x.Add(doc); err != nil {
			return count, err
		}
		count++
	}
	return count, scanner.Err()
}

// Fields implements search.Backend.
func (x *Index) Fields(ctx context.Context) (map[string]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]string, len(x.schema))
	for k, v := range x.schema {
		out[k] = v
	}
	return out, nil
}

// Search implements search.Backend: evaluates the request body against the
// corpus, snapshots the full ordered result, and hands back the first page
// plus a cursor over the remainder.
func (x *Index) Search(ctx context.Context, req search.Request, keepAlive time.Duration) (search.Page, error) {
	hits, aggs, err := x.evaluate(req.Body)
	if err != nil {
		return search.Page{}, err
	}
	pageSize := req.Size
	if pageSize <= 0 {
		pageSize = len(hits)
	}
	cur := &cursor{hits: hits, aggs: aggs, pageSize: pageSize, expiresAt: x.now().Add(keepAlive)}
	id := uuid.NewString()
	x.mu.Lock()
	x.cursors[id] = cur
	x.mu.Unlock()
	return x.advance(id, cur, keepAlive), nil
}

// Continue implements search.Backend.
func (x *Index) Continue(ctx context.Context, cursorID string, keepAlive time.Duration) (search.Page, error) {
	x.mu.Lock()
	cur, ok := x.cursors[cursorID]
	x.mu.Unlock()
	if !ok {
		return search.Page{}, ErrCursorExpired
	}
	if x.now().After(cur.expiresAt) {
		x.mu.Lock()
		delete(x.cursors, cursorID)
		x.mu.Unlock()
		return search.Page{}, ErrCursorExpired
	}
	return x.advance(cursorID, cur, keepAlive), nil
}

// Release implements search.Backend.
func (x *Index) Release(ctx context.Context, cursorID string) error {
	if cursorID == "" {
		return nil
	}
	x.mu.Lock()
	delete(x.cursors, cursorID)
	x.mu.Unlock()
	return nil
}

// StoreIDSet implements search.Backend.
func (x *Index) StoreIDSet(ctx context.Context, values []string) (string, error) {
	id := uuid.NewString()
	cp := make([]string, len(values))
	copy(cp, values)
	x.mu.Lock()
	x.sideDocs[id] = cp
	x.mu.Unlock()
	return id, nil
}

// OpenCursors reports how many cursors are currently held, for tests.
func (x *Index) OpenCursors() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.cursors)
}

func (x *Index) advance(id string, cur *cursor, keepAlive time.Duration) search.Page {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur.expiresAt = x.now().Add(keepAlive)
	page := search.Page{Cursor: id, Aggregations: cur.aggs}
	cur.aggs = nil // aggregations ship on the first page only
	end := cur.offset + cur.pageSize
	if end > len(cur.hits) {
		end = len(cur.hits)
	}
	page.Hits = cur.hits[cur.offset:end]
	cur.offset = end
	return page
}

// evaluate interprets the neutral request body: an optional "knn" clause, an
// optional "query" clause and optional "aggs".
func (x *Index) evaluate(body map[string]interface{}) ([]search.Hit, map[string]interface{}, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var allowed map[string]bool
	scores := map[string]*float64{}

	if q, ok := body["query"].(map[string]interface{}); ok {
		matched, matchScores, err := x.matchQuery(q)
		if err != nil {
			return nil, nil, err
		}
		allowed = matched
		for id, s := range matchScores {
			scores[id] = s
		}
	}

	if knnRaw, ok := body["knn"].(map[string]interface{}); ok {
		vec := toVector(knnRaw["query_vector"])
		if vec == nil {
			return nil, nil, fmt.Errorf("knn clause missing query_vector")
		}
		k := len(x.order)
		if kv, ok := knnRaw["k"].(float64); ok && int(kv) > 0 {
			k = int(kv)
		}
		type scored struct {
			id    string
			score float64
		}
		var ranked []scored
		for _, id := range x.order {
			if allowed != nil && !allowed[id] {
				continue
			}
			doc := x.docs[id]
			if doc.Vector == nil {
				continue
			}
			ranked = append(ranked, scored{id: id, score: cosine(vec, doc.Vector)})
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		if len(ranked) > k {
			ranked = ranked[:k]
		}
		allowed = map[string]bool{}
		for _, r := range ranked {
			allowed[r.id] = true
			s := r.score
			scores[r.id] = &s
		}
	}

	var hits []search.Hit
	for _, id := range x.order {
		if allowed == nil {
			if _, hasQ := body["query"]; !hasQ {
				if _, hasK := body["knn"]; !hasK {
					// match-all request
					hits = append(hits, search.Hit{ID: id, Fields: x.docs[id].Fields})
					continue
				}
			}
			continue
		}
		if allowed[id] {
			hits = append(hits, search.Hit{ID: id, Score: scores[id], Fields: x.docs[id].Fields})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		si, sj := hits[i].Score, hits[j].Score
		if si == nil && sj == nil {
			return false
		}
		if si == nil {
			return false
		}
		if sj == nil {
			return true
		}
		return *si > *sj
	})

	var aggs map[string]interface{}
	if aggsRaw, ok := body["aggs"].(map[string]interface{}); ok {
		aggs = x.runAggs(aggsRaw, hits)
	}
	return hits, aggs, nil
}

// matchQuery evaluates a query clause and returns the matching doc IDs plus
// relevance scores for full-text matches. Filter-style clauses score nil.
func (x *Index) matchQuery(q map[string]interface{}) (map[string]bool, map[string]*float64, error) {
	matched := map[string]bool{}
	scores := map[string]*float64{}

	for op, raw := range q {
		clause, _ := raw.(map[string]interface{})
		switch op {
		case "term":
			for field, want := range clause {
				for _, id := range x.order {
					if fieldEquals(x.docs[id].Fields, rootField(field), want) {
						matched[id] = true
					}
				}
			}
		case "terms":
			for field, want := range clause {
				values, err := x.termsValues(want)
				if err != nil {
					return nil, nil, err
				}
				set := map[string]bool{}
				for _, v := range values {
					set[v] = true
				}
				for _, id := range x.order {
					if v, ok := x.docs[id].Fields[rootField(field)]; ok && set[stringify(v)] {
						matched[id] = true
					}
				}
			}
		case "match":
			for field, want := range clause {
				mq := bleve.NewMatchQuery(stringify(want))
				mq.SetField(rootField(field))
				req := bleve.NewSearchRequestOptions(mq, len(x.order)+1, 0, false)
				res, err := x.keyword.Search(req)
				if err != nil {
					return nil, nil, fmt.Errorf("keyword search: %w", err)
				}
				for _, h := range res.Hits {
					matched[h.ID] = true
					s := h.Score
					scores[h.ID] = &s
				}
			}
		case "bool":
			// supports the "must"/"filter" conjunction shape only
			boolMatched := map[string]bool{}
			boolScores := map[string]*float64{}
			seeded := false
			for _, key := range []string{"must", "filter"} {
				subs, _ := clause[key].([]interface{})
				for _, sub := range subs {
					subQ, _ := sub.(map[string]interface{})
					subMatched, subScores, err := x.matchQuery(subQ)
					if err != nil {
						return nil, nil, err
					}
					// an empty first clause must pin the conjunction to
					// empty, so seeding is tracked apart from len()
					if !seeded {
						seeded = true
						boolMatched = subMatched
						boolScores = subScores
						continue
					}
					for id := range boolMatched {
						if !subMatched[id] {
							delete(boolMatched, id)
							delete(boolScores, id)
						}
					}
				}
			}
			for id := range boolMatched {
				matched[id] = true
				if s, ok := boolScores[id]; ok {
					scores[id] = s
				}
			}
		case "match_all":
			for _, id := range x.order {
				matched[id] = true
			}
		default:
			return nil, nil, fmt.Errorf("unsupported query operator %q", op)
		}
	}
	return matched, scores, nil
}

// termsValues resolves a terms clause value: either an inline list or an
// indirect side-document lookup reference.
func (x *Index) termsValues(v interface{}) ([]string, error) {
	if list, ok := v.([]interface{}); ok {
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, stringify(item))
		}
		return out, nil
	}
	if list, ok := v.([]string); ok {
		return list, nil
	}
	if ref, ok := search.LookupRefFromBody(v); ok {
		values, exists := x.sideDocs[ref.ID]
		if !exists {
			return nil, fmt.Errorf("lookup document %s not found", ref.ID)
		}
		return values, nil
	}
	return nil, fmt.Errorf("unsupported terms value %T", v)
}

func (x *Index) runAggs(aggsRaw map[string]interface{}, hits []search.Hit) map[string]interface{} {
	out := map[string]interface{}{}
	for name, raw := range aggsRaw {
		spec, _ := raw.(map[string]interface{})
		termsSpec, _ := spec["terms"].(map[string]interface{})
		field, _ := termsSpec["field"].(string)
		if field == "" {
			continue
		}
		counts := map[string]int{}
		var keys []string
		for _, h := range hits {
			if v, ok := h.Fields[rootField(field)]; ok {
				key := stringify(v)
				if counts[key] == 0 {
					keys = append(keys, key)
				}
				counts[key]++
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			if counts[keys[i]] == counts[keys[j]] {
				return keys[i] < keys[j]
			}
			return counts[keys[i]] > counts[keys[j]]
		})
		buckets := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			buckets = append(buckets, map[string]interface{}{"key": k, "doc_count": counts[k]})
		}
		out[name] = map[string]interface{}{"buckets": buckets}
	}
	return out
}

func fieldEquals(fields map[string]interface{}, field string, want interface{}) bool {
	v, ok := fields[field]
	if !ok {
		return false
	}
	return stringify(v) == stringify(want)
}

func rootField(field string) string {
	if i := strings.IndexByte(field, '.'); i >= 0 {
		return field[:i]
	}
	return field
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return fmt.Sprintf("%.0f", t)
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func inferType(v interface{}) string {
	switch v.(type) {
	case string:
		return "text"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}

func toVector(v interface{}) []float32 {
	switch t := v.(type) {
	case []float32:
		return t
	case []interface{}:
		out := make([]float32, 0, len(t))
		for _, item := range t {
			f, ok := item.(float64)
			if !ok {
				return nil
			}
			out = append(out, float32(f))
		}
		return out
	default:
		return nil
	}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
