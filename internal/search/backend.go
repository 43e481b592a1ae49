// Package search defines the contract between the retrieval engine and a
// cursor-capable document search backend, plus the two implementations the
// engine ships with: an Elasticsearch-style HTTP client and an in-process
// bleve-backed index for local mode and tests.
package search

import (
	"context"
	"time"
)

// Hit is one matching record returned by the backend. Score is nil for pure
// filter matches that carry no relevance ranking.
type Hit struct {
	ID     string                 `json:"id"`
	Score  *float64               `json:"score,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Request is one concrete, fully materialized search request.
type Request struct {
	Index string
	Body  map[string]interface{}
	Size  int
}

// Page is one batch of results plus the cursor handle for the next batch.
// An empty Hits slice with an empty Cursor means the scan is complete.
type Page struct {
	Hits         []Hit
	Cursor       string
	Aggregations map[string]interface{}
}

// Backend is the search engine surface the retrieval core needs: schema
// introspection, cursor-based exhaustive search, and a write path used only
// to persist large identifier sets for indirect terms lookup.
type Backend interface {
	// Fields returns the known field names of the index mapped to their types.
	Fields(ctx context.Context) (map[string]string, error)

	// Search opens a server-side cursor with the given keep-alive and returns
	// the first page. The cursor TTL is refreshed by every Continue call.
	Search(ctx context.Context, req Request, keepAlive time.Duration) (Page, error)

	// Continue fetches the next page for an open cursor.
	Continue(ctx context.Context, cursor string, keepAlive time.Duration) (Page, error)

	// Release frees the server-side cursor. Safe to call with an empty cursor.
	Release(ctx context.Context, cursor string) error

	// StoreIDSet persists a set of identifier values as a side document and
	// returns its ID, for terms-lookup style filters that must not inline
	// arbitrarily large value lists.
	StoreIDSet(ctx context.Context, values []string) (string, error)
}

// LookupRef is the indirect form a terms filter takes once an ID set has been
// persisted as a side document: the backend resolves Path inside document ID
// in the lookup index at query time.
type LookupRef struct {
	Index string `json:"index"`
	ID    string `json:"id"`
	Path  string `json:"path"`
}

// LookupPath is the field the ID set is stored under in the side document.
const LookupPath = "ids"

// AsBody converts the reference into the neutral map form query templates use.
func (r LookupRef) AsBody() map[string]interface{} {
	return map[string]interface{}{
		"index": r.Index,
		"id":    r.ID,
		"path":  r.Path,
	}
}

// LookupRefFromBody recognises the indirect terms form inside a template.
func LookupRefFromBody(v interface{}) (LookupRef, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return LookupRef{}, false
	}
	id, _ := m["id"].(string)
	path, _ := m["path"].(string)
	index, _ := m["index"].(string)
	if id == "" || path == "" {
		return LookupRef{}, false
	}
	return LookupRef{Index: index, ID: id, Path: path}, true
}
