package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/seeker/config"
)

// HTTPBackend talks to an Elasticsearch-compatible search API: scroll cursors
// for exhaustive retrieval, mapping introspection for field validation, and
// plain document writes for ID-set side documents.
type HTTPBackend struct {
	baseURL     string
	index       string
	lookupIndex string
	httpClient  *http.Client
}

// NewHTTPBackend creates a backend client from configuration.
func NewHTTPBackend(cfg config.SearchConfig) *HTTPBackend {
	return &HTTPBackend{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		index:       cfg.Index,
		lookupIndex: cfg.LookupIndex,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

// LookupIndex returns the index side documents are written to.
func (b *HTTPBackend) LookupIndex() string { return b.lookupIndex }

// Fields fetches the index mapping and flattens its properties into
// field name -> type.
func (b *HTTPBackend) Fields(ctx context.Context) (map[string]string, error) {
	var resp map[string]struct {
		Mappings struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"mappings"`
	}
	if err := b.do(ctx, "GET", fmt.Sprintf("%s/%s/_mapping", b.baseURL, b.index), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching mapping: %w", err)
	}
	fields := make(map[string]string)
	for _, idx := range resp {
		for name, raw := range idx.Mappings.Properties {
			var prop struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(raw, &prop); err != nil {
				continue
			}
			if prop.Type == "" {
				prop.Type = "object"
			}
			fields[name] = prop.Type
		}
	}
	return fields, nil
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []struct {
			ID     string                 `json:"_id"`
			Score  *float64               `json:"_score"`
			Source map[string]interface{} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]interface{} `json:"aggregations"`
}

// Search opens a scroll cursor and returns the first page.
func (b *HTTPBackend) Search(ctx context.Context, req Request, keepAlive time.Duration) (Page, error) {
	index := req.Index
	if index == "" {
		index = b.index
	}
	body := make(map[string]interface{}, len(req.Body)+1)
	for k, v := range req.Body {
		body[k] = v
	}
	if req.Size > 0 {
		body["size"] = req.Size
	}
	url := fmt.Sprintf("%s/%s/_search?scroll=%s", b.baseURL, index, scrollParam(keepAlive))
	var resp searchResponse
	if err := b.do(ctx, "POST", url, body, &resp); err != nil {
		return Page{}, err
	}
	return b.page(resp), nil
}

// Continue fetches the next scroll page, implicitly refreshing the cursor TTL.
func (b *HTTPBackend) Continue(ctx context.Context, cursor string, keepAlive time.Duration) (Page, error) {
	body := map[string]interface{}{
		"scroll":    scrollParam(keepAlive),
		"scroll_id": cursor,
	}
	var resp searchResponse
	if err := b.do(ctx, "POST", b.baseURL+"/_search/scroll", body, &resp); err != nil {
		return Page{}, err
	}
	return b.page(resp), nil
}

// Release deletes the scroll cursor server-side.
func (b *HTTPBackend) Release(ctx context.Context, cursor string) error {
	if cursor == "" {
		return nil
	}
	body := map[string]interface{}{"scroll_id": []string{cursor}}
	return b.do(ctx, "DELETE", b.baseURL+"/_search/scroll", body, nil)
}

// StoreIDSet writes the identifier set as a side document in the lookup index
// and returns the generated document ID.
func (b *HTTPBackend) StoreIDSet(ctx context.Context, values []string) (string, error) {
	id := uuid.NewString()
	body := map[string]interface{}{LookupPath: values}
	url := fmt.Sprintf("%s/%s/_doc/%s?refresh=true", b.baseURL, b.lookupIndex, id)
	if err := b.do(ctx, "PUT", url, body, nil); err != nil {
		return "", fmt.Errorf("storing id set: %w", err)
	}
	return id, nil
}

func (b *HTTPBackend) page(resp searchResponse) Page {
	p := Page{Cursor: resp.ScrollID, Aggregations: resp.Aggregations}
	for _, h := range resp.Hits.Hits {
		p.Hits = append(p.Hits, Hit{ID: h.ID, Score: h.Score, Fields: h.Source})
	}
	return p
}

func (b *HTTPBackend) do(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func scrollParam(keepAlive time.Duration) string {
	if keepAlive <= 0 {
		keepAlive = time.Minute
	}
	secs := int(keepAlive.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}
