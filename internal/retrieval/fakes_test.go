package retrieval

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/seeker/internal/search"
)

// fakeBackend is a scriptable search.Backend for unit tests. Pages are
// served in order for every request; side documents are recorded in memory.
type fakeBackend struct {
	mu sync.Mutex

	fields    map[string]string
	fieldsErr error

	pages     []search.Page
	searchErr error
	nextErr   error

	requests []search.Request
	released []string
	stored   [][]string

	pageIdx int
}

func (f *fakeBackend) Fields(ctx context.Context) (map[string]string, error) {
	if f.fieldsErr != nil {
		return nil, f.fieldsErr
	}
	return f.fields, nil
}

func (f *fakeBackend) Search(ctx context.Context, req search.Request, keepAlive time.Duration) (search.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.searchErr != nil {
		return search.Page{}, f.searchErr
	}
	if len(f.pages) == 0 {
		return search.Page{Cursor: "cur-1"}, nil
	}
	f.pageIdx = 1
	return f.pages[0], nil
}

func (f *fakeBackend) Continue(ctx context.Context, cursor string, keepAlive time.Duration) (search.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return search.Page{}, f.nextErr
	}
	if f.pageIdx >= len(f.pages) {
		return search.Page{Cursor: cursor}, nil
	}
	p := f.pages[f.pageIdx]
	f.pageIdx++
	return p, nil
}

func (f *fakeBackend) Release(ctx context.Context, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, cursor)
	return nil
}

func (f *fakeBackend) StoreIDSet(ctx context.Context, values []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, values)
	return fmt.Sprintf("side-%d", len(f.stored)), nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func scorePtr(v float64) *float64 { return &v }

func hitIDs(hits []search.Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.ID)
	}
	return out
}

func sameIDs(got []search.Hit, want ...string) bool {
	ids := hitIDs(got)
	if len(ids) != len(want) {
		return false
	}
	for i := range ids {
		if ids[i] != want[i] {
			return false
		}
	}
	return true
}

func fixedEmbed(vec []float32) EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return vec, nil
	}
}
