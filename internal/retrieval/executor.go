package retrieval

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/seeker/internal/search"
	"github.com/mohammad-safakhou/seeker/internal/telemetry"
)

// Executor runs one materialized request to completion: it scrolls the
// backend cursor until a batch comes back empty, so a step returns every
// matching record and not just the first page.
type Executor struct {
	backend   search.Backend
	cursorTTL time.Duration
	minScore  float64
	logger    *log.Logger
}

// NewExecutor builds an executor. minScore <= 0 disables the score
// post-filter; hits without a score always pass it regardless.
func NewExecutor(backend search.Backend, cursorTTL time.Duration, minScore float64, logger *log.Logger) *Executor {
	if cursorTTL <= 0 {
		cursorTTL = time.Minute
	}
	return &Executor{backend: backend, cursorTTL: cursorTTL, minScore: minScore, logger: logger}
}

// Collect returns all hits for the request plus any aggregations from the
// first page. A failed initial request yields an empty hit list and the
// error; a cursor lost mid-scroll yields whatever was collected so far with
// no error. The cursor is released on every exit path.
func (e *Executor) Collect(ctx context.Context, req search.Request) ([]search.Hit, map[string]interface{}, error) {
	searchCtx, cancel := context.WithTimeout(ctx, e.cursorTTL)
	page, err := e.backend.Search(searchCtx, req, e.cursorTTL)
	cancel()
	if err != nil {
		return nil, nil, err
	}

	cursor := page.Cursor
	defer func() {
		if cursor == "" {
			return
		}
		// release must succeed even when the caller's context is already
		// cancelled, so it gets its own deadline
		relCtx, relCancel := context.WithTimeout(context.Background(), e.cursorTTL)
		defer relCancel()
		if err := e.backend.Release(relCtx, cursor); err != nil {
			e.logger.Printf("warn: releasing cursor: %v", err)
		}
	}()

	aggs := page.Aggregations
	hits := e.postFilter(page.Hits)
	telemetry.RecordScrollPage(ctx)

	for len(page.Hits) > 0 && cursor != "" {
		if ctx.Err() != nil {
			return hits, aggs, ctx.Err()
		}
		scrollCtx, scrollCancel := context.WithTimeout(ctx, e.cursorTTL)
		page, err = e.backend.Continue(scrollCtx, cursor, e.cursorTTL)
		scrollCancel()
		if err != nil {
			// expired or lost cursor: keep the partial result
			e.logger.Printf("warn: cursor fetch stopped early: %v", err)
			return hits, aggs, nil
		}
		if page.Cursor != "" {
			cursor = page.Cursor
		}
		if len(page.Hits) > 0 {
			hits = append(hits, e.postFilter(page.Hits)...)
			telemetry.RecordScrollPage(ctx)
		}
	}
	return hits, aggs, nil
}

func (e *Executor) postFilter(hits []search.Hit) []search.Hit {
	if e.minScore <= 0 {
		return hits
	}
	out := hits[:0:0]
	for _, h := range hits {
		if h.Score != nil && *h.Score < e.minScore {
			continue
		}
		out = append(out, h)
	}
	return out
}
