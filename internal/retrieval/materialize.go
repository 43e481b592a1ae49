package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/seeker/internal/planner"
	"github.com/mohammad-safakhou/seeker/internal/search"
)

// Materialization defects are step-scoped: the scheduler skips the step and
// records the cause, the attempt carries on.
var (
	ErrEmptyDependencySet = errors.New("dependency produced no propagated identifiers")
	ErrMissingDependency  = errors.New("dependency result missing")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
	ErrUnknownField       = errors.New("query references unknown field")
	ErrNoInjectionPoint   = errors.New("template has no placeholder for injected value")
	ErrUnboundPlaceholder = errors.New("template carries a placeholder with no bound value")
)

// Materializer converts a plan step into a concrete search request: embeds
// and injects the query vector, folds dependency identifiers into the filter
// (indirectly once the set is large), and validates field references against
// the backend schema.
type Materializer struct {
	backend       search.Backend
	cache         *embedCache
	embeddingDims int
	inlineLimit   int
	lookupIndex   string
	defaultLimit  int
	logger        *log.Logger
}

// NewMaterializer builds a materializer for one plan attempt. The embedding
// cache is owned by the attempt and must not be shared across requests.
func NewMaterializer(backend search.Backend, embed EmbedFunc, embeddingDims, inlineLimit, defaultLimit int, lookupIndex string, logger *log.Logger) *Materializer {
	return &Materializer{
		backend:       backend,
		cache:         newEmbedCache(embed),
		embeddingDims: embeddingDims,
		inlineLimit:   inlineLimit,
		lookupIndex:   lookupIndex,
		defaultLimit:  defaultLimit,
		logger:        logger,
	}
}

// Materialize returns a request ready for execution. Any returned error means
// the step must be skipped, never executed with ambiguous semantics.
// fields may be nil when schema introspection failed; validation is then
// skipped rather than rejecting every step.
func (m *Materializer) Materialize(ctx context.Context, step planner.Step, results map[string]StepResult, fields map[string]string) (search.Request, error) {
	body := interface{}(step.Template)

	// a placeholder with nothing to bind it must not reach the backend as a
	// literal string
	if len(step.DependsOn) == 0 {
		if _, count := replacePlaceholder(body, planner.IDSetPlaceholder, nil); count > 0 {
			return search.Request{}, fmt.Errorf("%w: %s", ErrUnboundPlaceholder, planner.IDSetPlaceholder)
		}
	}
	if !step.RequiresEmbedding {
		if _, count := replacePlaceholder(body, planner.EmbeddingPlaceholder, nil); count > 0 {
			return search.Request{}, fmt.Errorf("%w: %s", ErrUnboundPlaceholder, planner.EmbeddingPlaceholder)
		}
	}

	if len(step.DependsOn) > 0 {
		injected, err := m.dependencyValue(ctx, step, results)
		if err != nil {
			return search.Request{}, err
		}
		next, count := replacePlaceholder(body, planner.IDSetPlaceholder, injected)
		if count == 0 {
			return search.Request{}, fmt.Errorf("%w: %s", ErrNoInjectionPoint, planner.IDSetPlaceholder)
		}
		body = next
	}

	if step.RequiresEmbedding {
		vec, err := m.cache.Get(ctx, step.QueryText)
		if err != nil {
			return search.Request{}, fmt.Errorf("embedding %q: %w", step.QueryText, err)
		}
		if len(vec) != m.embeddingDims {
			return search.Request{}, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), m.embeddingDims)
		}
		next, count := replacePlaceholder(body, planner.EmbeddingPlaceholder, vec)
		if count == 0 {
			return search.Request{}, fmt.Errorf("%w: %s", ErrNoInjectionPoint, planner.EmbeddingPlaceholder)
		}
		body = next
	}

	finalBody, ok := body.(map[string]interface{})
	if !ok {
		return search.Request{}, fmt.Errorf("template is not an object")
	}

	if fields != nil {
		if err := m.validateFields(finalBody, fields); err != nil {
			return search.Request{}, err
		}
	}

	limit := step.ResultLimit
	if limit <= 0 {
		limit = m.defaultLimit
	}
	return search.Request{Body: finalBody, Size: limit}, nil
}

// dependencyValue gathers the propagated identifiers of every dependency into
// a deduplicated set and decides between inline injection and side-document
// indirection based on the configured threshold.
func (m *Materializer) dependencyValue(ctx context.Context, step planner.Step, results map[string]StepResult) (interface{}, error) {
	seen := map[string]bool{}
	var values []string
	for _, dep := range step.DependsOn {
		r, ok := results[dep]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingDependency, dep)
		}
		for _, hit := range r.Hits {
			v := propagatedValue(hit, step.PropagateField)
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w (steps %s)", ErrEmptyDependencySet, strings.Join(step.DependsOn, ","))
	}

	if len(values) > m.inlineLimit {
		docID, err := m.backend.StoreIDSet(ctx, values)
		if err != nil {
			return nil, fmt.Errorf("persisting id set: %w", err)
		}
		m.logger.Printf("step %s: %d ids exceed inline threshold %d, using lookup document %s", step.ID, len(values), m.inlineLimit, docID)
		return search.LookupRef{Index: m.lookupIndex, ID: docID, Path: search.LookupPath}.AsBody(), nil
	}

	inline := make([]interface{}, len(values))
	for i, v := range values {
		inline[i] = v
	}
	return inline, nil
}

// validateFields checks every leaf filter clause against the backend schema.
// Only the root of a dotted path is checked; sub-field qualifiers are the
// backend's business. Unknown fields reject the step (skip), the policy this
// engine applies consistently instead of demoting to a semantic fallback.
func (m *Materializer) validateFields(body map[string]interface{}, fields map[string]string) error {
	refs := map[string]bool{}
	collectFieldRefs(body, refs)
	for ref := range refs {
		root := ref
		if i := strings.IndexByte(root, '.'); i >= 0 {
			root = root[:i]
		}
		if strings.HasPrefix(root, "_") {
			continue // backend metadata fields such as _id
		}
		if _, known := fields[root]; !known {
			m.logger.Printf("warn: query references unknown field %q", ref)
			return fmt.Errorf("%w: %s", ErrUnknownField, ref)
		}
	}
	return nil
}

func propagatedValue(hit search.Hit, field string) string {
	if field == "" || field == "_id" {
		return hit.ID
	}
	v, ok := hit.Fields[field]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// embedCache memoizes embedding vectors per literal query text for one plan
// attempt. The per-entry once guarantees a distinct text is embedded exactly
// once even when steps of the same wave race for it.
type embedCache struct {
	mu      sync.Mutex
	entries map[string]*embedEntry
	embed   EmbedFunc
}

type embedEntry struct {
	once sync.Once
	vec  []float32
	err  error
}

func newEmbedCache(embed EmbedFunc) *embedCache {
	return &embedCache{entries: make(map[string]*embedEntry), embed: embed}
}

func (c *embedCache) Get(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	e, ok := c.entries[text]
	if !ok {
		e = &embedEntry{}
		c.entries[text] = e
	}
	c.mu.Unlock()
	e.once.Do(func() {
		e.vec, e.err = c.embed(ctx, text)
	})
	return e.vec, e.err
}
