package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Options carries the guard rails the repairer enforces.
type Options struct {
	MaxSteps       int
	DefaultLimit   int
	PropagateField string
}

// identifierPattern is the conservative token extractor used when a step is
// missing its query template: an alphanumeric run of length >= 3.
var identifierPattern = regexp.MustCompile(`[A-Za-z0-9]{3,}`)

// stepKeyAliases maps alternate spellings from oracle output onto the
// canonical step fields.
var stepKeyAliases = map[string]string{
	"id":                 "step_id",
	"stepid":             "step_id",
	"step_id":            "step_id",
	"purpose":            "purpose",
	"description":        "purpose",
	"requiresembedding":  "requires_embedding",
	"requires_embedding": "requires_embedding",
	"needs_embedding":    "requires_embedding",
	"dependson":          "depends_on",
	"depends_on":         "depends_on",
	"isfinal":            "is_final",
	"is_final":           "is_final",
	"querytemplate":      "query_template",
	"query_template":     "query_template",
	"template":           "query_template",
	"query_body":         "query_template",
	"querybody":          "query_template",
	"querytext":          "query_text",
	"query_text":         "query_text",
	"resultlimit":        "result_limit",
	"result_limit":       "result_limit",
	"limit":              "result_limit",
	"propagatefield":     "propagate_field",
	"propagate_field":    "propagate_field",
	"filterfield":        "filter_field",
	"filter_field":       "filter_field",
}

// Repair turns a raw oracle payload into a valid plan. It never fails: any
// input that cannot be salvaged collapses to the single-step semantic
// fallback so the loop always has something to execute.
func Repair(raw RawPlan, userQuery string, opts Options) Plan {
	steps := decodeSteps(raw)
	if len(steps) == 0 {
		return Plan{Steps: []Step{FallbackStep(userQuery, opts)}}
	}

	// guard rail: deterministic prefix-keep truncation
	if opts.MaxSteps > 0 && len(steps) > opts.MaxSteps {
		steps = steps[:opts.MaxSteps]
	}

	known := make(map[string]bool, len(steps))
	for i := range steps {
		repairStep(&steps[i], i, len(steps), userQuery, opts, known)
		known[steps[i].ID] = true
	}
	return Plan{Steps: steps}
}

// FallbackStep is the deterministic semantic-similarity step substituted for
// unusable plans: an embedding search with no filters.
func FallbackStep(userQuery string, opts Options) Step {
	limit := opts.DefaultLimit
	if limit <= 0 {
		limit = 10
	}
	return Step{
		ID:                "fallback",
		Purpose:           "semantic similarity over the original request",
		RequiresEmbedding: true,
		IsFinal:           true,
		QueryText:         userQuery,
		Template:          semanticTemplate(limit),
		ResultLimit:       limit,
	}
}

// decodeSteps tolerates the shapes oracles actually produce: a top-level
// array of steps, or an object wrapping one under "steps" or "plan".
// Non-object elements are dropped rather than failing the plan.
func decodeSteps(raw RawPlan) []Step {
	if len(raw) == 0 {
		return nil
	}
	var top interface{}
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil
	}

	var list []interface{}
	switch t := top.(type) {
	case []interface{}:
		list = t
	case map[string]interface{}:
		for _, key := range []string{"steps", "plan"} {
			if arr, ok := t[key].([]interface{}); ok {
				list = arr
				break
			}
		}
	}

	var steps []Step
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		steps = append(steps, decodeStep(m))
	}
	return steps
}

func decodeStep(m map[string]interface{}) Step {
	// canonical spellings win over aliases, and alias ties break on the
	// sorted key order, so resolution never depends on map iteration
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	canon := make(map[string]interface{}, len(m))
	for _, k := range keys {
		key := strings.ToLower(strings.TrimSpace(k))
		if stepKeyAliases[key] == key {
			canon[key] = m[k]
		}
	}
	for _, k := range keys {
		key := strings.ToLower(strings.TrimSpace(k))
		alias, ok := stepKeyAliases[key]
		if !ok || alias == key {
			continue
		}
		if _, taken := canon[alias]; !taken {
			canon[alias] = m[k]
		}
	}

	var s Step
	s.ID, _ = canon["step_id"].(string)
	if s.ID == "" {
		// oracles sometimes emit numeric IDs
		if f, ok := canon["step_id"].(float64); ok {
			s.ID = fmt.Sprintf("%.0f", f)
		}
	}
	s.Purpose, _ = canon["purpose"].(string)
	s.RequiresEmbedding, _ = canon["requires_embedding"].(bool)
	s.IsFinal, _ = canon["is_final"].(bool)
	s.QueryText, _ = canon["query_text"].(string)
	s.PropagateField, _ = canon["propagate_field"].(string)
	s.FilterField, _ = canon["filter_field"].(string)
	if tmpl, ok := canon["query_template"].(map[string]interface{}); ok {
		s.Template = tmpl
	}
	if deps, ok := canon["depends_on"].([]interface{}); ok {
		for _, d := range deps {
			if ds, ok := d.(string); ok {
				s.DependsOn = append(s.DependsOn, ds)
			} else if df, ok := d.(float64); ok {
				s.DependsOn = append(s.DependsOn, fmt.Sprintf("%.0f", df))
			}
		}
	}
	if lim, ok := canon["result_limit"].(float64); ok {
		s.ResultLimit = int(lim)
	}
	return s
}

// repairStep fills defaults and fixes the invariants of one step in place.
// known holds the IDs of earlier steps: depends_on may reference only those,
// which also rules out cycles.
func repairStep(s *Step, index, total int, userQuery string, opts Options, known map[string]bool) {
	if s.ID == "" {
		s.ID = fmt.Sprintf("step_%d", index+1)
	}
	if known[s.ID] {
		// a repeated ID would clobber the earlier step's result downstream
		base := s.ID
		for n := 2; ; n++ {
			s.ID = fmt.Sprintf("%s_%d", base, n)
			if !known[s.ID] {
				break
			}
		}
	}
	if s.ResultLimit <= 0 {
		s.ResultLimit = opts.DefaultLimit
	}
	if s.PropagateField == "" {
		s.PropagateField = opts.PropagateField
	}
	if s.FilterField == "" {
		s.FilterField = s.PropagateField
	}

	declared := len(s.DependsOn)
	var deps []string
	for _, d := range s.DependsOn {
		if d == s.ID || !known[d] {
			continue // self, forward, or unknown reference
		}
		deps = append(deps, d)
	}
	s.DependsOn = dedupe(deps)
	// a step whose every declared dependency was invalid must not run
	// unconstrained: mark it for the scheduler to skip
	if declared > 0 && len(s.DependsOn) == 0 {
		s.Unsatisfiable = true
	}

	if len(s.Template) == 0 {
		s.Template = fallbackTemplate(s, userQuery)
		if index == total-1 {
			s.IsFinal = true
		}
	}
	if s.RequiresEmbedding && s.QueryText == "" {
		if s.Purpose != "" {
			s.QueryText = s.Purpose
		} else {
			s.QueryText = userQuery
		}
	}
	if len(s.DependsOn) > 0 {
		ensureIDFilter(s)
	}
}

// fallbackTemplate synthesises a deterministic template for a step that came
// back without one: an exact-match filter when a plausible identifier token
// can be pulled from the purpose or the user text, else semantic similarity.
func fallbackTemplate(s *Step, userQuery string) map[string]interface{} {
	token := identifierPattern.FindString(s.Purpose)
	if token == "" {
		token = identifierPattern.FindString(userQuery)
	}
	if token != "" && !s.RequiresEmbedding {
		return map[string]interface{}{
			"query": map[string]interface{}{
				"term": map[string]interface{}{s.PropagateField: token},
			},
		}
	}
	s.RequiresEmbedding = true
	return semanticTemplate(s.ResultLimit)
}

func semanticTemplate(limit int) map[string]interface{} {
	return map[string]interface{}{
		"knn": map[string]interface{}{
			"field":        "embedding",
			"query_vector": EmbeddingPlaceholder,
			"k":            float64(limit),
		},
	}
}

// ensureIDFilter guarantees a dependent step's template carries the ID-set
// placeholder, so the materializer has a defined injection point.
func ensureIDFilter(s *Step) {
	if containsPlaceholder(s.Template, IDSetPlaceholder) {
		return
	}
	idsClause := map[string]interface{}{
		"terms": map[string]interface{}{s.FilterField: IDSetPlaceholder},
	}
	if existing, ok := s.Template["query"]; ok {
		s.Template["query"] = map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{idsClause, existing},
			},
		}
		return
	}
	s.Template["query"] = idsClause
}

func containsPlaceholder(node interface{}, placeholder string) bool {
	switch t := node.(type) {
	case string:
		return t == placeholder
	case map[string]interface{}:
		for _, v := range t {
			if containsPlaceholder(v, placeholder) {
				return true
			}
		}
	case []interface{}:
		for _, v := range t {
			if containsPlaceholder(v, placeholder) {
				return true
			}
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
