// Package planner owns the plan data model, the validator/repairer that turns
// raw oracle output into an executable plan, and the oracle interfaces the
// retrieval loop consumes.
package planner

import "encoding/json"

// Placeholders recognised inside query templates. The materializer replaces
// them by recursive traversal, wherever they are nested.
const (
	EmbeddingPlaceholder = "$EMBEDDING"
	IDSetPlaceholder     = "$IDS"
)

// Step is one unit of retrieval work inside a plan.
type Step struct {
	ID                string                 `json:"step_id"`
	Purpose           string                 `json:"purpose,omitempty"`
	RequiresEmbedding bool                   `json:"requires_embedding,omitempty"`
	DependsOn         []string               `json:"depends_on,omitempty"`
	IsFinal           bool                   `json:"is_final,omitempty"`
	Template          map[string]interface{} `json:"query_template,omitempty"`
	QueryText         string                 `json:"query_text,omitempty"`
	ResultLimit       int                    `json:"result_limit,omitempty"`
	PropagateField    string                 `json:"propagate_field,omitempty"`
	FilterField       string                 `json:"filter_field,omitempty"`

	// Unsatisfiable marks a step whose every declared dependency was
	// invalid. The scheduler records it as skipped instead of running it
	// without the constraint the plan asked for.
	Unsatisfiable bool `json:"-"`
}

// Plan is an ordered sequence of steps representing one retrieval attempt.
// Steps only ever depend on earlier steps; the repairer enforces this.
type Plan struct {
	Steps []Step `json:"steps"`
}

// StepSummary is the per-step outcome digest fed back to the oracles.
type StepSummary struct {
	StepID         string   `json:"step_id"`
	HitCount       int      `json:"hit_count"`
	DistinctValues []string `json:"distinct_values,omitempty"`
}

// HistoryEntry summarises one loop iteration. History is append-only for the
// lifetime of one user request.
type HistoryEntry struct {
	Iteration int           `json:"iteration"`
	Steps     []StepSummary `json:"steps"`
}

// RawPlan is the unvalidated payload a plan oracle returns.
type RawPlan = json.RawMessage
