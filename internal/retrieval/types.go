// Package retrieval is the multi-step retrieval orchestration core: it
// materializes plan steps into concrete search requests, runs them
// exhaustively against the backend, merges the per-step hit streams, and
// drives the bounded plan/execute/reflect loop around the external oracles.
package retrieval

import (
	"context"

	"github.com/mohammad-safakhou/seeker/internal/planner"
	"github.com/mohammad-safakhou/seeker/internal/search"
)

// StepResult is the per-step outcome of one plan attempt. It lives for the
// attempt only: later dependent steps and the merger consume it, then it is
// discarded apart from the numeric summary that goes into the history.
type StepResult struct {
	StepID       string
	Purpose      string
	Hits         []search.Hit
	Aggregations map[string]interface{}
	Skipped      bool
	SkipReason   string
	Err          string
}

// Outcome distinguishes how a retrieval attempt ended.
type Outcome string

const (
	// OutcomeConverged means the coverage oracle judged the results sufficient.
	OutcomeConverged Outcome = "converged"
	// OutcomeEmpty means an iteration produced zero hits across all steps.
	OutcomeEmpty Outcome = "empty"
	// OutcomeGaveUp means the iteration bound was reached without convergence;
	// Hits still carry whatever the last attempt produced.
	OutcomeGaveUp Outcome = "gave_up"
)

// Result is what the engine hands back to the caller.
type Result struct {
	Hits       []search.Hit           `json:"hits"`
	Outcome    Outcome                `json:"outcome"`
	Iterations int                    `json:"iterations"`
	History    []planner.HistoryEntry `json:"history"`
}

// EmbedFunc computes an embedding vector for a literal query text.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)
