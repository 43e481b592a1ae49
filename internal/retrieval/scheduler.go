package retrieval

import (
	"context"
	"log"
	"sync"

	"github.com/mohammad-safakhou/seeker/internal/planner"
	"github.com/mohammad-safakhou/seeker/internal/search"
	"github.com/mohammad-safakhou/seeker/internal/telemetry"
)

// Scheduler executes a plan's steps in dependency order. It never reorders:
// plans arrive topologically ordered and the repairer has already dropped
// forward references, so execution proceeds in waves of ready steps.
// Independent steps of one wave run concurrently; a failed or skipped step
// contributes an empty result, never an aborted attempt.
type Scheduler struct {
	mat      *Materializer
	executor *Executor
	backend  search.Backend
	index    string
	logger   *log.Logger
}

// NewScheduler wires a scheduler for one plan attempt. The materializer
// carries the attempt's embedding cache, so a scheduler must not be reused
// across attempts.
func NewScheduler(mat *Materializer, exec *Executor, backend search.Backend, index string, logger *log.Logger) *Scheduler {
	return &Scheduler{mat: mat, executor: exec, backend: backend, index: index, logger: logger}
}

// Run executes the plan and returns one StepResult per step, in plan order.
// The only error it returns is context cancellation.
func (s *Scheduler) Run(ctx context.Context, plan planner.Plan) ([]StepResult, error) {
	fields, err := s.backend.Fields(ctx)
	if err != nil {
		// introspection failure is a backend defect, not a reason to reject
		// every step: validation is skipped for this attempt
		s.logger.Printf("warn: field introspection failed, skipping validation: %v", err)
		fields = nil
	}

	var (
		mu      sync.Mutex
		results = make(map[string]StepResult, len(plan.Steps))
	)
	done := make(map[string]bool, len(plan.Steps))

	var remaining []planner.Step
	for _, step := range plan.Steps {
		if step.Unsatisfiable {
			// the repairer dropped every declared dependency; running the
			// step would ignore the constraint the plan asked for
			s.logger.Printf("step %s skipped: declared dependencies invalid", step.ID)
			results[step.ID] = skipped(step, "declared dependencies invalid")
			done[step.ID] = true
			telemetry.RecordStep(ctx, true)
			continue
		}
		remaining = append(remaining, step)
	}
	for len(remaining) > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var ready, blocked []planner.Step
		for _, step := range remaining {
			ok := true
			for _, dep := range step.DependsOn {
				if !done[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, step)
			} else {
				blocked = append(blocked, step)
			}
		}

		if len(ready) == 0 {
			// unsatisfiable dependencies; record the rest as skipped
			for _, step := range blocked {
				results[step.ID] = skipped(step, "unsatisfiable dependency")
				telemetry.RecordStep(ctx, true)
			}
			break
		}

		var wg sync.WaitGroup
		for _, step := range ready {
			wg.Add(1)
			go func(st planner.Step) {
				defer wg.Done()
				res := s.runStep(ctx, st, &mu, results, fields)
				mu.Lock()
				results[st.ID] = res
				mu.Unlock()
			}(step)
		}
		wg.Wait()

		for _, step := range ready {
			done[step.ID] = true
		}
		remaining = blocked
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out := make([]StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if r, ok := results[step.ID]; ok {
			out = append(out, r)
		} else {
			out = append(out, skipped(step, "not scheduled"))
		}
	}
	return out, nil
}

func (s *Scheduler) runStep(ctx context.Context, step planner.Step, mu *sync.Mutex, results map[string]StepResult, fields map[string]string) StepResult {
	mu.Lock()
	snapshot := make(map[string]StepResult, len(results))
	for k, v := range results {
		snapshot[k] = v
	}
	mu.Unlock()

	req, err := s.mat.Materialize(ctx, step, snapshot, fields)
	if err != nil {
		s.logger.Printf("step %s skipped: %v", step.ID, err)
		telemetry.RecordStep(ctx, true)
		return skipped(step, err.Error())
	}
	req.Index = s.index

	telemetry.RecordStep(ctx, false)
	hits, aggs, err := s.executor.Collect(ctx, req)
	if err != nil {
		// backend defect: the step yields no hits, the attempt carries on
		s.logger.Printf("step %s search failed: %v", step.ID, err)
		return StepResult{StepID: step.ID, Purpose: step.Purpose, Err: err.Error()}
	}
	telemetry.RecordHits(ctx, len(hits))
	s.logger.Printf("step %s: %d hits", step.ID, len(hits))
	return StepResult{StepID: step.ID, Purpose: step.Purpose, Hits: hits, Aggregations: aggs}
}

func skipped(step planner.Step, reason string) StepResult {
	return StepResult{StepID: step.ID, Purpose: step.Purpose, Skipped: true, SkipReason: reason}
}
