package retrieval

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/seeker/config"
	"github.com/mohammad-safakhou/seeker/internal/planner"
	"github.com/mohammad-safakhou/seeker/internal/search"
	"github.com/mohammad-safakhou/seeker/internal/telemetry"
)

var loopTracer trace.Tracer = otel.Tracer("seeker/internal/retrieval")

// distinctValueCap bounds the distinct-value sample carried per step in the
// history, so the oracle prompt stays small.
const distinctValueCap = 20

// Engine drives the bounded plan/execute/reflect loop: obtain a plan, run it,
// judge coverage, iterate or stop. All per-request state (history, embedding
// cache, result maps) is created inside Retrieve and owned by that call;
// an Engine is safe for concurrent use across requests.
type Engine struct {
	cfg      *config.Config
	oracle   planner.Oracle
	coverage planner.CoverageOracle
	backend  search.Backend
	embed    EmbedFunc
	logger   *log.Logger
}

// NewEngine wires the loop. Oracles and backend come in as explicit
// dependencies so tests can substitute them.
func NewEngine(cfg *config.Config, oracle planner.Oracle, coverage planner.CoverageOracle, backend search.Backend, embed EmbedFunc) *Engine {
	return &Engine{
		cfg:      cfg,
		oracle:   oracle,
		coverage: coverage,
		backend:  backend,
		embed:    embed,
		logger:   log.New(log.Writer(), "[LOOP] ", log.LstdFlags),
	}
}

// Retrieve is the engine's outward surface: it returns an ordered, merged,
// deduplicated hit list for the query. The caller never sees a hard failure
// because a planning or coverage call misbehaved; the only returned error is
// context cancellation.
func (e *Engine) Retrieve(ctx context.Context, query string) (Result, error) {
	ctx, span := loopTracer.Start(ctx, "retrieval.retrieve",
		trace.WithAttributes(attribute.Int("query.length", len(query))))
	defer span.End()

	opts := planner.Options{
		MaxSteps:       e.cfg.Retrieval.MaxPlanSteps,
		DefaultLimit:   e.cfg.Retrieval.DefaultResultLimit,
		PropagateField: e.cfg.Retrieval.PropagateField,
	}

	var history []planner.HistoryEntry
	var lastMerged []search.Hit

	for iter := 1; iter <= e.cfg.Retrieval.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Result{Hits: lastMerged, Outcome: OutcomeGaveUp, Iterations: iter - 1, History: history}, err
		}
		telemetry.RecordIteration(ctx)

		plan := e.plan(ctx, query, history, opts)
		span.AddEvent("plan.ready", trace.WithAttributes(
			attribute.Int("iteration", iter),
			attribute.Int("plan.step_count", len(plan.Steps)),
		))

		results, err := e.execute(ctx, plan)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Result{Hits: lastMerged, Outcome: OutcomeGaveUp, Iterations: iter, History: history}, err
		}

		entry := e.summarize(iter, results)
		history = append(history, entry)

		merged := Merge(results, MergePolicy(e.cfg.Retrieval.MergePolicy))
		lastMerged = merged

		total := 0
		for _, s := range entry.Steps {
			total += s.HitCount
		}
		if total == 0 {
			// nothing to judge: an all-empty iteration terminates immediately
			e.logger.Printf("iteration %d produced zero hits, stopping", iter)
			telemetry.RecordOutcome(ctx, string(OutcomeEmpty))
			span.SetStatus(codes.Ok, "empty")
			return Result{Hits: nil, Outcome: OutcomeEmpty, Iterations: iter, History: history}, nil
		}

		covered, err := e.evaluate(ctx, query, entry)
		if err != nil {
			// inability to judge is "not yet covered", never silent success
			e.logger.Printf("iteration %d: coverage oracle failed, continuing: %v", iter, err)
			continue
		}
		if covered {
			e.logger.Printf("iteration %d: coverage satisfied with %d hits", iter, len(merged))
			telemetry.RecordOutcome(ctx, string(OutcomeConverged))
			span.SetStatus(codes.Ok, "converged")
			return Result{Hits: merged, Outcome: OutcomeConverged, Iterations: iter, History: history}, nil
		}
		e.logger.Printf("iteration %d: coverage not satisfied, replanning", iter)
	}

	e.logger.Printf("giving up after %d iterations, returning %d hits", e.cfg.Retrieval.MaxIterations, len(lastMerged))
	telemetry.RecordOutcome(ctx, string(OutcomeGaveUp))
	span.SetStatus(codes.Ok, "gave up")
	return Result{Hits: lastMerged, Outcome: OutcomeGaveUp, Iterations: e.cfg.Retrieval.MaxIterations, History: history}, nil
}

// plan asks the oracle and repairs whatever comes back. Oracle defects are
// recoverable by construction: a nil or malformed payload collapses to the
// deterministic fallback plan.
func (e *Engine) plan(ctx context.Context, query string, history []planner.HistoryEntry, opts planner.Options) planner.Plan {
	ctx, span := loopTracer.Start(ctx, "retrieval.plan")
	defer span.End()

	raw, err := e.oracle.SynthesizePlan(ctx, query, history)
	if err != nil {
		e.logger.Printf("plan oracle failed, using fallback: %v", err)
		span.RecordError(err)
		raw = nil
	}
	if raw != nil {
		if err := planner.ValidatePlanDocument(raw); err != nil {
			e.logger.Printf("warn: plan document does not match schema: %v", err)
		}
	}
	return planner.Repair(raw, query, opts)
}

func (e *Engine) execute(ctx context.Context, plan planner.Plan) ([]StepResult, error) {
	ctx, span := loopTracer.Start(ctx, "retrieval.execute")
	defer span.End()

	mat := NewMaterializer(
		e.backend,
		e.embed,
		e.cfg.LLM.EmbeddingDims,
		e.cfg.Retrieval.InlineIDThreshold,
		e.cfg.Retrieval.DefaultResultLimit,
		e.cfg.Search.LookupIndex,
		e.logger,
	)
	exec := NewExecutor(e.backend, e.cfg.Search.CursorTTL, e.cfg.Retrieval.MinScore, e.logger)
	sched := NewScheduler(mat, exec, e.backend, e.cfg.Search.Index, e.logger)
	return sched.Run(ctx, plan)
}

func (e *Engine) evaluate(ctx context.Context, query string, entry planner.HistoryEntry) (bool, error) {
	ctx, span := loopTracer.Start(ctx, "retrieval.evaluate")
	defer span.End()
	covered, err := e.coverage.Evaluate(ctx, query, entry.Steps)
	if err != nil {
		span.RecordError(err)
	}
	return covered, err
}

// summarize builds the history entry for one iteration: hit counts per step,
// plus a bounded sample of distinct values for the configured field.
func (e *Engine) summarize(iteration int, results []StepResult) planner.HistoryEntry {
	entry := planner.HistoryEntry{Iteration: iteration}
	field := e.cfg.Retrieval.HistoryField
	for _, r := range results {
		summary := planner.StepSummary{StepID: r.StepID, HitCount: len(r.Hits)}
		if field != "" && len(r.Hits) > 0 {
			seen := map[string]bool{}
			for _, h := range r.Hits {
				v := propagatedValue(h, field)
				if v == "" || seen[v] {
					continue
				}
				seen[v] = true
				summary.DistinctValues = append(summary.DistinctValues, v)
				if len(summary.DistinctValues) >= distinctValueCap {
					break
				}
			}
		}
		entry.Steps = append(entry.Steps, summary)
	}
	return entry
}
