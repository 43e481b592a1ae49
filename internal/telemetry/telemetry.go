// Package telemetry registers the retrieval engine's meters and exposes
// small recording helpers the core calls at the points that matter.
package telemetry

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce        sync.Once
	loopIterations     otelmetric.Int64Counter
	loopOutcomes       otelmetric.Int64Counter
	stepsExecuted      otelmetric.Int64Counter
	stepsSkipped       otelmetric.Int64Counter
	hitsCollected      otelmetric.Int64Counter
	scrollPagesFetched otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("seeker/retrieval")
	var err error
	loopIterations, err = meter.Int64Counter(
		"retrieval_iterations_total",
		otelmetric.WithDescription("Plan/execute/reflect iterations run"),
	)
	if err != nil {
		log.Printf("telemetry init: retrieval_iterations_total: %v", err)
	}
	loopOutcomes, err = meter.Int64Counter(
		"retrieval_outcomes_total",
		otelmetric.WithDescription("Retrieval requests finished, by outcome"),
	)
	if err != nil {
		log.Printf("telemetry init: retrieval_outcomes_total: %v", err)
	}
	stepsExecuted, err = meter.Int64Counter(
		"retrieval_steps_executed_total",
		otelmetric.WithDescription("Plan steps executed against the backend"),
	)
	if err != nil {
		log.Printf("telemetry init: retrieval_steps_executed_total: %v", err)
	}
	stepsSkipped, err = meter.Int64Counter(
		"retrieval_steps_skipped_total",
		otelmetric.WithDescription("Plan steps skipped before execution"),
	)
	if err != nil {
		log.Printf("telemetry init: retrieval_steps_skipped_total: %v", err)
	}
	hitsCollected, err = meter.Int64Counter(
		"retrieval_hits_total",
		otelmetric.WithDescription("Hits accumulated across all steps"),
	)
	if err != nil {
		log.Printf("telemetry init: retrieval_hits_total: %v", err)
	}
	scrollPagesFetched, err = meter.Int64Counter(
		"retrieval_scroll_pages_total",
		otelmetric.WithDescription("Cursor pages fetched from the search backend"),
	)
	if err != nil {
		log.Printf("telemetry init: retrieval_scroll_pages_total: %v", err)
	}
}

// RecordIteration counts one loop iteration.
func RecordIteration(ctx context.Context) {
	metricsOnce.Do(initMetrics)
	if loopIterations != nil {
		loopIterations.Add(ctx, 1)
	}
}

// RecordOutcome counts one finished retrieval request.
func RecordOutcome(ctx context.Context, outcome string) {
	metricsOnce.Do(initMetrics)
	if loopOutcomes != nil {
		loopOutcomes.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordStep counts one scheduled step.
func RecordStep(ctx context.Context, skipped bool) {
	metricsOnce.Do(initMetrics)
	if skipped {
		if stepsSkipped != nil {
			stepsSkipped.Add(ctx, 1)
		}
		return
	}
	if stepsExecuted != nil {
		stepsExecuted.Add(ctx, 1)
	}
}

// RecordHits counts hits collected by one step.
func RecordHits(ctx context.Context, n int) {
	metricsOnce.Do(initMetrics)
	if hitsCollected != nil && n > 0 {
		hitsCollected.Add(ctx, int64(n))
	}
}

// RecordScrollPage counts one cursor page fetch.
func RecordScrollPage(ctx context.Context) {
	metricsOnce.Do(initMetrics)
	if scrollPagesFetched != nil {
		scrollPagesFetched.Add(ctx, 1)
	}
}
