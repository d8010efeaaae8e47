package engine

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/storyd/internal/engine"

// Engine metrics
var (
	storiesEnqueuedCounter    metric.Int64Counter
	stageCompletionsCounter   metric.Int64Counter
	stageFailuresCounter      metric.Int64Counter
	validationFailuresCounter metric.Int64Counter
	escalationsCounter        metric.Int64Counter
	storiesCompletedCounter   metric.Int64Counter
	schedulerStarvedCounter   metric.Int64Counter
	stageDurationHistogram    metric.Float64Histogram

	metricsOnce sync.Once
)

// initMetrics initializes OpenTelemetry metrics for the engine.
// Called once on first engine construction.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	storiesEnqueuedCounter, err = meter.Int64Counter(
		"storyd.engine.stories.enqueued",
		metric.WithDescription("Total number of stories admitted to the backlog"),
		metric.WithUnit("{story}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create enqueued counter: %v", err))
	}

	stageCompletionsCounter, err = meter.Int64Counter(
		"storyd.engine.stages.completed",
		metric.WithDescription("Total number of successful stage executions"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create stage completions counter: %v", err))
	}

	stageFailuresCounter, err = meter.Int64Counter(
		"storyd.engine.stages.failed",
		metric.WithDescription("Total number of failed stage executions"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create stage failures counter: %v", err))
	}

	validationFailuresCounter, err = meter.Int64Counter(
		"storyd.engine.contracts.rejected",
		metric.WithDescription("Total number of contract validation rejections"),
		metric.WithUnit("{contract}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create validation failures counter: %v", err))
	}

	escalationsCounter, err = meter.Int64Counter(
		"storyd.engine.escalations",
		metric.WithDescription("Total number of stories escalated for a human decision"),
		metric.WithUnit("{story}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create escalations counter: %v", err))
	}

	storiesCompletedCounter, err = meter.Int64Counter(
		"storyd.engine.stories.completed",
		metric.WithDescription("Total number of stories that passed final review"),
		metric.WithUnit("{story}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create completed counter: %v", err))
	}

	schedulerStarvedCounter, err = meter.Int64Counter(
		"storyd.engine.scheduler.starved",
		metric.WithDescription("Selections returning nothing while pending stories exist"),
		metric.WithUnit("{selection}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create starvation counter: %v", err))
	}

	stageDurationHistogram, err = meter.Float64Histogram(
		"storyd.engine.stage.duration",
		metric.WithDescription("Wall time from stage dispatch to reported result"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create stage duration histogram: %v", err))
	}
}

func recordDuration(ctx context.Context, stage string, seconds float64) {
	if stageDurationHistogram == nil || seconds < 0 {
		return
	}
	stageDurationHistogram.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

func recordStage(ctx context.Context, counter metric.Int64Counter, stage string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func record(ctx context.Context, counter metric.Int64Counter) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1)
}
