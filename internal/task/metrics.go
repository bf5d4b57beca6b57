package task

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/loopforge/internal/task"

var (
	tracer = otel.Tracer(instrumentationName)

	transitionCounter  metric.Int64Counter
	rejectionCounter   metric.Int64Counter
	planGenerationTime metric.Float64Histogram
)

func init() {
	meter := otel.Meter(instrumentationName)

	var err error
	transitionCounter, err = meter.Int64Counter(
		"loopforge.task.transitions",
		metric.WithDescription("Committed stage transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create transition counter: %v", err))
	}

	rejectionCounter, err = meter.Int64Counter(
		"loopforge.task.transitions.rejected",
		metric.WithDescription("Stage transitions refused by the state machine"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create rejection counter: %v", err))
	}

	planGenerationTime, err = meter.Float64Histogram(
		"loopforge.task.plan_generation.duration",
		metric.WithDescription("Time spent generating execution plans"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create plan generation histogram: %v", err))
	}
}
