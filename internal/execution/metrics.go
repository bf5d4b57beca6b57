package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/loopforge/internal/execution"

var (
	tracer = otel.Tracer(instrumentationName)

	runCounter    metric.Int64Counter
	runDuration   metric.Float64Histogram
	tokenCounter  metric.Int64Counter
	mergeOutcomes metric.Int64Counter
)

func init() {
	meter := otel.Meter(instrumentationName)

	var err error
	runCounter, err = meter.Int64Counter(
		"loopforge.execution.runs",
		metric.WithDescription("Pipeline runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create run counter: %v", err))
	}

	runDuration, err = meter.Float64Histogram(
		"loopforge.execution.duration",
		metric.WithDescription("Duration of pipeline runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create run duration: %v", err))
	}

	tokenCounter, err = meter.Int64Counter(
		"loopforge.execution.tokens",
		metric.WithDescription("Estimated tokens generated by code steps"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create token counter: %v", err))
	}

	mergeOutcomes, err = meter.Int64Counter(
		"loopforge.automerge.outcomes",
		metric.WithDescription("Auto-merge watch results"),
		metric.WithUnit("{watch}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create auto-merge counter: %v", err))
	}
}

// Usage is the estimated token spend of one generation step.
type Usage struct {
	OwnerID  string
	TaskID   string
	Provider string
	Model    string
	Tokens   int
}

// UsageRecorder receives token usage per step.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u Usage)
}

var (
	promOnce   sync.Once
	promTokens *prometheus.CounterVec
	promRuns   *prometheus.CounterVec
)

func promCollectors() (*prometheus.CounterVec, *prometheus.CounterVec) {
	promOnce.Do(func() {
		promTokens = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loopforge_execution_tokens_total",
			Help: "Estimated tokens generated by execution steps",
		}, []string{"provider", "model"})
		promRuns = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loopforge_execution_runs_total",
			Help: "Execution pipeline runs by outcome and failing stage",
		}, []string{"outcome", "stage"})
	})
	return promTokens, promRuns
}

// MetricsUsage records usage to the otel meter and the default prometheus
// registry.
type MetricsUsage struct{}

func (MetricsUsage) RecordUsage(ctx context.Context, u Usage) {
	tokenCounter.Add(ctx, int64(u.Tokens), metric.WithAttributes(
		attribute.String("provider", u.Provider),
		attribute.String("model", u.Model),
	))
	tokens, _ := promCollectors()
	tokens.WithLabelValues(u.Provider, u.Model).Add(float64(u.Tokens))
}

func recordRun(ctx context.Context, outcome, stage string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("stage", stage))
	runCounter.Add(ctx, 1, attrs)
	runDuration.Record(ctx, seconds, attrs)
	_, runs := promCollectors()
	runs.WithLabelValues(outcome, stage).Inc()
}

// estimateTokens approximates tokens as one per four bytes, rounded up.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
