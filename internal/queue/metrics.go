package queue

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

const instrumentationName = "github.com/fyrsmithlabs/loopforge/internal/queue"

var (
	tracer = otel.Tracer(instrumentationName)

	jobCounter  metric.Int64Counter
	jobDuration metric.Float64Histogram
)

func init() {
	meter := otel.Meter(instrumentationName)

	var err error
	jobCounter, err = meter.Int64Counter(
		"loopforge.queue.jobs",
		metric.WithDescription("Execution jobs by result"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create job counter: %v", err))
	}

	jobDuration, err = meter.Float64Histogram(
		"loopforge.queue.job.duration",
		metric.WithDescription("Handler time per delivery"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create job duration: %v", err))
	}
}

var (
	promOnce    sync.Once
	promDepth   *prometheus.GaugeVec
	promResults *prometheus.CounterVec
)

func promCollectors() (*prometheus.GaugeVec, *prometheus.CounterVec) {
	promOnce.Do(func() {
		promDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loopforge_queue_jobs",
			Help: "Execution jobs by state as of the last count",
		}, []string{"state"})
		promResults = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loopforge_queue_results_total",
			Help: "Execution job deliveries by result",
		}, []string{"result"})
	})
	return promDepth, promResults
}

// Delivery results.
const (
	resultCompleted = "completed"
	resultRetried   = "retried"
	resultFailed    = "failed"
	resultDeferred  = "deferred"
)

func recordResult(ctx context.Context, result string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	jobCounter.Add(ctx, 1, attrs)
	if seconds > 0 {
		jobDuration.Record(ctx, seconds, attrs)
	}
	_, results := promCollectors()
	results.WithLabelValues(result).Inc()
}

func recordDepth(c Counts) {
	depth, _ := promCollectors()
	depth.WithLabelValues("waiting").Set(float64(c.Waiting))
	depth.WithLabelValues("active").Set(float64(c.Active))
	depth.WithLabelValues("completed").Set(float64(c.Completed))
	depth.WithLabelValues("failed").Set(float64(c.Failed))
}
