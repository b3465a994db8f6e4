package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/polis-tcp/pkg/engine/runtime"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	nodeExecutionCounter metric.Int64Counter
	nodeFailureCounter   metric.Int64Counter
	nodeTimeoutCounter   metric.Int64Counter
	nodeDenyCounter      metric.Int64Counter
	nodeLatencyHistogram metric.Float64Histogram
)

// NodeMetrics captures the fields needed to record pipeline node telemetry metrics.
type NodeMetrics struct {
	PipelineID      string
	PipelineVersion int
	NodeID          string
	NodeKind        string
	NodeVersion     string
	Outcome         runtime.NodeOutcome
	ErrorKind       string
	Duration        time.Duration
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.Int("pipeline.version", metrics.PipelineVersion),
		attribute.String("node.id", metrics.NodeID),
		attribute.String("node.kind", metrics.NodeKind),
		attribute.String("node.version", metrics.NodeVersion),
		attribute.String("node.outcome", string(metrics.Outcome)),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.ErrorKind != "" {
		failureAttrs := append(append([]attribute.KeyValue(nil), attrs...), attribute.String("error.kind", metrics.ErrorKind))
		nodeFailureCounter.Add(ctx, 1, metric.WithAttributes(failureAttrs...))
	}

	switch metrics.Outcome {
	case runtime.OutcomeTimeout:
		nodeTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case runtime.OutcomeDeny:
		nodeDenyCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.tcp.pipeline")

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.node.executions_total",
			metric.WithDescription("Pipeline node executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeFailureCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.node.failures_total",
			metric.WithDescription("Failed node executions partitioned by error kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.node.timeout_total",
			metric.WithDescription("Timeout outcomes emitted by nodes"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeDenyCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.node.deny_total",
			metric.WithDescription("Targets refused by policy"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"pipeline.node.duration_ms",
			metric.WithDescription("Observed node execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
