package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-tcp/pkg/policy"
)

// RecordTargetDecision annotates the provided span with a target policy outcome.
func RecordTargetDecision(span trace.Span, decision policy.Decision) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.Bool("policy.target.allow", decision.Allow))
	if decision.Reason != "" {
		span.SetAttributes(attribute.String("policy.target.reason", decision.Reason))
	}
	if !decision.Allow {
		span.AddEvent("policy.target.denied")
	}
}
