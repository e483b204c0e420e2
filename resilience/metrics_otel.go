package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements MetricsCollector using OpenTelemetry.
// Instruments are created against the globally registered meter provider,
// so hosts without one installed get no-op instruments for free.
type OTelMetricsCollector struct {
	ctx          context.Context
	successes    metric.Int64Counter
	failures     metric.Int64Counter
	rejections   metric.Int64Counter
	stateChanges metric.Int64Counter
}

// NewOTelMetricsCollector creates a new OpenTelemetry metrics collector
func NewOTelMetricsCollector(ctx context.Context) *OTelMetricsCollector {
	meter := otel.Meter("guard-agent/resilience")

	successes, _ := meter.Int64Counter("circuit_breaker.success",
		metric.WithDescription("Successful executions through the circuit breaker"))
	failures, _ := meter.Int64Counter("circuit_breaker.failure",
		metric.WithDescription("Failed executions counted toward the breaker threshold"))
	rejections, _ := meter.Int64Counter("circuit_breaker.rejected",
		metric.WithDescription("Executions rejected while the circuit was open"))
	stateChanges, _ := meter.Int64Counter("circuit_breaker.state_change",
		metric.WithDescription("Circuit breaker state transitions"))

	return &OTelMetricsCollector{
		ctx:          ctx,
		successes:    successes,
		failures:     failures,
		rejections:   rejections,
		stateChanges: stateChanges,
	}
}

// RecordSuccess records a successful circuit breaker execution
func (o *OTelMetricsCollector) RecordSuccess(name string) {
	o.successes.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
	))
}

// RecordFailure records a failed circuit breaker execution
func (o *OTelMetricsCollector) RecordFailure(name string, errorType string) {
	o.failures.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("error_type", errorType),
	))
}

// RecordStateChange records a circuit breaker state transition
func (o *OTelMetricsCollector) RecordStateChange(name string, from, to string) {
	o.stateChanges.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("from_state", from),
		attribute.String("to_state", to),
	))
}

// RecordRejection records when the circuit breaker rejects a request
func (o *OTelMetricsCollector) RecordRejection(name string) {
	o.rejections.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
	))
}
