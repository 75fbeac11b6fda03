package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"aerostic/backend/pkg/models"
)

const instrumentationName = "aerostic/engine"

func newTracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// metrics holds the runner's instruments. Instruments that fail to register
// stay nil and are skipped.
type metrics struct {
	executions   metric.Int64Counter
	nodes        metric.Int64Counter
	nodeDuration metric.Float64Histogram
	runDuration  metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	if c, err := meter.Int64Counter("automation.executions",
		metric.WithDescription("Finished workflow executions by status")); err == nil {
		m.executions = c
	}
	if c, err := meter.Int64Counter("automation.nodes",
		metric.WithDescription("Executed workflow nodes by type and status")); err == nil {
		m.nodes = c
	}
	if h, err := meter.Float64Histogram("automation.node.duration_ms",
		metric.WithDescription("Node execution time"), metric.WithUnit("ms")); err == nil {
		m.nodeDuration = h
	}
	if h, err := meter.Float64Histogram("automation.execution.duration_ms",
		metric.WithDescription("Workflow execution time"), metric.WithUnit("ms")); err == nil {
		m.runDuration = h
	}
	return m
}

func (m *metrics) recordExecution(ctx context.Context, status models.ExecutionStatus, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	if m.executions != nil {
		m.executions.Add(ctx, 1, attrs)
	}
	if m.runDuration != nil {
		m.runDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}

func (m *metrics) recordNode(ctx context.Context, nodeType models.NodeType, status models.LogStatus, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("node_type", string(nodeType)),
		attribute.String("status", string(status)),
	)
	if m.nodes != nil {
		m.nodes.Add(ctx, 1, attrs)
	}
	if m.nodeDuration != nil {
		m.nodeDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}
