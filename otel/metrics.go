package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fern-labs/fernflow/engine"
)

// MetricsHandler records counters and histograms for node executions,
// node failures, and invocation durations.
type MetricsHandler struct {
	nodeExecutions     metric.Int64Counter
	nodeFailures       metric.Int64Counter
	nodeDuration       metric.Float64Histogram
	invocationDuration metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler using instruments from the
// given meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("fernflow.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("fernflow.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("fernflow.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	invDur, err := meter.Float64Histogram("fernflow.invocation.duration",
		metric.WithDescription("Duration of a tool invocation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions:     nodeExec,
		nodeFailures:       nodeFail,
		nodeDuration:       nodeDur,
		invocationDuration: invDur,
	}, nil
}

// Handle processes one engine event. It satisfies engine.EventHandler.
func (h *MetricsHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventNodeExecuted:
		h.handleNodeExecuted(e)
	case engine.EventInvocationFinished:
		h.handleFinished(e)
	}
}

func (h *MetricsHandler) handleNodeExecuted(e engine.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("node_kind", string(e.NodeKind)),
		attribute.String("app_slug", e.AppSlug),
	)
	h.nodeExecutions.Add(ctx, 1, attrs)
	h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	if status, _ := e.Payload["status"].(string); status == "error" {
		h.nodeFailures.Add(ctx, 1, attrs)
	}
}

func (h *MetricsHandler) handleFinished(e engine.Event) {
	status, _ := e.Payload["status"].(string)
	h.invocationDuration.Record(context.Background(), e.Elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("app_slug", e.AppSlug),
			attribute.String("tool_name", e.ToolName),
			attribute.String("status", status),
		),
	)
}
