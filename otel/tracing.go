// Package otel translates engine events into OpenTelemetry spans and
// metrics.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fern-labs/fernflow/engine"
)

// TracingHandler turns engine events into spans: one root span per
// invocation, with a child span per executed node. Node spans are
// created retroactively from the node.executed event, back-dated by the
// event's elapsed duration.
type TracingHandler struct {
	tracer trace.Tracer

	mu       sync.RWMutex
	invSpans map[string]trace.Span            // executionID -> root span
	invCtxs  map[string]context.Context       // executionID -> context for children
}

// NewTracingHandler creates a TracingHandler backed by the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:   tracer,
		invSpans: make(map[string]trace.Span),
		invCtxs:  make(map[string]context.Context),
	}
}

// Handle processes one engine event. It satisfies engine.EventHandler.
func (h *TracingHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventInvocationStarted:
		h.handleStarted(e)
	case engine.EventNodeExecuted:
		h.handleNodeExecuted(e)
	case engine.EventInvocationFinished:
		h.handleFinished(e)
	}
}

func (h *TracingHandler) handleStarted(e engine.Event) {
	spanName := "invoke:" + e.ToolName
	if e.ToolName == "" {
		spanName = "invoke:" + e.ExecutionID
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("fernflow.execution_id", e.ExecutionID),
			attribute.String("fernflow.app_slug", e.AppSlug),
			attribute.String("fernflow.tool_name", e.ToolName),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.invSpans[e.ExecutionID] = span
	h.invCtxs[e.ExecutionID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeExecuted(e engine.Event) {
	h.mu.RLock()
	parentCtx, ok := h.invCtxs[e.ExecutionID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("fernflow.execution_id", e.ExecutionID),
			attribute.String("fernflow.node_id", e.NodeID),
			attribute.String("fernflow.node_kind", string(e.NodeKind)),
		),
		trace.WithTimestamp(e.Time.Add(-e.Elapsed)),
	)

	if status, _ := e.Payload["status"].(string); status == "error" {
		errMsg := "node failed"
		if msg, ok := e.Payload["error"].(string); ok && msg != "" {
			errMsg = msg
		}
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleFinished(e engine.Event) {
	h.mu.Lock()
	span, ok := h.invSpans[e.ExecutionID]
	if ok {
		delete(h.invSpans, e.ExecutionID)
		delete(h.invCtxs, e.ExecutionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	status, _ := e.Payload["status"].(string)
	span.SetAttributes(attribute.String("fernflow.status", status))
	if status == "error" {
		span.SetStatus(codes.Error, "invocation failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext of the invocation's root
// span, or an empty SpanContext if the invocation is not active.
func (h *TracingHandler) ActiveSpanContext(executionID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.invSpans[executionID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

type spanError string

func (e spanError) Error() string { return string(e) }
