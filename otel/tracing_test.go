package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fern-labs/fernflow/engine"
	"github.com/fern-labs/fernflow/flow"
	fernotel "github.com/fern-labs/fernflow/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func TestTracingHandler_InvocationSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fernotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{
		Kind:        engine.EventInvocationStarted,
		ExecutionID: "exec-1",
		AppSlug:     "weather",
		ToolName:    "get_forecast",
		Time:        now,
	})

	if !h.ActiveSpanContext("exec-1").IsValid() {
		t.Fatal("expected valid span context after invocation.started")
	}

	h.Handle(engine.Event{
		Kind:        engine.EventInvocationFinished,
		ExecutionID: "exec-1",
		AppSlug:     "weather",
		ToolName:    "get_forecast",
		Time:        now.Add(50 * time.Millisecond),
		Elapsed:     50 * time.Millisecond,
		Payload:     map[string]any{"status": "fulfilled"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("len(spans) = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "invoke:get_forecast" {
		t.Errorf("span name = %q, want invoke:get_forecast", span.Name)
	}
	if span.Status.Code != otelcodes.Ok {
		t.Errorf("status = %v, want Ok", span.Status.Code)
	}
	found := false
	for _, attr := range span.Attributes {
		if string(attr.Key) == "fernflow.execution_id" && attr.Value.AsString() == "exec-1" {
			found = true
		}
	}
	if !found {
		t.Error("expected fernflow.execution_id attribute")
	}
	if h.ActiveSpanContext("exec-1").IsValid() {
		t.Error("span context should be cleared after invocation.finished")
	}
}

func TestTracingHandler_NodeSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fernotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{
		Kind:        engine.EventInvocationStarted,
		ExecutionID: "exec-1",
		ToolName:    "get_forecast",
		Time:        now,
	})
	h.Handle(engine.Event{
		Kind:        engine.EventNodeExecuted,
		ExecutionID: "exec-1",
		NodeID:      "tf1",
		NodeKind:    flow.KindTransform,
		Time:        now.Add(20 * time.Millisecond),
		Elapsed:     20 * time.Millisecond,
		Payload:     map[string]any{"status": "success"},
	})
	h.Handle(engine.Event{
		Kind:        engine.EventNodeExecuted,
		ExecutionID: "exec-1",
		NodeID:      "api1",
		NodeKind:    flow.KindAPICall,
		Time:        now.Add(40 * time.Millisecond),
		Payload:     map[string]any{"status": "error", "error": "status 502"},
	})
	h.Handle(engine.Event{
		Kind:        engine.EventInvocationFinished,
		ExecutionID: "exec-1",
		Time:        now.Add(50 * time.Millisecond),
		Payload:     map[string]any{"status": "error"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("len(spans) = %d, want 3", len(spans))
	}

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	ok, found := byName["node:tf1"]
	if !found || ok.Status.Code != otelcodes.Ok {
		t.Errorf("node:tf1 span = %+v, want Ok status", ok.Status)
	}
	failed, found := byName["node:api1"]
	if !found || failed.Status.Code != otelcodes.Error {
		t.Fatalf("node:api1 span = %+v, want Error status", failed.Status)
	}
	if failed.Status.Description != "status 502" {
		t.Errorf("error description = %q, want status 502", failed.Status.Description)
	}

	// Node spans are children of the invocation span.
	root := byName["invoke:get_forecast"]
	if failed.Parent.SpanID() != root.SpanContext.SpanID() {
		t.Error("node span should be a child of the invocation span")
	}
}
