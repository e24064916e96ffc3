package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fern-labs/fernflow/engine"
	"github.com/fern-labs/fernflow/flow"
	fernotel "github.com/fern-labs/fernflow/otel"
)

// newTestMeter returns a meter backed by a manual reader.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestMetricsHandler_NodeExecutions(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := fernotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(engine.Event{
		Kind:        engine.EventNodeExecuted,
		ExecutionID: "exec-1",
		AppSlug:     "weather",
		NodeID:      "api1",
		NodeKind:    flow.KindAPICall,
		Elapsed:     30 * time.Millisecond,
		Payload:     map[string]any{"status": "success"},
	})
	h.Handle(engine.Event{
		Kind:        engine.EventNodeExecuted,
		ExecutionID: "exec-1",
		AppSlug:     "weather",
		NodeID:      "tf1",
		NodeKind:    flow.KindTransform,
		Payload:     map[string]any{"status": "error", "error": "division by zero"},
	})

	rm := collectMetrics(t, reader)

	execMetric := findMetric(rm, "fernflow.node.executions")
	if execMetric == nil {
		t.Fatal("fernflow.node.executions not found")
	}
	sum, ok := execMetric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("executions data type = %T", execMetric.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("total executions = %d, want 2", total)
	}

	failMetric := findMetric(rm, "fernflow.node.failures")
	if failMetric == nil {
		t.Fatal("fernflow.node.failures not found")
	}
	failSum, ok := failMetric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("failures data type = %T", failMetric.Data)
	}
	var failures int64
	for _, dp := range failSum.DataPoints {
		failures += dp.Value
	}
	if failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}

	if findMetric(rm, "fernflow.node.duration") == nil {
		t.Error("fernflow.node.duration not found")
	}
}

func TestMetricsHandler_InvocationDuration(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := fernotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(engine.Event{
		Kind:        engine.EventInvocationFinished,
		ExecutionID: "exec-1",
		AppSlug:     "weather",
		ToolName:    "get_forecast",
		Elapsed:     120 * time.Millisecond,
		Payload:     map[string]any{"status": "fulfilled"},
	})

	rm := collectMetrics(t, reader)
	durMetric := findMetric(rm, "fernflow.invocation.duration")
	if durMetric == nil {
		t.Fatal("fernflow.invocation.duration not found")
	}
	hist, ok := durMetric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data type = %T", durMetric.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("histogram data points = %+v", hist.DataPoints)
	}
	if got := hist.DataPoints[0].Sum; got < 0.11 || got > 0.13 {
		t.Errorf("duration sum = %v, want ~0.12", got)
	}
}
