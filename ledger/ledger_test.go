package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/fern-labs/fernflow/flow"
)

func pendingExec(id string) Execution {
	return Execution{
		ID:            id,
		AppSlug:       "weather",
		FlowID:        "flow-1",
		ToolName:      "get_forecast",
		Status:        StatusPending,
		InitialParams: map[string]any{"city": "Oslo"},
	}
}

func fulfilled(exec Execution) Execution {
	now := time.Now().UTC()
	exec.Status = StatusFulfilled
	exec.EndedAt = &now
	exec.NodeExecutions = []NodeExecution{
		{NodeID: "t1", NodeKind: flow.KindTrigger, Status: "success", StartedAt: now, EndedAt: now},
	}
	return exec
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, pendingExec("ex-1")); err != nil {
		t.Fatalf("Create: unexpected error: %v", err)
	}
	if err := s.Create(ctx, pendingExec("ex-1")); err != ErrExecutionExists {
		t.Fatalf("Create duplicate: got %v, want ErrExecutionExists", err)
	}

	got, ok, err := s.Get(ctx, "ex-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusPending {
		t.Fatalf("Get: status = %q, want pending", got.Status)
	}
	if got.StartedAt.IsZero() {
		t.Fatal("Get: StartedAt should be stamped on create")
	}

	if err := s.Update(ctx, fulfilled(got)); err != nil {
		t.Fatalf("Update: unexpected error: %v", err)
	}

	got, _, _ = s.Get(ctx, "ex-1")
	if got.Status != StatusFulfilled || got.EndedAt == nil {
		t.Fatalf("after update: %+v", got)
	}
	if len(got.NodeExecutions) != 1 || got.NodeExecutions[0].NodeID != "t1" {
		t.Fatalf("node executions: %+v", got.NodeExecutions)
	}

	// Terminal records refuse further transitions.
	late := got
	late.Status = StatusError
	if err := s.Update(ctx, late); err != ErrExecutionFinalized {
		t.Fatalf("Update terminal: got %v, want ErrExecutionFinalized", err)
	}
	got, _, _ = s.Get(ctx, "ex-1")
	if got.Status != StatusFulfilled {
		t.Fatalf("terminal status overwritten: %q", got.Status)
	}

	missing := pendingExec("missing")
	if err := s.Update(ctx, missing); err != ErrExecutionNotFound {
		t.Fatalf("Update missing: got %v, want ErrExecutionNotFound", err)
	}
}

func TestMemoryStore_ListFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	preview := true
	for _, ex := range []Execution{
		{ID: "a", AppSlug: "weather", FlowID: "f1", Status: StatusPending},
		{ID: "b", AppSlug: "weather", FlowID: "f2", Status: StatusPending},
		{ID: "c", AppSlug: "news", FlowID: "f1", Status: StatusPending, IsPreview: true},
	} {
		if err := s.Create(ctx, ex); err != nil {
			t.Fatal(err)
		}
	}
	b, _, _ := s.Get(ctx, "b")
	now := time.Now().UTC()
	b.Status = StatusError
	b.ErrorInfo = &ErrorInfo{Class: "execution", Message: "boom"}
	b.EndedAt = &now
	if err := s.Update(ctx, b); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Executions) != 3 || all.Executions[0].ID != "c" || all.Executions[2].ID != "a" {
		t.Fatalf("List order: got %v, want newest first", ids(all.Executions))
	}
	if !all.HasPending {
		t.Fatal("List: hasPending should be true")
	}

	weather, _ := s.List(ctx, Filter{AppSlug: "weather"})
	if len(weather.Executions) != 2 {
		t.Fatalf("AppSlug filter: got %v", ids(weather.Executions))
	}

	errored, _ := s.List(ctx, Filter{Status: StatusError})
	if len(errored.Executions) != 1 || errored.Executions[0].ID != "b" {
		t.Fatalf("Status filter: got %v", ids(errored.Executions))
	}
	// Status filter narrows the page, not the pending flag.
	if !errored.HasPending {
		t.Fatal("Status filter: hasPending should still be true")
	}

	previews, _ := s.List(ctx, Filter{IsPreview: &preview})
	if len(previews.Executions) != 1 || previews.Executions[0].ID != "c" {
		t.Fatalf("IsPreview filter: got %v", ids(previews.Executions))
	}

	limited, _ := s.List(ctx, Filter{Limit: 1})
	if len(limited.Executions) != 1 || limited.Executions[0].ID != "c" {
		t.Fatalf("Limit: got %v", ids(limited.Executions))
	}

	offset, _ := s.List(ctx, Filter{Limit: 2, Offset: 1})
	if len(offset.Executions) != 2 || offset.Executions[0].ID != "b" {
		t.Fatalf("Offset: got %v", ids(offset.Executions))
	}
}

func TestMemoryStore_MarkTimedOut(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	stale := pendingExec("stale")
	stale.StartedAt = time.Now().UTC().Add(-10 * time.Minute)
	if err := s.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, pendingExec("fresh")); err != nil {
		t.Fatal(err)
	}
	done := pendingExec("done")
	done.StartedAt = time.Now().UTC().Add(-10 * time.Minute)
	if err := s.Create(ctx, done); err != nil {
		t.Fatal(err)
	}
	stored, _, _ := s.Get(ctx, "done")
	if err := s.Update(ctx, fulfilled(stored)); err != nil {
		t.Fatal(err)
	}

	count, err := s.MarkTimedOut(ctx, DefaultTimeout)
	if err != nil {
		t.Fatalf("MarkTimedOut: %v", err)
	}
	if count != 1 {
		t.Fatalf("MarkTimedOut count = %d, want 1", count)
	}

	got, _, _ := s.Get(ctx, "stale")
	if got.Status != StatusError || got.ErrorInfo == nil {
		t.Fatalf("stale record: %+v", got)
	}
	if got.ErrorInfo.Class != "timeout" || got.ErrorInfo.Message != "execution timed out after 5 minutes" {
		t.Fatalf("stale error info: %+v", got.ErrorInfo)
	}
	got, _, _ = s.Get(ctx, "fresh")
	if got.Status != StatusPending {
		t.Fatalf("fresh record should stay pending, got %q", got.Status)
	}
	got, _, _ = s.Get(ctx, "done")
	if got.Status != StatusFulfilled {
		t.Fatalf("fulfilled record should stay fulfilled, got %q", got.Status)
	}

	// Idempotent: a second sweep finds nothing.
	count, err = s.MarkTimedOut(ctx, DefaultTimeout)
	if err != nil || count != 0 {
		t.Fatalf("second sweep: count=%d err=%v", count, err)
	}
}

func TestTimeoutMessage(t *testing.T) {
	tests := []struct {
		threshold time.Duration
		want      string
	}{
		{time.Minute, "execution timed out after 1 minute"},
		{DefaultTimeout, "execution timed out after 5 minutes"},
		{10 * time.Minute, "execution timed out after 10 minutes"},
	}
	for _, tt := range tests {
		if got := TimeoutMessage(tt.threshold); got != tt.want {
			t.Errorf("TimeoutMessage(%v) = %q, want %q", tt.threshold, got, tt.want)
		}
	}
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	stale := pendingExec("stale")
	stale.StartedAt = time.Now().UTC().Add(-10 * time.Minute)
	if err := s.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(s, 0, nil) // zero threshold falls back to the default
	count, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("Sweep count = %d, want 1", count)
	}
}

func ids(execs []Execution) []string {
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.ID
	}
	return out
}
