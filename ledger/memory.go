package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and CLI preview runs.
type MemoryStore struct {
	mu    sync.RWMutex
	execs map[string]Execution
	order []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{execs: make(map[string]Execution)}
}

func (s *MemoryStore) Create(_ context.Context, exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.execs[exec.ID]; ok {
		return ErrExecutionExists
	}

	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = StatusPending
	}

	s.execs[exec.ID] = exec
	s.order = append(s.order, exec.ID)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.execs[exec.ID]
	if !ok {
		return ErrExecutionNotFound
	}
	if stored.Status.Terminal() {
		return ErrExecutionFinalized
	}

	// Identity and start time are immutable.
	exec.AppSlug = stored.AppSlug
	exec.FlowID = stored.FlowID
	exec.ToolName = stored.ToolName
	exec.StartedAt = stored.StartedAt
	s.execs[exec.ID] = exec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Execution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.execs[id]
	if !ok {
		return Execution{}, false, nil
	}
	return exec, true, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var page Page
	skipped := 0
	// Newest first.
	for i := len(s.order) - 1; i >= 0; i-- {
		exec := s.execs[s.order[i]]
		if exec.Status == StatusPending && matchesScope(exec, filter) {
			page.HasPending = true
		}
		if !matchesFilter(exec, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		if filter.Limit > 0 && len(page.Executions) >= filter.Limit {
			continue
		}
		page.Executions = append(page.Executions, exec)
	}
	return page, nil
}

func (s *MemoryStore) MarkTimedOut(_ context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)
	for id, exec := range s.execs {
		if exec.Status != StatusPending || !exec.StartedAt.Before(cutoff) {
			continue
		}
		ended := now
		exec.Status = StatusError
		exec.ErrorInfo = &ErrorInfo{Class: "timeout", Message: TimeoutMessage(threshold)}
		exec.EndedAt = &ended
		s.execs[id] = exec
		count++
	}
	return count, nil
}

// matchesScope applies only the identity filters, not status/pagination.
// HasPending answers "is anything for this app/flow still running".
func matchesScope(exec Execution, filter Filter) bool {
	if filter.AppSlug != "" && exec.AppSlug != filter.AppSlug {
		return false
	}
	if filter.FlowID != "" && exec.FlowID != filter.FlowID {
		return false
	}
	return true
}

func matchesFilter(exec Execution, filter Filter) bool {
	if !matchesScope(exec, filter) {
		return false
	}
	if filter.Status != "" && exec.Status != filter.Status {
		return false
	}
	if filter.IsPreview != nil && exec.IsPreview != *filter.IsPreview {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
