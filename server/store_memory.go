package server

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory AppStore for tests and CLI usage.
type MemoryStore struct {
	mu    sync.RWMutex
	apps  map[string]AppRecord
	order []string
}

// NewMemoryStore creates an empty in-memory app store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{apps: make(map[string]AppRecord)}
}

func (s *MemoryStore) List(_ context.Context) ([]AppRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]AppRecord, 0, len(s.order))
	for _, slug := range s.order {
		records = append(records, s.apps[slug])
	}
	return records, nil
}

func (s *MemoryStore) Get(_ context.Context, slug string) (AppRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.apps[slug]
	if !ok {
		return AppRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) Create(_ context.Context, rec AppRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[rec.Slug]; ok {
		return ErrAppExists
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	s.apps[rec.Slug] = rec
	s.order = append(s.order, rec.Slug)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, rec AppRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.apps[rec.Slug]
	if !ok {
		return ErrAppNotFound
	}
	rec.CreatedAt = stored.CreatedAt
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.apps[rec.Slug] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[slug]; !ok {
		return ErrAppNotFound
	}
	delete(s.apps, slug)
	for i, stored := range s.order {
		if stored == slug {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

var _ AppStore = (*MemoryStore)(nil)
