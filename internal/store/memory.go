package store

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ JobKeyStore = (*MemoryJobStore)(nil)

// MemoryJobStore is a process-local JobKeyStore. It does not survive
// restarts and is meant for tests and dry runs.
type MemoryJobStore struct {
	mu    sync.Mutex
	items map[string]string
}

// NewMemoryJobStore returns an empty MemoryJobStore.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{items: make(map[string]string)}
}

func (s *MemoryJobStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.items[key]
	return id, ok, nil
}

func (s *MemoryJobStore) Put(_ context.Context, key, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		s.items[key] = taskID
	}
	return nil
}

func (s *MemoryJobStore) Close() error { return nil }
