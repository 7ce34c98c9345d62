package orchestra

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-process Store used by default and in tests. Snapshots
// are copied on write and read so callers cannot alias internal state.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

// Save stores data under (kind, id), replacing any previous value.
func (s *MemoryStore) Save(_ context.Context, kind, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.data[kind]
	if !ok {
		bucket = make(map[string][]byte)
		s.data[kind] = bucket
	}
	bucket[id] = append([]byte(nil), data...)
	return nil
}

// Load returns the value stored under (kind, id).
func (s *MemoryStore) Load(_ context.Context, kind, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.data[kind][id]; ok {
		return append([]byte(nil), data...), nil
	}
	return nil, CloneError(ErrNotFound, "no stored value", nil, map[string]any{
		"kind": kind, "id": id,
	})
}

// List returns the ids stored under kind, sorted.
func (s *MemoryStore) List(_ context.Context, kind string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data[kind]))
	for id := range s.data[kind] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes the value stored under (kind, id). Deleting a missing value
// is not an error.
func (s *MemoryStore) Delete(_ context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[kind], id)
	return nil
}
