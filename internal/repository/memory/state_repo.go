package memory

import (
	"context"
	"sync"

	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// StateStore keeps job state in a map.
type StateStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewStateStore creates an empty job state store.
func NewStateStore() *StateStore {
	return &StateStore{values: make(map[string][]byte)}
}

// GetState returns the stored value.
func (s *StateStore) GetState(ctx context.Context, job, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[job+"/"+key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// PutState stores a value.
func (s *StateStore) PutState(ctx context.Context, job, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[job+"/"+key] = append([]byte(nil), value...)
	return nil
}

// DeleteState removes a value.
func (s *StateStore) DeleteState(ctx context.Context, job, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, job+"/"+key)
	return nil
}

// Ensure StateStore implements repository.StateStore
var _ repository.StateStore = (*StateStore)(nil)
