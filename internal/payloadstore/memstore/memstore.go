// Package memstore is the in-memory payload store adapter, intended for
// tests and single-process deployments that don't need durability across
// restarts.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) GenerateKey() string { return uuid.NewString() }

func (s *Store) Store(_ context.Context, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("memstore: key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.data[key] = cp
	return nil
}

func (s *Store) Fetch(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// Len reports the number of currently stored keys, useful in tests asserting
// that an externalized payload was actually cleaned up after handling.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
