// internal/store/local.go
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/samber/lo"
)

var ErrNotFound = errors.New("value not found")

// Local is an in-memory key/value store safe for concurrent use.
type Local[V any] struct {
	data map[string]V
	mu   sync.RWMutex
}

func NewLocal[V any]() *Local[V] {
	return &Local[V]{
		data: make(map[string]V),
	}
}

// Store sets key to value, replacing any previous value.
func (s *Local[V]) Store(key string, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (s *Local[V]) Retrieve(key string) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.data[key]; ok {
		return value, nil
	}
	var zero V
	return zero, ErrNotFound
}

func (s *Local[V]) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

func (s *Local[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

func (s *Local[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Keys returns the stored keys in sorted order.
func (s *Local[V]) Keys() []string {
	s.mu.RLock()
	keys := lo.Keys(s.data)
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
