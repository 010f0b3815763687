// Package ext implements a goroutine-safe key to value attachment, for
// hanging arbitrary data off an object that does not know about it.
package ext

import (
	"slices"
	"sync"
)

// Store maps string keys to opaque values. The zero value is ready to use.
// A Store must not be copied after first use.
type Store struct {
	values map[string]any
	mu     sync.RWMutex
}

// Extend attaches val under key, returning false if key is already present,
// in which case the existing value is left unchanged.
func (s *Store) Extend(key string, val any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		return false
	}
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = val
	return true
}

// Get returns the value attached under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.values[key]
	return val, ok
}

// Shrink removes key, returning the removed value, if any.
func (s *Store) Shrink(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.values[key]
	if ok {
		delete(s.values, key)
	}
	return val, ok
}

// Keys returns the attached keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// GetAs returns the value attached under key, if it is present and of type T.
func GetAs[T any](s *Store, key string) (T, bool) {
	val, ok := s.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := val.(T)
	return v, ok
}
