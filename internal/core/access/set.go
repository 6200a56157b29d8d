package access

import "sync"

// Set is an enumerable, concurrency-safe allowlist.
type Set[K comparable] struct {
	items map[K]struct{}
	mu    sync.RWMutex
}

// NewSet creates a set holding items.
func NewSet[K comparable](items ...K) *Set[K] {
	s := &Set[K]{items: make(map[K]struct{}, len(items))}
	for _, it := range items {
		s.items[it] = struct{}{}
	}
	return s
}

// Contains checks if k is in the set.
func (s *Set[K]) Contains(k K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[k]
	return ok
}

// Add adds k and reports whether it was missing.
func (s *Set[K]) Add(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[k]; ok {
		return false
	}
	s.items[k] = struct{}{}
	return true
}

// AddBatch adds several items.
func (s *Set[K]) AddBatch(ks []K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range ks {
		s.items[k] = struct{}{}
	}
}

// Remove removes k and reports whether it was present.
func (s *Set[K]) Remove(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[k]; !ok {
		return false
	}
	delete(s.items, k)
	return true
}

// Set adds k when allowed is true and removes it otherwise.
func (s *Set[K]) Set(k K, allowed bool) {
	if allowed {
		s.Add(k)
		return
	}
	s.Remove(k)
}

// Size returns the number of items.
func (s *Set[K]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Members returns the items in no particular order.
func (s *Set[K]) Members() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]K, 0, len(s.items))
	for k := range s.items {
		out = append(out, k)
	}
	return out
}
