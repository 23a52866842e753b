package cache

import (
	"sync"
	"time"
)

type valueItem[T any] struct {
	value     T
	fetchedAt time.Time
	stale     bool
}

// Store is a keyed value cache with a freshness window. The batch
// orchestrator keeps resolved stock-info lookups here so repeated batches
// for the same item do not refetch.
type Store[T any] struct {
	mu    sync.RWMutex
	items map[string]*valueItem[T]
	fresh time.Duration
	now   func() time.Time
}

// NewStore creates a store whose entries are fresh for the given duration.
// Zero keeps entries fresh until invalidated.
func NewStore[T any](fresh time.Duration) *Store[T] {
	return &Store[T]{
		items: make(map[string]*valueItem[T]),
		fresh: fresh,
		now:   time.Now,
	}
}

// Get returns the value and whether it is still fresh. ok is false when the
// key is absent.
func (s *Store[T]) Get(key string) (value T, fresh bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, found := s.items[key]
	if !found {
		return value, false, false
	}
	return it.value, s.isFresh(it), true
}

func (s *Store[T]) isFresh(it *valueItem[T]) bool {
	if it.stale {
		return false
	}
	return s.fresh <= 0 || s.now().Sub(it.fetchedAt) < s.fresh
}

func (s *Store[T]) Set(key string, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &valueItem[T]{value: v, fetchedAt: s.now()}
}

func (s *Store[T]) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key]; ok {
		it.stale = true
	}
}

func (s *Store[T]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
