// Package retrystore provides the attempt-counting stores behind the
// engine's optional bounded-retry promotion: a message that keeps failing is
// moved to its stage's dead-letter queue once its counter crosses the
// configured maximum, instead of being requeued forever.
package retrystore

import (
	"context"
	"sync"
)

// InMemoryStore counts attempts in process memory. Counters do not survive a
// restart, which is acceptable: a lost counter only means a few extra retries
// before promotion.
type InMemoryStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{counts: make(map[string]int)}
}

// Bump increments and returns the attempt count for a key.
func (s *InMemoryStore) Bump(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	return s.counts[key], nil
}

// Clear forgets the attempt count for a key.
func (s *InMemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, key)
	return nil
}
