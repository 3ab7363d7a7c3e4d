package nonce

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryNonce struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-instance deployments.
// Abandoned login attempts are evicted once the store is full or the
// LRU age limit passes.
type MemoryStore struct {
	mu      sync.Mutex
	entries *lru.LRU[string, memoryNonce]
	now     func() time.Time
}

// NewMemoryStore keeps at most size outstanding nonces, none older than maxAge
func NewMemoryStore(size int, maxAge time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	if maxAge <= 0 {
		maxAge = DefaultTTL
	}
	return &MemoryStore{
		entries: lru.NewLRU[string, memoryNonce](size, nil, maxAge),
		now:     time.Now,
	}
}

// Put implements Store
func (s *MemoryStore) Put(_ context.Context, sessionID, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Add(sessionID, memoryNonce{value: value, expiresAt: s.now().Add(ttl)})
	return nil
}

// Take implements Store
func (s *MemoryStore) Take(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries.Peek(sessionID)
	if !ok {
		return "", ErrNoNonce
	}
	s.entries.Remove(sessionID)
	if !s.now().Before(entry.expiresAt) {
		return "", ErrNoNonce
	}
	return entry.value, nil
}
