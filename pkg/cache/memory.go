package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMemoryEntries bounds MemoryCache when no size is given
const DefaultMemoryEntries = 1024

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a bounded in-process Cache. The LRU enforces an upper
// bound on entry age (maxTTL); each entry additionally carries its own
// deadline from Put.
type MemoryCache struct {
	entries *lru.LRU[string, memoryEntry]
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates a cache holding at most size entries, none older
// than maxTTL. Zero values select defaults (1024 entries, 90 days).
func NewMemoryCache(size int, maxTTL time.Duration) *MemoryCache {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	if maxTTL <= 0 {
		maxTTL = 90 * 24 * time.Hour
	}
	return &MemoryCache{
		entries: lru.NewLRU[string, memoryEntry](size, nil, maxTTL),
		now:     time.Now,
	}
}

// Get implements Cache
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	entry, ok := c.entries.Get(key)
	if !ok || !c.now().Before(entry.expiresAt) {
		if ok {
			c.entries.Remove(key)
		}
		c.misses.Add(1)
		return nil, ErrCacheMiss
	}
	c.hits.Add(1)
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Put implements Cache
func (c *MemoryCache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkPut(key, ttl); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	c.entries.Add(key, memoryEntry{value: stored, expiresAt: c.now().Add(ttl)})
	return nil
}

// Delete implements Cache
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	c.entries.Remove(key)
	return nil
}

// Len returns the number of stored entries, including expired ones not
// yet evicted.
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}

// Stats returns hit and miss counts
func (c *MemoryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
