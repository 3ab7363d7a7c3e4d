// Package cache provides the shared key-value store that identity provider
// metadata and login sessions are kept in. RedisCache shares entries
// between processes; MemoryCache keeps them in-process.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss is returned by Get when the key is absent or expired
	ErrCacheMiss = errors.New("cache miss")
	// ErrInvalidKey is returned for empty keys
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrInvalidTTL is returned by Put when ttl is not positive
	ErrInvalidTTL = errors.New("cache ttl must be positive")
)

// Cache is a byte-oriented key-value store with per-entry expiry.
type Cache interface {
	// Get returns the stored value or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key for ttl, replacing any previous value.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

func checkPut(key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
