package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps nonces under "<prefix>nonce:<session>" and consumes
// them with GETDEL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on an existing client
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + "nonce:" + sessionID
}

// Put implements Store
func (s *RedisStore) Put(ctx context.Context, sessionID, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(sessionID), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Take implements Store
func (s *RedisStore) Take(ctx context.Context, sessionID string) (string, error) {
	value, err := s.client.GetDel(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoNonce
	}
	if err != nil {
		return "", fmt.Errorf("redis getdel failed: %w", err)
	}
	return value, nil
}
