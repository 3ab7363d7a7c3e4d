package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/oidcaccount/pkg/httputil"
	"github.com/platinummonkey/oidcaccount/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// Enabled reports whether the limit should be enforced
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerWindow > 0 && c.WindowDuration > 0
}

// DefaultLoginRateLimit bounds login and callback requests per client
func DefaultLoginRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 30,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// Limiter decides whether a request for key may proceed. When it may not,
// retryAfter says how long to wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// MemoryLimiter keeps a token bucket per key in-process. Idle buckets are
// evicted after two windows.
type MemoryLimiter struct {
	config  RateLimitConfig
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewMemoryLimiter creates an in-process limiter tracking at most size keys
func NewMemoryLimiter(config RateLimitConfig, size int) *MemoryLimiter {
	return &MemoryLimiter{
		config:  config,
		buckets: expirable.NewLRU[string, *rate.Limiter](size, nil, 2*config.WindowDuration),
	}
}

// Allow takes a token from key's bucket
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	b, ok := l.buckets.Get(key)
	if !ok {
		every := rate.Every(l.config.WindowDuration / time.Duration(l.config.RequestsPerWindow))
		b = rate.NewLimiter(every, l.config.RequestsPerWindow+l.config.BurstSize)
		l.buckets.Add(key, b)
	}

	r := b.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}

// RedisLimiter counts requests per fixed window in Redis so every
// instance shares one budget.
type RedisLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{redis: client, config: config, prefix: prefix}
}

// Allow counts the request against key's current window. Redis errors
// are returned with allowed set, so callers fail open.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, fmt.Errorf("redis error: %w", err)
	}

	retryAfter := ttl.Val()
	if retryAfter <= 0 {
		// First request of the window
		retryAfter = l.config.WindowDuration
		if err := l.redis.PExpire(ctx, redisKey, retryAfter).Err(); err != nil {
			return true, 0, fmt.Errorf("redis error: %w", err)
		}
	}

	if incr.Val() <= int64(l.config.RequestsPerWindow+l.config.BurstSize) {
		return true, 0, nil
	}
	return false, retryAfter, nil
}

// RateLimit rejects requests over the limit with 429. keyFunc picks the
// bucket, typically the client address.
func RateLimit(limiter Limiter, keyFunc func(*http.Request) string, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			allowed, retryAfter, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.WithError(err).WithField("key", key).Warn("Rate limiter unavailable, allowing request")
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
