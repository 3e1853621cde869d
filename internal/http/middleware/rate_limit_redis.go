package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFixedWindowLimiter shares counters between gateway instances. Each
// key gets one counter per window, created by INCR and expired with it.
type RedisFixedWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisFixedWindowLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisFixedWindowLimiter {
	if prefix == "" {
		prefix = "rl"
	}
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisFixedWindowLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (l *RedisFixedWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	start := now.Truncate(l.window)
	resetAt := start.Add(l.window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, start.UnixMilli())

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.PExpire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", l.prefix, err)
	}

	count := int(incr.Val())
	if count > l.limit {
		return Decision{Allowed: false, RetryAfter: resetAt.Sub(now), ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, Remaining: l.limit - count, ResetAt: resetAt}, nil
}
