package mfa

import (
	"context"

	"github.com/redis/go-redis/v9"
)

var _ Limiter = (*RedisLimiter)(nil)

// RedisLimiter implements the fixed-window attempt limiter on Redis. INCR is
// atomic, so the cap holds under concurrency; the key's TTL is the window.
type RedisLimiter struct {
	client redis.UniversalClient
}

func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func limiterKey(userID string) string {
	return "mfa:attempts:" + userID
}

func (l *RedisLimiter) CheckAndIncrement(ctx context.Context, userID string) (Decision, error) {
	key := limiterKey(userID)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, RateLimitWindow).Err(); err != nil {
			return Decision{}, err
		}
	}

	if count > int64(RateLimitMaxAttempts) {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil {
			return Decision{}, err
		}
		if ttl < 0 {
			// Key lost its TTL (e.g. the Expire above raced a crash); reattach
			// rather than block forever.
			_ = l.client.Expire(ctx, key, RateLimitWindow).Err()
			ttl = RateLimitWindow
		}
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true}, nil
}

func (l *RedisLimiter) Reset(ctx context.Context, userID string) error {
	return l.client.Del(ctx, limiterKey(userID)).Err()
}
