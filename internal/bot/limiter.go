package bot

import (
	"context"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

const limiterKeyPrefix = "ratelimit:commands:"

// RedisLimiter is a per-user GCRA limiter shared by every bot replica
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter allows perMinute commands per user. It returns nil when perMinute is not positive.
func NewRedisLimiter(client *redis.Client, perMinute int) *RedisLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   redis_rate.PerMinute(perMinute),
	}
}

// Allow consumes one token for userID
func (l *RedisLimiter) Allow(ctx context.Context, userID string) (bool, time.Duration, error) {
	res, err := l.limiter.Allow(ctx, limiterKeyPrefix+userID, l.limit)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed > 0, res.RetryAfter, nil
}
