package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// windowScript increments the counter and starts the window on the first
// request. It returns the count and the remaining window in milliseconds.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {count, redis.call('PTTL', KEYS[1])}
`)

// DistributedRateLimiter implements rate limiting using Redis
// This allows rate limits to be shared across multiple instances
type DistributedRateLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter. Each
// key gets RequestsPerWindow+BurstSize requests per fixed window.
func NewDistributedRateLimiter(redisClient *redis.Client, config RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config.RequestsPerWindow <= 0 || config.WindowDuration <= 0 {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "custodian:ratelimit"
	}
	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

// Allow counts the request against key's current window.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	reply, err := windowScript.Run(ctx, rl.redis, []string{redisKey}, rl.config.WindowDuration.Milliseconds()).Result()
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("redis error: %w", err)
	}
	res, ok := reply.([]interface{})
	if !ok || len(res) != 2 {
		return Decision{Allowed: true}, fmt.Errorf("unexpected rate limit reply %v", reply)
	}
	count, _ := res[0].(int64)
	pttl, _ := res[1].(int64)

	limit := rl.config.RequestsPerWindow + rl.config.BurstSize
	window := time.Duration(pttl) * time.Millisecond
	if window <= 0 {
		window = rl.config.WindowDuration
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Limit:     rl.config.RequestsPerWindow,
		Remaining: max(limit-int(count), 0),
		Reset:     time.Now().Add(window),
	}, nil
}

// Reset clears the rate limit for a key.
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Err()
}
