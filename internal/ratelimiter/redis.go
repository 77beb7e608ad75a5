package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisLimiter is the optional distributed backend for a Limiter. It
// is deliberately narrow in scope: the base spec treats clustered rate
// limiting as a non-goal, so this exists only as an opt-in escape
// hatch, gated behind an explicit redis_url in route config rather
// than being the default path.
type redisLimiter struct {
	client *redis.Client
	script *redis.Script
	quota  int
	window time.Duration
}

// Sliding window over a Redis sorted set: each admitted request adds
// its timestamp; expired entries are pruned atomically before the
// count is compared against quota.
const slidingWindowLua = `
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local cutoff = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, oldest[2]}
end
redis.call('ZADD', key, now, now)
redis.call('EXPIRE', key, math.ceil(window/1000))
return {1, 0}
`

func newRedisLimiter(cfg Config) (*redisLimiter, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimiter %q: parse redis_url: %w", cfg.ID, err)
	}
	return &redisLimiter{
		client: redis.NewClient(opts),
		script: redis.NewScript(slidingWindowLua),
		quota:  cfg.Quota,
		window: cfg.Period,
	}, nil
}

func (rl *redisLimiter) allow(ctx context.Context, key string) Result {
	nowMs := time.Now().UnixMilli()
	windowMs := rl.window.Milliseconds()

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	res, err := rl.script.Run(ctx, rl.client, []string{"rl:" + key},
		nowMs, windowMs, rl.quota).Int64Slice()
	if err != nil {
		// Redis unavailable — fail open rather than stall every request
		// behind a dead dependency.
		return Result{Allowed: true}
	}

	if res[0] == 0 {
		oldestMs := res[1]
		retryAfter := time.Duration(oldestMs+windowMs-nowMs) * time.Millisecond
		return Result{Allowed: false, RetryAfter: retryAfter}
	}
	return Result{Allowed: true}
}
