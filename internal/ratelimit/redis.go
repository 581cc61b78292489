package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/strataproxy/strata/internal/logging"
)

// slidingWindowScript implements a sliding window limiter over a Redis sorted
// set. Returns [allowed (0/1), remaining, resetUnixMilli].
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
else
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if #oldest >= 2 then
        reset = tonumber(oldest[2]) + window
    end
    return {0, 0, reset}
end
`)

// RedisLimiter is a Redis-backed sliding window limiter shared across gateway
// instances. If Redis is unreachable the limiter fails open: an unavailable
// shared limiter must not take down request handling.
type RedisLimiter struct {
	client  *redis.Client
	prefix  string
	limit   int
	window  time.Duration
	timeout time.Duration
}

// NewRedisLimiter creates a distributed limiter for the policy.
func NewRedisLimiter(client *redis.Client, p Policy) *RedisLimiter {
	p = p.withDefaults()
	limit := p.Rate
	if p.Burst > limit {
		limit = p.Burst
	}
	return &RedisLimiter{
		client:  client,
		prefix:  "strata:rl:",
		limit:   limit,
		window:  p.Period,
		timeout: 100 * time.Millisecond,
	}
}

// Admit runs the sliding window script for key.
func (rl *RedisLimiter) Admit(ctx context.Context, key string) Decision {
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	now := time.Now()
	result, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{rl.prefix + key},
		now.UnixMilli(),
		rl.window.Milliseconds(),
		rl.limit,
	).Int64Slice()
	if err != nil || len(result) < 3 {
		logging.Warn("redis rate limit unavailable, failing open", zap.Error(err))
		return Decision{Allowed: true, Remaining: rl.limit, Reset: now.Add(rl.window)}
	}

	reset := time.UnixMilli(result[2])
	d := Decision{
		Allowed:   result[0] == 1,
		Remaining: int(result[1]),
		Reset:     reset,
	}
	if !d.Allowed {
		d.RetryAfter = retryAfter(now, reset)
	}
	return d
}

// Close is a no-op; the Redis client is owned by the gateway.
func (rl *RedisLimiter) Close() {}
