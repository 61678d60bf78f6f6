package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// slidingWindowScript trims, counts and conditionally adds in one round trip
// so concurrent callers cannot both take the last slot.
// KEYS[1] key, ARGV: now_ns, window_start_ns, limit, n, member_prefix, ttl_ms
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "0", ARGV[2])
local count = redis.call("ZCARD", KEYS[1])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
if count + n > limit then
	return {0, count}
end
for i = 1, n do
	redis.call("ZADD", KEYS[1], ARGV[1], ARGV[5] .. "-" .. i)
end
redis.call("PEXPIRE", KEYS[1], ARGV[6])
return {1, count + n}
`)

// RateLimiter implements sliding window rate limiting using Redis sorted sets.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed and records them if so.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)

	res, err := slidingWindowScript.Run(ctx, r.client.rdb, []string{"ratelimit:" + key},
		now.UnixNano(),
		windowStart.UnixNano(),
		r.config.Limit,
		n,
		uuid.NewString(),
		(r.config.Window + time.Second).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}

	allowed, count := res[0] == 1, int(res[1])
	result := &RateLimitResult{
		Allowed:   allowed,
		Limit:     r.config.Limit,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   resetAt,
	}

	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
	}
	return result, nil
}
