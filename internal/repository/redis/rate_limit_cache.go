package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"family-vault/internal/client"
	"family-vault/internal/ratelimit"
	"family-vault/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// fixedWindowScript increments the window counter, starting the window on the
// first hit, and returns the count with the remaining TTL in milliseconds.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RateLimitCache is a fixed-window ratelimit.Limiter shared across instances.
type RateLimitCache struct {
	client *client.RedisClient
	now    func() time.Time
}

func NewRateLimitCache(c *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: c, now: time.Now}
}

var _ ratelimit.Limiter = (*RateLimitCache)(nil)

func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	res, err := c.client.RunScript(ctx, fixedWindowScript, []string{rateLimitPrefix + key}, window.Milliseconds())
	if err != nil {
		util.Error("Failed to execute rate limit script",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return ratelimit.Result{}, fmt.Errorf("failed to execute rate limit script: %w", err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return ratelimit.Result{}, fmt.Errorf("unexpected result format from rate limit script")
	}
	count, ok1 := pair[0].(int64)
	ttlMs, ok2 := pair[1].(int64)
	if !ok1 || !ok2 {
		return ratelimit.Result{}, fmt.Errorf("unexpected result types from rate limit script")
	}

	result := ratelimit.NewResult(count, limit, time.Duration(ttlMs)*time.Millisecond, c.now())
	if !result.Allowed {
		util.Debug("Rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", limit))
	}
	return result, nil
}

// Reset clears a key's window.
func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, rateLimitPrefix+key); err != nil {
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}
