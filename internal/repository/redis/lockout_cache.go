package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"family-vault/internal/client"
	"family-vault/internal/ratelimit"
	"family-vault/internal/util"
)

const (
	lockoutFailuresPrefix = "auth_failures:"
	lockoutLockPrefix     = "auth_lock:"
)

// LockoutCache counts master-password failures per member and holds a lock key
// once the threshold is hit.
type LockoutCache struct {
	client    *client.RedisClient
	threshold int
	duration  time.Duration
}

func NewLockoutCache(c *client.RedisClient, threshold int, duration time.Duration) *LockoutCache {
	return &LockoutCache{client: c, threshold: threshold, duration: duration}
}

var _ ratelimit.Lockout = (*LockoutCache)(nil)

func (c *LockoutCache) RegisterFailure(ctx context.Context, key string) (int, time.Duration, error) {
	attempts, err := c.client.IncrWithExpire(ctx, lockoutFailuresPrefix+key, c.duration)
	if err != nil {
		util.Error("Failed to increment failure counter", zap.String("key", key), zap.Error(err))
		return 0, 0, fmt.Errorf("failed to increment failure counter: %w", err)
	}
	if int(attempts) < c.threshold {
		return int(attempts), 0, nil
	}

	set, err := c.client.SetNX(ctx, lockoutLockPrefix+key, "locked", c.duration)
	if err != nil {
		return int(attempts), 0, fmt.Errorf("failed to set lock: %w", err)
	}
	if err := c.client.Del(ctx, lockoutFailuresPrefix+key); err != nil {
		util.Warn("Failed to clear failure counter", zap.String("key", key), zap.Error(err))
	}
	if !set {
		// Another instance locked first.
		remaining, err := c.LockedFor(ctx, key)
		return int(attempts), remaining, err
	}

	util.Warn("Account locked", zap.String("key", key), zap.Duration("duration", c.duration))
	return int(attempts), c.duration, nil
}

func (c *LockoutCache) LockedFor(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, lockoutLockPrefix+key)
	if err != nil {
		return 0, fmt.Errorf("failed to read lock: %w", err)
	}
	// PTTL is negative for a missing key or one without expiry.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (c *LockoutCache) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, lockoutFailuresPrefix+key, lockoutLockPrefix+key); err != nil {
		return fmt.Errorf("failed to reset lockout: %w", err)
	}
	return nil
}
