// Package ratelimit counts requests per key in fixed windows and tracks
// per-member master-password failures.
package ratelimit

import (
	"context"
	"time"
)

// Result describes the state of a key's window after a request was counted.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter counts one request against key. Requests beyond limit inside the
// current window are reported as not allowed.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Lockout tracks failed attempts and refuses a key for a fixed duration once a
// threshold is reached.
type Lockout interface {
	// RegisterFailure records a failure and returns the attempt count in the
	// current run plus the lock duration if this failure triggered a lock.
	RegisterFailure(ctx context.Context, key string) (attempts int, lockedFor time.Duration, err error)
	// LockedFor returns the remaining lock time, zero when the key is not locked.
	LockedFor(ctx context.Context, key string) (time.Duration, error)
	Reset(ctx context.Context, key string) error
}

// NewResult builds a Result from a window count and the window's remaining TTL.
func NewResult(count int64, limit int, ttl time.Duration, now time.Time) Result {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	r := Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(ttl),
	}
	if !r.Allowed {
		r.RetryAfter = ttl
	}
	return r
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int((r.RetryAfter + time.Second - 1) / time.Second)
}

// Key joins an action and an identifier into a limiter key, e.g. cert_validation:10.0.0.1.
func Key(action, id string) string {
	return action + ":" + id
}
