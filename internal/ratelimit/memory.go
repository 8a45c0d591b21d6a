package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryLimiter is a single-process fixed-window limiter. Counters are not
// shared between server instances.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window), now: time.Now}
}

// WithClock replaces the time source.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, win time.Duration) (Result, error) {
	now := l.now()

	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		l.windows[key] = w
	}
	w.count++
	count, resetAt := w.count, w.resetAt
	l.mu.Unlock()

	return NewResult(count, limit, resetAt.Sub(now), now), nil
}

// Prune drops windows that have already elapsed and returns how many were removed.
func (l *MemoryLimiter) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}

type lockState struct {
	failures    int
	failureExp  time.Time
	lockedUntil time.Time
}

// MemoryLockout locks a key for duration after threshold failures. Failures
// older than duration no longer count.
type MemoryLockout struct {
	mu        sync.Mutex
	threshold int
	duration  time.Duration
	states    map[string]*lockState
	now       func() time.Time
}

func NewMemoryLockout(threshold int, duration time.Duration) *MemoryLockout {
	return &MemoryLockout{
		threshold: threshold,
		duration:  duration,
		states:    make(map[string]*lockState),
		now:       time.Now,
	}
}

func (l *MemoryLockout) WithClock(now func() time.Time) *MemoryLockout {
	l.now = now
	return l
}

func (l *MemoryLockout) RegisterFailure(_ context.Context, key string) (int, time.Duration, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[key]
	if !ok {
		st = &lockState{}
		l.states[key] = st
	}
	if !now.Before(st.failureExp) {
		st.failures = 0
	}
	st.failures++
	st.failureExp = now.Add(l.duration)
	attempts := st.failures

	if attempts >= l.threshold {
		st.lockedUntil = now.Add(l.duration)
		st.failures = 0
		return attempts, l.duration, nil
	}
	return attempts, 0, nil
}

func (l *MemoryLockout) LockedFor(_ context.Context, key string) (time.Duration, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[key]
	if !ok || !now.Before(st.lockedUntil) {
		return 0, nil
	}
	return st.lockedUntil.Sub(now), nil
}

func (l *MemoryLockout) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.states, key)
	l.mu.Unlock()
	return nil
}
