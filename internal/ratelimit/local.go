package ratelimit

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	count   int
	resetAt time.Time
}

// LocalLimiter is a process-scoped fixed-window counter. It mirrors the
// Redis contract but only sees traffic hitting this instance.
type LocalLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	now     func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		entries: make(map[string]*localEntry),
		now:     time.Now,
	}
}

// NewLocalLimiterWithClock injects the clock for window-rollover tests.
func NewLocalLimiterWithClock(now func() time.Time) *LocalLimiter {
	l := NewLocalLimiter()
	l.now = now
	return l
}

func (l *LocalLimiter) Check(_ context.Context, key string, window time.Duration, max int) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok || !entry.resetAt.After(now) {
		// New window: logically a new counter under the same key.
		entry = &localEntry{count: 1, resetAt: now.Add(window)}
		l.entries[key] = entry
		return Result{Allowed: true, Remaining: maxInt(max-1, 0), ResetAt: entry.resetAt}, nil
	}

	if entry.count >= max {
		return Result{Allowed: false, Remaining: 0, ResetAt: entry.resetAt}, nil
	}

	entry.count++
	return Result{Allowed: true, Remaining: maxInt(max-entry.count, 0), ResetAt: entry.resetAt}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var _ Limiter = (*LocalLimiter)(nil)
