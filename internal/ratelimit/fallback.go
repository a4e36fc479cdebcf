package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"event-sync-service/internal/telemetry"
)

// FallbackLimiter answers from a shared backend and degrades to a local
// counter when that backend errors. This trades strict cross-process
// enforcement for availability: a Redis outage must never block the
// caller's primary operation, so during one the window is only enforced
// per instance. Operators are notified; end users are not.
type FallbackLimiter struct {
	primary  Limiter
	fallback Limiter
	log      *logrus.Logger
	notify   func(ctx context.Context, err error)

	mu         sync.Mutex
	lastNotify time.Time
}

// notifyInterval throttles operator alerts during a sustained outage.
const notifyInterval = time.Minute

func NewFallbackLimiter(primary, fallback Limiter, log *logrus.Logger, notify func(ctx context.Context, err error)) *FallbackLimiter {
	return &FallbackLimiter{primary: primary, fallback: fallback, log: log, notify: notify}
}

func (l *FallbackLimiter) Check(ctx context.Context, key string, window time.Duration, max int) (Result, error) {
	res, err := l.primary.Check(ctx, key, window, max)
	if err == nil {
		return res, nil
	}

	telemetry.RateLimitFallback.Inc()
	l.log.WithError(err).WithField("key", key).Warn("rate limit backend unavailable, using local counter")
	if l.notify != nil && l.shouldNotify() {
		l.notify(ctx, err)
	}
	return l.fallback.Check(ctx, key, window, max)
}

func (l *FallbackLimiter) shouldNotify() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastNotify) < notifyInterval {
		return false
	}
	l.lastNotify = time.Now()
	return true
}

var _ Limiter = (*FallbackLimiter)(nil)
