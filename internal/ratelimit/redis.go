package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements fixed-window limiting against a shared Redis
// backend so the count is correct across processes.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "ratelimit:"}
}

// Check increments the window counter and reads its remaining TTL in one
// script, so concurrent callers cannot both observe a stale pre-increment
// count. The first hit in a window sets the expiry that defines the window
// boundary.
func (l *RedisLimiter) Check(ctx context.Context, key string, window time.Duration, max int) (Result, error) {
	res, err := windowScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Result{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}
	count, ok := arr[0].(int64)
	if !ok {
		return Result{}, fmt.Errorf("unexpected count type %T", arr[0])
	}
	ttlMs, ok := arr[1].(int64)
	if !ok {
		return Result{}, fmt.Errorf("unexpected ttl type %T", arr[1])
	}

	resetAt := time.Now().Add(window)
	if ttlMs > 0 {
		resetAt = time.Now().Add(time.Duration(ttlMs) * time.Millisecond)
	}

	if count > int64(max) {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local window_ms = tonumber(ARGV[1])

local count = redis.call('INCR', key)
if count == 1 then
  redis.call('PEXPIRE', key, window_ms)
end
local ttl = redis.call('PTTL', key)
if ttl < 0 then
  redis.call('PEXPIRE', key, window_ms)
  ttl = window_ms
end
return {count, ttl}
`)

var _ Limiter = (*RedisLimiter)(nil)
