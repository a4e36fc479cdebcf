package ratelimit

import (
	"context"
	"time"
)

// Result is the fixed-window decision for one call.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts calls per key in fixed windows. Both implementations honor
// the same contract: once the count reaches max inside a window, callers
// are denied until the window rolls over.
type Limiter interface {
	Check(ctx context.Context, key string, window time.Duration, max int) (Result, error)
}

// Plan-tier limits for AI-backed endpoints, shared across handlers.
const AIWindow = 3 * time.Hour

var aiLimits = map[string]int{
	"free":             3,
	"supporter":        13,
	"gifted_supporter": 13,
}

// AILimit returns the per-window AI request budget for a plan tier.
func AILimit(planTier string) int {
	if max, ok := aiLimits[planTier]; ok {
		return max
	}
	return aiLimits["free"]
}

// RetryAfterSeconds converts a window reset time into a Retry-After value,
// never less than one second.
func RetryAfterSeconds(resetAt time.Time, now time.Time) int {
	d := resetAt.Sub(now)
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
