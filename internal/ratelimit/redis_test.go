package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLimiterWindow(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLimiter(client)

	for i := 1; i <= 3; i++ {
		res, err := l.Check(ctx, "tenant", time.Minute, 3)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if res.Remaining != 3-i {
			t.Fatalf("call %d: remaining = %d, want %d", i, res.Remaining, 3-i)
		}
	}

	res, err := l.Check(ctx, "tenant", time.Minute, 3)
	if err != nil {
		t.Fatalf("check over limit: %v", err)
	}
	if res.Allowed {
		t.Fatalf("fourth call should be denied")
	}
	if res.Remaining != 0 {
		t.Fatalf("denied call remaining = %d, want 0", res.Remaining)
	}
	if !res.ResetAt.After(time.Now()) {
		t.Fatalf("reset time should be in the future, got %s", res.ResetAt)
	}

	// The expiry set on the first hit defines the window; once it lapses
	// the same key starts a fresh count.
	mr.FastForward(time.Minute + time.Second)
	res, err = l.Check(ctx, "tenant", time.Minute, 3)
	if err != nil {
		t.Fatalf("check after window: %v", err)
	}
	if !res.Allowed || res.Remaining != 2 {
		t.Fatalf("new window: allowed=%v remaining=%d, want allowed with 2 left", res.Allowed, res.Remaining)
	}
}

func TestRedisLimiterKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLimiter(client)

	if res, _ := l.Check(ctx, "events-sync:org1", time.Minute, 1); !res.Allowed {
		t.Fatalf("first org should be allowed")
	}
	if res, _ := l.Check(ctx, "events-sync:org1", time.Minute, 1); res.Allowed {
		t.Fatalf("first org should now be denied")
	}
	if res, _ := l.Check(ctx, "events-sync:org2", time.Minute, 1); !res.Allowed {
		t.Fatalf("second org must not share the first org's window")
	}
}
