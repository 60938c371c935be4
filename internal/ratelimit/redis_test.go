package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opt, err := redis.ParseURL("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to parse redis url: %v", err)
	}
	counter := NewRedisCounter(redis.NewClient(opt))
	t.Cleanup(func() { counter.Close() })
	return counter, mr
}

func TestRedisCounterIncr(t *testing.T) {
	ctx := context.Background()
	counter, mr := newRedisCounter(t)

	for want := int64(1); want <= 3; want++ {
		got, err := counter.Incr(ctx, "test:compress:203.0.113.7:100", time.Minute)
		if err != nil {
			t.Fatalf("Incr returned error: %v", err)
		}
		if got != want {
			t.Fatalf("Incr = %d, want %d", got, want)
		}
	}

	if ttl := mr.TTL("test:compress:203.0.113.7:100"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
}

func TestRedisCounterExpiry(t *testing.T) {
	ctx := context.Background()
	counter, mr := newRedisCounter(t)

	if _, err := counter.Incr(ctx, "test:compress:203.0.113.7:100", time.Minute); err != nil {
		t.Fatalf("Incr returned error: %v", err)
	}

	mr.FastForward(time.Minute + time.Second)

	got, err := counter.Incr(ctx, "test:compress:203.0.113.7:100", time.Minute)
	if err != nil {
		t.Fatalf("Incr returned error: %v", err)
	}
	if got != 1 {
		t.Fatalf("expired key must restart from 1, got %d", got)
	}
}

func TestRedisCounterDeletePrefix(t *testing.T) {
	ctx := context.Background()
	counter, _ := newRedisCounter(t)

	for _, key := range []string{"deploy-a:k1", "deploy-a:k2", "deploy-b:k1"} {
		if _, err := counter.Incr(ctx, key, time.Minute); err != nil {
			t.Fatalf("Incr returned error: %v", err)
		}
	}

	if err := counter.DeletePrefix(ctx, "deploy-a:"); err != nil {
		t.Fatalf("DeletePrefix returned error: %v", err)
	}

	// 削除したプレフィックスは数え直し、他方は継続
	if got, _ := counter.Incr(ctx, "deploy-a:k1", time.Minute); got != 1 {
		t.Fatalf("deleted counter must restart from 1, got %d", got)
	}
	if got, _ := counter.Incr(ctx, "deploy-b:k1", time.Minute); got != 2 {
		t.Fatalf("untouched counter must continue, got %d", got)
	}
}

func TestEnforcingOverRedis(t *testing.T) {
	ctx := context.Background()
	counter, _ := newRedisCounter(t)

	quota := Quota{Limit: 2, Window: time.Minute}
	limiter := NewEnforcing(quota, "test", "compress", counter)
	limiter.now = fixedClock(time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC))

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d must be allowed", i+1)
		}
	}

	decision, err := limiter.Allow(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("request above the quota must be denied")
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter > quota.Window {
		t.Fatalf("unexpected RetryAfter: %v", decision.RetryAfter)
	}

	if err := limiter.Reset(ctx); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if decision, _ := limiter.Allow(ctx, "203.0.113.7"); !decision.Allowed {
		t.Fatal("request after reset must be allowed")
	}
}
