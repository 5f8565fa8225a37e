package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})

	return limiter, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 10, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 10; i++ {
		result, err := limiter.Consume(ctx, "ip:1.2.3.4", "send_sms")
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if result.Remaining != 9-i {
			t.Errorf("call %d: remaining = %d, want %d", i, result.Remaining, 9-i)
		}
	}
}

func TestRateLimiter_DeniesOverLimit(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 10, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := limiter.Consume(ctx, "ip:1.2.3.4", "send_sms"); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}

	result, err := limiter.Consume(ctx, "ip:1.2.3.4", "send_sms")
	if err != nil {
		t.Fatalf("11th call failed: %v", err)
	}
	if result.Allowed {
		t.Error("11th call should be denied")
	}
	if result.ResetIn <= 0 || result.ResetIn > time.Minute {
		t.Errorf("ResetIn = %v, want in (0, 1m]", result.ResetIn)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 1, time.Minute)
	defer cleanup()

	ctx := context.Background()

	if r, _ := limiter.Consume(ctx, "ip:1.1.1.1", "send_sms"); !r.Allowed {
		t.Fatal("first key should be allowed")
	}
	if r, _ := limiter.Consume(ctx, "ip:2.2.2.2", "send_sms"); !r.Allowed {
		t.Error("different key should have its own window")
	}
	if r, _ := limiter.Consume(ctx, "ip:1.1.1.1", "send_email"); !r.Allowed {
		t.Error("different function should have its own window")
	}
	if r, _ := limiter.Consume(ctx, "ip:1.1.1.1", "send_sms"); r.Allowed {
		t.Error("second call on the same (key, fn) should be denied")
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	limiter, mr, cleanup := setupTestRateLimiter(t, 2, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := limiter.Consume(ctx, "acct:42", "batch_email"); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}

	if r, _ := limiter.Consume(ctx, "acct:42", "batch_email"); r.Allowed {
		t.Fatal("third call should be denied before window expiry")
	}

	mr.FastForward(61 * time.Second)

	result, err := limiter.Consume(ctx, "acct:42", "batch_email")
	if err != nil {
		t.Fatalf("post-reset call failed: %v", err)
	}
	if !result.Allowed {
		t.Error("call after window expiry should be allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("remaining after reset = %d, want 1", result.Remaining)
	}
}
