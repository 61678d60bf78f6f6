package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, func()) {
	t.Helper()
	client, cleanup := setupTestRedis(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: limit, Window: window})
	return limiter, cleanup
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 5, time.Minute)
	defer cleanup()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(context.Background(), "account-1")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i || result.Limit != 5 {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 3, time.Minute)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if result, _ := limiter.Allow(ctx, "account-1"); !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	result, err := limiter.Allow(ctx, "account-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed || result.Remaining != 0 {
		t.Fatalf("expected blocked with 0 remaining, got %+v", result)
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 2, time.Minute)
	defer cleanup()

	ctx := context.Background()
	_, _ = limiter.AllowN(ctx, "key-a", 2)

	result, _ := limiter.Allow(ctx, "key-b")
	if !result.Allowed || result.Remaining != 1 {
		t.Fatalf("key-b should be independent, got %+v", result)
	}
}

func TestRateLimiter_AllowNIsAllOrNothing(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 10, time.Minute)
	defer cleanup()

	ctx := context.Background()
	result, err := limiter.AllowN(ctx, "bulk", 5)
	if err != nil || !result.Allowed || result.Remaining != 5 {
		t.Fatalf("expected 5 allowed with 5 remaining, got %+v %v", result, err)
	}

	if result, _ = limiter.AllowN(ctx, "bulk", 6); result.Allowed {
		t.Fatal("6 more should be blocked")
	}
	// the rejected request must not consume capacity
	if result, _ = limiter.AllowN(ctx, "bulk", 5); !result.Allowed {
		t.Fatal("remaining 5 should still be available")
	}
}

func TestRateLimiter_ConcurrentCallersRespectLimit(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 10, time.Minute)
	defer cleanup()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := limiter.Allow(context.Background(), "hot"); err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 10 {
		t.Errorf("expected exactly 10 allowed, got %d", allowed.Load())
	}
}
