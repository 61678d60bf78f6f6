package idempotency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(window time.Duration, max int) (*Guard, *clock) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := New(window, max, zap.NewNop())
	g.now = c.Now
	return g, c
}

func TestGuard_ReserveThenDuplicate(t *testing.T) {
	g, _ := newTestGuard(time.Hour, 100)
	ctx := context.Background()

	ok, err := g.Reserve(ctx, "evt-1")
	if err != nil || !ok {
		t.Fatalf("first reserve should succeed: %v %v", ok, err)
	}
	if ok, _ := g.Reserve(ctx, "evt-1"); ok {
		t.Fatal("in-flight id must be rejected")
	}
	if !g.IsDuplicate("evt-1") {
		t.Error("reserved id should be a duplicate")
	}
}

func TestGuard_ReplayAfterProcessedIsDuplicate(t *testing.T) {
	g, c := newTestGuard(time.Hour, 100)
	ctx := context.Background()

	_, _ = g.Reserve(ctx, "evt-1")
	_ = g.MarkProcessed(ctx, "evt-1")

	c.Advance(59 * time.Minute)
	if ok, _ := g.Reserve(ctx, "evt-1"); ok {
		t.Fatal("replay within window must be rejected")
	}

	c.Advance(2 * time.Minute)
	if g.IsDuplicate("evt-1") {
		t.Fatal("id must expire after the window")
	}
	if ok, _ := g.Reserve(ctx, "evt-1"); !ok {
		t.Fatal("expired id should be reservable again")
	}
}

func TestGuard_ReleaseOnlyDropsReservations(t *testing.T) {
	g, _ := newTestGuard(time.Hour, 100)
	ctx := context.Background()

	_, _ = g.Reserve(ctx, "a")
	_ = g.Release(ctx, "a")
	if g.IsDuplicate("a") {
		t.Error("released reservation should be forgotten")
	}

	_, _ = g.Reserve(ctx, "b")
	_ = g.MarkProcessed(ctx, "b")
	_ = g.Release(ctx, "b")
	if !g.IsDuplicate("b") {
		t.Error("processed id must survive release")
	}
}

func TestGuard_LiveIdsBeyondLimitStayDuplicates(t *testing.T) {
	g, c := newTestGuard(time.Hour, 3)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = g.Reserve(ctx, fmt.Sprintf("id-%d", i))
		if i%2 == 0 {
			_ = g.MarkProcessed(ctx, fmt.Sprintf("id-%d", i))
		}
		c.Advance(time.Second)
	}

	if g.Len() != 10 {
		t.Fatalf("live ids must not be evicted, got %d of 10", g.Len())
	}
	for i := 0; i < 10; i++ {
		if ok, _ := g.Reserve(ctx, fmt.Sprintf("id-%d", i)); ok {
			t.Errorf("replay of id-%d within the window must be a duplicate", i)
		}
	}
}

func TestGuard_ExpiresOldestOnWrite(t *testing.T) {
	g, c := newTestGuard(time.Minute, 2)
	ctx := context.Background()

	_ = g.MarkProcessed(ctx, "old")
	c.Advance(30 * time.Second)
	_ = g.MarkProcessed(ctx, "a")
	c.Advance(31 * time.Second)
	_ = g.MarkProcessed(ctx, "b")

	if g.Len() != 2 || !g.IsDuplicate("a") || !g.IsDuplicate("b") || g.IsDuplicate("old") {
		t.Errorf("expected only the expired entry dropped, len=%d", g.Len())
	}
}

func TestGuard_MarkProcessedRestartsWindow(t *testing.T) {
	g, c := newTestGuard(time.Minute, 100)
	ctx := context.Background()

	_, _ = g.Reserve(ctx, "first")
	c.Advance(10 * time.Second)
	_, _ = g.Reserve(ctx, "second")
	c.Advance(40 * time.Second)
	_ = g.MarkProcessed(ctx, "first")

	c.Advance(25 * time.Second)
	if g.IsDuplicate("second") {
		t.Error("second should have expired")
	}
	if !g.IsDuplicate("first") {
		t.Error("first was processed 25s ago and must still be tracked")
	}
}

func TestGuard_LargeWindowStaysFast(t *testing.T) {
	g, _ := newTestGuard(time.Hour, DefaultMaxEntries)
	ctx := context.Background()

	for i := 0; i < 2*DefaultMaxEntries; i++ {
		_ = g.MarkProcessed(ctx, fmt.Sprintf("seed-%d", i))
	}

	start := time.Now()
	for i := 0; i < 5000; i++ {
		if ok, _ := g.Reserve(ctx, fmt.Sprintf("new-%d", i)); !ok {
			t.Fatalf("fresh id new-%d rejected", i)
		}
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("5000 reserves over a full window took %s", elapsed)
	}
	if ok, _ := g.Reserve(ctx, "seed-0"); ok {
		t.Error("seed-0 was evicted while still inside the window")
	}
}

func TestGuard_ConcurrentReserveSingleWinner(t *testing.T) {
	g := New(time.Hour, 100, zap.NewNop())

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := g.Reserve(context.Background(), "same"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected one winner, got %d", wins.Load())
	}
}

func TestNew_Defaults(t *testing.T) {
	g := New(0, 0, zap.NewNop())
	if g.window != DefaultWindow || g.maxEntries != DefaultMaxEntries {
		t.Errorf("unexpected defaults: %v %d", g.window, g.maxEntries)
	}
}
