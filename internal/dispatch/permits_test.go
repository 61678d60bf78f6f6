package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPermitPool_AcquireRelease(t *testing.T) {
	p := NewPermitPool(10, nil)

	lease, err := p.Acquire(context.Background(), "pn-1", 4)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := p.InUse("pn-1"); got != 4 {
		t.Errorf("expected 4 in use, got %d", got)
	}

	lease.Release()
	lease.Release()
	if got := p.InUse("pn-1"); got != 0 {
		t.Errorf("double release must be a no-op, got %d in use", got)
	}
}

func TestPermitPool_TotalInUseTracksLeases(t *testing.T) {
	p := NewPermitPool(10, nil)

	a, err := p.Acquire(context.Background(), "pn-1", 3)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := p.Acquire(context.Background(), "pn-2", 2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := p.TotalInUse(); got != 5 {
		t.Errorf("expected 5 held, got %d", got)
	}

	a.Release()
	if got := p.TotalInUse(); got != 2 {
		t.Errorf("expected 2 held after first release, got %d", got)
	}
	b.Release()
	b.Release()
	if got := p.TotalInUse(); got != 0 {
		t.Errorf("expected 0 held, got %d", got)
	}
}

func TestPermitPool_RejectsInvalidCounts(t *testing.T) {
	p := NewPermitPool(5, nil)
	if _, err := p.Acquire(context.Background(), "pn", 0); err == nil {
		t.Error("expected error for zero permits")
	}
	if _, err := p.Acquire(context.Background(), "pn", 6); err == nil {
		t.Error("expected error for more permits than pool size")
	}
}

func TestPermitPool_BlocksUntilReleased(t *testing.T) {
	p := NewPermitPool(2, nil)
	held, _ := p.Acquire(context.Background(), "pn", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, "pn", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected acquire to block until deadline, got %v", err)
	}

	got := make(chan *Lease)
	go func() {
		l, _ := p.Acquire(context.Background(), "pn", 1)
		got <- l
	}()
	held.Release()

	select {
	case l := <-got:
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after release")
	}
}

func TestPermitPool_DestinationsAreIndependent(t *testing.T) {
	p := NewPermitPool(1, nil)
	a, _ := p.Acquire(context.Background(), "pn-a", 1)
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := p.Acquire(ctx, "pn-b", 1)
	if err != nil {
		t.Fatalf("other destination must not be blocked: %v", err)
	}
	b.Release()
}

func TestPermitPool_CeilingUnderStress(t *testing.T) {
	const size = 8
	p := NewPermitPool(size, nil)

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				n := rng.Intn(size) + 1
				lease, err := p.Acquire(context.Background(), "pn", n)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				now := current.Add(int64(n))
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}
				if inUse := p.InUse("pn"); inUse > size {
					t.Errorf("in use %d exceeds pool size", inUse)
				}
				current.Add(-int64(n))
				lease.Release()
			}
		}(int64(g))
	}
	wg.Wait()

	if peak.Load() > size {
		t.Errorf("peak %d exceeded pool size %d", peak.Load(), size)
	}
	if p.InUse("pn") != 0 {
		t.Errorf("expected all permits returned, got %d", p.InUse("pn"))
	}
}

func TestPermitPool_SweepEvictsOnlyIdle(t *testing.T) {
	clock := newFakeClock()
	p := NewPermitPool(4, clock.Now)

	idle, _ := p.Acquire(context.Background(), "pn-idle", 1)
	idle.Release()
	busy, _ := p.Acquire(context.Background(), "pn-busy", 2)

	clock.Advance(7 * time.Hour)
	if evicted := p.Sweep(6 * time.Hour); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}

	st := p.Stats()
	if st.Pools != 1 || st.Destinations[0].DestinationID != "pn-busy" {
		t.Errorf("expected only busy pool left, got %+v", st)
	}
	if st.InUse != 2 || st.Destinations[0].Available != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}

	busy.Release()
	if evicted := p.Sweep(6 * time.Hour); evicted != 0 {
		t.Error("recently released pool must not be evicted")
	}
	clock.Advance(6 * time.Hour)
	if evicted := p.Sweep(6 * time.Hour); evicted != 1 {
		t.Error("expected released pool evicted after ttl")
	}
}

func TestPermitPool_SweepSkipsWaiters(t *testing.T) {
	clock := newFakeClock()
	p := NewPermitPool(1, clock.Now)
	held, _ := p.Acquire(context.Background(), "pn", 1)

	waiting := make(chan *Lease)
	go func() {
		l, _ := p.Acquire(context.Background(), "pn", 1)
		waiting <- l
	}()

	clock.Advance(24 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	if evicted := p.Sweep(time.Hour); evicted != 0 {
		t.Fatal("pool with holders or waiters must not be evicted")
	}

	held.Release()
	l := <-waiting
	if p.InUse("pn") != 1 {
		t.Errorf("waiter should hold the same pool's permit, got %d", p.InUse("pn"))
	}
	l.Release()
}
