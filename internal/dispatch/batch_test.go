package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func noopCommitter() Committer {
	return CommitFunc(func(_ context.Context) error { return nil })
}

func TestNewWorkUnit_Validation(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		c    Committer
	}{
		{"missing id", Message{DestinationID: "pn", Recipient: "r"}, noopCommitter()},
		{"missing destination", Message{ID: "1", Recipient: "r"}, noopCommitter()},
		{"missing recipient", Message{ID: "1", DestinationID: "pn"}, noopCommitter()},
		{"missing committer", Message{ID: "1", DestinationID: "pn", Recipient: "r"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewWorkUnit(tc.msg, tc.c); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestWorkUnit_CommitAtMostOnce(t *testing.T) {
	var calls atomic.Int64
	u, err := NewWorkUnit(Message{ID: "1", DestinationID: "pn", Recipient: "r"}, CommitFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}))
	if err != nil {
		t.Fatalf("NewWorkUnit: %v", err)
	}

	copyOfUnit := u
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = copyOfUnit.Commit(context.Background())
			_ = u.Commit(context.Background())
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected exactly one commit, got %d", calls.Load())
	}
	if !u.Committed() {
		t.Error("expected Committed to report true")
	}
}

func TestWorkUnit_PayloadIsCopied(t *testing.T) {
	payload := []byte(`{"to":"1"}`)
	u, _ := NewWorkUnit(Message{ID: "1", DestinationID: "pn", Recipient: "r", Payload: payload}, noopCommitter())
	payload[2] = 'X'
	if string(u.Payload) != `{"to":"1"}` {
		t.Errorf("payload aliased caller slice: %s", u.Payload)
	}
}

func queueUnit(id string) WorkUnit {
	u, _ := NewWorkUnit(Message{ID: id, DestinationID: "pn", Recipient: id}, noopCommitter())
	return u
}

func TestQueue_SizeTrigger(t *testing.T) {
	clock := newFakeClock()
	q := newDestinationQueue("pn", 3, time.Second, clock.Now)

	q.enqueue(queueUnit("a"))
	q.enqueue(queueUnit("b"))
	if b := q.claimReady(clock.Now()); b != nil {
		t.Fatal("partial batch must not be claimed before timeout")
	}
	q.enqueue(queueUnit("c"))

	b := q.claimReady(clock.Now())
	if b == nil {
		t.Fatal("expected full batch to be claimed")
	}
	if b.Trigger() != TriggerSize || b.Size() != 3 || b.State() != BatchClaimed {
		t.Errorf("unexpected batch: trigger=%s size=%d state=%s", b.Trigger(), b.Size(), b.State())
	}
	if q.depth() != 0 {
		t.Errorf("expected empty queue, got depth %d", q.depth())
	}
}

func TestQueue_TimeoutTrigger(t *testing.T) {
	clock := newFakeClock()
	q := newDestinationQueue("pn", 80, 3*time.Second, clock.Now)

	q.enqueue(queueUnit("a"))
	if d, ok := q.untilDeadline(clock.Now()); !ok || d != 3*time.Second {
		t.Errorf("expected 3s deadline, got %v %v", d, ok)
	}

	clock.Advance(2999 * time.Millisecond)
	if q.claimReady(clock.Now()) != nil {
		t.Fatal("claimed before timeout")
	}
	clock.Advance(time.Millisecond)
	b := q.claimReady(clock.Now())
	if b == nil || b.Trigger() != TriggerTimeout || b.Size() != 1 {
		t.Fatalf("expected timeout batch of 1, got %+v", b)
	}
	if _, ok := q.untilDeadline(clock.Now()); ok {
		t.Error("empty queue should have no deadline")
	}
}

func TestQueue_EmptyNeverClaimed(t *testing.T) {
	clock := newFakeClock()
	q := newDestinationQueue("pn", 2, time.Millisecond, clock.Now)
	clock.Advance(time.Hour)
	if q.claimReady(clock.Now()) != nil {
		t.Error("empty queue must not produce a batch")
	}
}

func TestQueue_WakeSignalledOnFirstAndFull(t *testing.T) {
	clock := newFakeClock()
	q := newDestinationQueue("pn", 2, time.Second, clock.Now)

	q.enqueue(queueUnit("a"))
	select {
	case <-q.wake:
	default:
		t.Fatal("expected wake on first unit")
	}

	q.enqueue(queueUnit("b"))
	select {
	case <-q.wake:
	default:
		t.Fatal("expected wake on full batch")
	}
}

func TestQueue_SingleClaimUnderRacers(t *testing.T) {
	clock := newFakeClock()
	q := newDestinationQueue("pn", 10, time.Second, clock.Now)
	for i := 0; i < 10; i++ {
		q.enqueue(queueUnit(fmt.Sprintf("u-%d", i)))
	}

	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if q.claimReady(clock.Now()) != nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one claimer, got %d", wins.Load())
	}
}

func TestBatch_ClaimIsCompareAndSwap(t *testing.T) {
	b := &Batch{}
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.claim(TriggerSize) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected one winner, got %d", wins.Load())
	}
	b.complete()
	if b.claim(TriggerSize) {
		t.Error("completed batch must not be claimable")
	}
}

func TestQueue_NoLostUnitsAcrossOverflow(t *testing.T) {
	clock := newFakeClock()
	q := newDestinationQueue("pn", 10, time.Second, clock.Now)

	const total = 95
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < total/5; i++ {
				q.enqueue(queueUnit(fmt.Sprintf("u-%d-%d", w, i)))
			}
		}(w)
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	claim := func() {
		for {
			b := q.claimReady(clock.Now())
			if b == nil {
				return
			}
			if b.Size() > 10 {
				t.Errorf("batch over max size: %d", b.Size())
			}
			mu.Lock()
			for _, u := range b.Units() {
				if seen[u.ID] {
					t.Errorf("unit %s claimed twice", u.ID)
				}
				seen[u.ID] = true
			}
			mu.Unlock()
		}
	}

	// claim concurrently with producers
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			claim()
		}
	}()
	wg.Wait()
	<-done

	clock.Advance(time.Hour)
	claim()

	if len(seen) != total {
		t.Errorf("expected %d units claimed, got %d", total, len(seen))
	}
}

func TestQueue_DrainClaimsEverythingAndRetires(t *testing.T) {
	clock := newFakeClock()
	q := newDestinationQueue("pn", 2, time.Hour, clock.Now)
	for i := 0; i < 5; i++ {
		q.enqueue(queueUnit(fmt.Sprintf("u-%d", i)))
	}

	batches := q.drain()
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	n := 0
	for _, b := range batches {
		if b.Trigger() != TriggerDrain {
			t.Errorf("expected drain trigger, got %s", b.Trigger())
		}
		n += b.Size()
	}
	if n != 5 {
		t.Errorf("expected 5 drained units, got %d", n)
	}
	if q.enqueue(queueUnit("late")) {
		t.Error("retired queue must reject units")
	}
}

func TestQueue_RetireIfIdle(t *testing.T) {
	clock := newFakeClock()
	q := newDestinationQueue("pn", 2, time.Second, clock.Now)
	q.enqueue(queueUnit("a"))

	clock.Advance(time.Hour)
	if q.retireIfIdle(clock.Now(), time.Minute) {
		t.Fatal("queue with pending units must not retire")
	}
	q.claimReady(clock.Now())

	if q.retireIfIdle(clock.Now(), 2*time.Hour) {
		t.Fatal("queue active within ttl must not retire")
	}
	if !q.retireIfIdle(clock.Now(), time.Minute) {
		t.Fatal("expected idle queue to retire")
	}
}
