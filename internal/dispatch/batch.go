package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

type BatchState int32

const (
	BatchOpen BatchState = iota
	BatchClaimed
	BatchCompleted
)

func (s BatchState) String() string {
	switch s {
	case BatchOpen:
		return "open"
	case BatchClaimed:
		return "claimed"
	case BatchCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Trigger names what caused a batch to be claimed.
type Trigger string

const (
	TriggerSize    Trigger = "size"
	TriggerTimeout Trigger = "timeout"
	TriggerDrain   Trigger = "drain"
)

// Batch is a group of work units for one destination. Units are only
// appended while the batch is open; claim moves it out of open exactly once.
type Batch struct {
	seq           uint64
	destinationID string
	createdAt     time.Time
	units         []WorkUnit
	state         atomic.Int32
	trigger       Trigger
}

func (b *Batch) DestinationID() string { return b.destinationID }
func (b *Batch) Seq() uint64           { return b.seq }
func (b *Batch) CreatedAt() time.Time  { return b.createdAt }
func (b *Batch) Units() []WorkUnit     { return b.units }
func (b *Batch) Size() int             { return len(b.units) }
func (b *Batch) Trigger() Trigger      { return b.trigger }
func (b *Batch) State() BatchState     { return BatchState(b.state.Load()) }

func (b *Batch) claim(t Trigger) bool {
	if !b.state.CompareAndSwap(int32(BatchOpen), int32(BatchClaimed)) {
		return false
	}
	b.trigger = t
	return true
}

func (b *Batch) complete() {
	b.state.Store(int32(BatchCompleted))
}

// destinationQueue accumulates work units for one destination into a FIFO
// of batches. Only the tail batch accepts appends.
type destinationQueue struct {
	id      string
	maxSize int
	timeout time.Duration
	now     func() time.Time

	mu           sync.Mutex
	batches      []*Batch
	nextSeq      uint64
	queued       int
	retired      bool
	lastActivity time.Time

	wake chan struct{}
}

func newDestinationQueue(id string, maxSize int, timeout time.Duration, now func() time.Time) *destinationQueue {
	return &destinationQueue{
		id:           id,
		maxSize:      maxSize,
		timeout:      timeout,
		now:          now,
		lastActivity: now(),
		wake:         make(chan struct{}, 1),
	}
}

// enqueue appends u and never blocks. It returns false once the queue is retired.
func (q *destinationQueue) enqueue(u WorkUnit) bool {
	q.mu.Lock()
	if q.retired {
		q.mu.Unlock()
		return false
	}

	now := q.now()
	var tail *Batch
	if n := len(q.batches); n > 0 {
		tail = q.batches[n-1]
	}
	if tail == nil || len(tail.units) >= q.maxSize || tail.State() != BatchOpen {
		q.nextSeq++
		tail = &Batch{seq: q.nextSeq, destinationID: q.id, createdAt: now}
		q.batches = append(q.batches, tail)
	}
	tail.units = append(tail.units, u)
	q.queued++
	q.lastActivity = now

	// first unit arms the timeout, a full batch is ready now
	signal := len(tail.units) == 1 || len(tail.units) >= q.maxSize
	q.mu.Unlock()

	if signal {
		q.signal()
	}
	return true
}

func (q *destinationQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// claimReady removes and returns the head batch if it is full or timed out.
func (q *destinationQueue) claimReady(now time.Time) *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.batches) > 0 {
		head := q.batches[0]

		var trigger Trigger
		switch {
		case len(head.units) >= q.maxSize:
			trigger = TriggerSize
		case len(head.units) > 0 && now.Sub(head.createdAt) >= q.timeout:
			trigger = TriggerTimeout
		default:
			return nil
		}

		q.popHeadLocked()
		if head.claim(trigger) {
			q.queued -= len(head.units)
			return head
		}
	}
	return nil
}

func (q *destinationQueue) popHeadLocked() {
	q.batches[0] = nil
	q.batches = q.batches[1:]
}

// untilDeadline reports how long until the head batch times out.
func (q *destinationQueue) untilDeadline(now time.Time) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.batches) == 0 || len(q.batches[0].units) == 0 {
		return 0, false
	}
	d := q.batches[0].createdAt.Add(q.timeout).Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// drain retires the queue and claims every remaining batch.
func (q *destinationQueue) drain() []*Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.retired = true
	var out []*Batch
	for len(q.batches) > 0 {
		head := q.batches[0]
		q.popHeadLocked()
		if len(head.units) > 0 && head.claim(TriggerDrain) {
			out = append(out, head)
		}
	}
	q.queued = 0
	return out
}

// retireIfIdle retires the queue when it has been empty for at least ttl.
func (q *destinationQueue) retireIfIdle(now time.Time, ttl time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queued > 0 || now.Sub(q.lastActivity) < ttl {
		return false
	}
	q.retired = true
	return true
}

func (q *destinationQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued
}
