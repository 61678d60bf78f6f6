package ingest

import "sync"

// offsetTracker turns out-of-order acks on one partition into the highest
// offset that is safe to commit: every offset below it has been acked.
type offsetTracker struct {
	mu      sync.Mutex
	pending []int64
	acked   map[int64]struct{}
	next    int64
	dirty   bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{acked: make(map[int64]struct{}), next: -1}
}

// track registers a received offset. Offsets arrive in increasing order.
func (t *offsetTracker) track(offset int64) {
	t.mu.Lock()
	t.pending = append(t.pending, offset)
	t.mu.Unlock()
}

func (t *offsetTracker) ack(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.acked[offset] = struct{}{}
	for len(t.pending) > 0 {
		head := t.pending[0]
		if _, ok := t.acked[head]; !ok {
			break
		}
		delete(t.acked, head)
		t.pending = t.pending[1:]
		t.next = head + 1
		t.dirty = true
	}
}

// committable returns the next offset to commit if it moved since the last call.
func (t *offsetTracker) committable() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.dirty {
		return 0, false
	}
	t.dirty = false
	return t.next, true
}

func (t *offsetTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
