// Package idempotency tracks recently seen work unit ids in process memory.
package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultWindow     = time.Hour
	DefaultMaxEntries = 10000
)

type state uint8

const (
	stateReserved state = iota + 1
	stateProcessed
)

type record struct {
	id     string
	seenAt time.Time
	state  state
}

// Guard is an advisory duplicate filter. Ids are forgotten only once they
// are older than the window; live ids are never evicted. Records are kept in
// seenAt order, so expiry pops from the front and every call is amortised O(1).
// maxEntries is a soft limit that only produces a warning when crossed.
type Guard struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	overCap bool
}

func New(window time.Duration, maxEntries int, logger *zap.Logger) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Guard{
		window:     window,
		maxEntries: maxEntries,
		now:        time.Now,
		logger:     logger,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// IsDuplicate reports whether id was reserved or processed within the window.
func (g *Guard) IsDuplicate(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireLocked(g.now())
	_, ok := g.entries[id]
	return ok
}

// Reserve claims id for processing. It returns false if id is already
// reserved or was processed within the window.
func (g *Guard) Reserve(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.expireLocked(now)
	if _, ok := g.entries[id]; ok {
		return false, nil
	}
	g.touchLocked(id, stateReserved, now)
	return true, nil
}

// MarkProcessed records id as done; the window restarts from now.
func (g *Guard) MarkProcessed(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.expireLocked(now)
	g.touchLocked(id, stateProcessed, now)
	return nil
}

// Release drops a reservation that never completed. Processed ids are kept.
func (g *Guard) Release(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.entries[id]; ok && el.Value.(*record).state == stateReserved {
		g.order.Remove(el)
		delete(g.entries, id)
	}
	return nil
}

// Len returns the number of ids inside the window.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireLocked(g.now())
	return len(g.entries)
}

// touchLocked moves id to the back of the order with a fresh seenAt.
func (g *Guard) touchLocked(id string, st state, now time.Time) {
	if el, ok := g.entries[id]; ok {
		r := el.Value.(*record)
		r.seenAt, r.state = now, st
		g.order.MoveToBack(el)
		return
	}
	g.entries[id] = g.order.PushBack(&record{id: id, seenAt: now, state: st})

	if len(g.entries) > g.maxEntries && !g.overCap {
		g.overCap = true
		g.logger.Warn("idempotency window holds more ids than expected",
			zap.Int("entries", len(g.entries)),
			zap.Int("max_entries", g.maxEntries),
			zap.Duration("window", g.window),
		)
	}
}

// expireLocked drops records older than the window from the front.
func (g *Guard) expireLocked(now time.Time) {
	for el := g.order.Front(); el != nil; el = g.order.Front() {
		r := el.Value.(*record)
		if now.Sub(r.seenAt) < g.window {
			break
		}
		g.order.Remove(el)
		delete(g.entries, r.id)
	}
	if g.overCap && len(g.entries) <= g.maxEntries {
		g.overCap = false
	}
}
