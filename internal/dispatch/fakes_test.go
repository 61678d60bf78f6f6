package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/whatsapp"
)

type fakeClient struct {
	mu       sync.Mutex
	calls    int
	failFor  map[string]bool
	delay    time.Duration
	block    bool
	gate     chan struct{}
	sentTo   []string
	inFlight map[string]int
	maxSeen  map[string]int
	started  chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		failFor:  make(map[string]bool),
		inFlight: make(map[string]int),
		maxSeen:  make(map[string]int),
		started:  make(chan struct{}, 1024),
	}
}

func (c *fakeClient) Send(ctx context.Context, req whatsapp.SendRequest) (*whatsapp.SendResponse, error) {
	var body struct {
		To string `json:"to"`
	}
	_ = json.Unmarshal(req.Body, &body)

	c.mu.Lock()
	c.calls++
	c.sentTo = append(c.sentTo, body.To)
	c.inFlight[req.PhoneNumberID]++
	if c.inFlight[req.PhoneNumberID] > c.maxSeen[req.PhoneNumberID] {
		c.maxSeen[req.PhoneNumberID] = c.inFlight[req.PhoneNumberID]
	}
	fail := c.failFor[body.To]
	delay := c.delay
	block := c.block
	gate := c.gate
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight[req.PhoneNumberID]--
		c.mu.Unlock()
	}()

	select {
	case c.started <- struct{}{}:
	default:
	}

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return &whatsapp.SendResponse{Success: false, HTTPStatus: 400, ErrorBody: "Invalid phone number"}, nil
	}
	return &whatsapp.SendResponse{
		Success:    true,
		HTTPStatus: 200,
		Data: &whatsapp.MessageResponse{
			MessagingProduct: "whatsapp",
			Messages:         []whatsapp.Message{{ID: "wamid." + body.To, MessageStatus: "accepted"}},
		},
	}, nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeClient) sendOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sentTo...)
}

func (c *fakeClient) maxConcurrent(destinationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSeen[destinationID]
}

type fakeBatcher struct {
	mu      sync.Mutex
	batches [][]db.ReportUpdate
	err     error
}

func (b *fakeBatcher) ApplyBatch(_ context.Context, rows []db.ReportUpdate) (db.BatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, append([]db.ReportUpdate(nil), rows...))
	if b.err != nil {
		return db.BatchResult{}, b.err
	}
	return db.BatchResult{Updated: len(rows)}, nil
}

func (b *fakeBatcher) snapshot() [][]db.ReportUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]db.ReportUpdate(nil), b.batches...)
}

func (b *fakeBatcher) rowCount() int {
	n := 0
	for _, rows := range b.snapshot() {
		n += len(rows)
	}
	return n
}

// stallingBatcher holds every write until ctx is cancelled.
type stallingBatcher struct {
	calls atomic.Int64
}

func (b *stallingBatcher) ApplyBatch(ctx context.Context, _ []db.ReportUpdate) (db.BatchResult, error) {
	b.calls.Add(1)
	<-ctx.Done()
	return db.BatchResult{}, fmt.Errorf("apply batch: %w", ctx.Err())
}

type fakeRouter struct {
	mu     sync.Mutex
	routed []WorkUnit
}

func (r *fakeRouter) Route(_ context.Context, u WorkUnit, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, u)
}

func (r *fakeRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routed)
}

type mapGuard struct {
	mu        sync.Mutex
	state     map[string]string
	released  int
	reserveFn func(id string) (bool, error)
}

func newMapGuard() *mapGuard { return &mapGuard{state: make(map[string]string)} }

func (g *mapGuard) Reserve(_ context.Context, id string) (bool, error) {
	if g.reserveFn != nil {
		return g.reserveFn(id)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.state[id]; ok {
		return false, nil
	}
	g.state[id] = "reserved"
	return true, nil
}

func (g *mapGuard) MarkProcessed(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state[id] = "processed"
	return nil
}

func (g *mapGuard) Release(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state[id] == "reserved" {
		delete(g.state, id)
	}
	g.released++
	return nil
}

func (g *mapGuard) get(id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state[id]
}

type commitCounter struct {
	n atomic.Int64
}

func (c *commitCounter) committer() Committer {
	return CommitFunc(func(context.Context) error {
		c.n.Add(1)
		return nil
	})
}

func makeUnit(t *testing.T, id, destination, recipient string, c Committer) WorkUnit {
	t.Helper()
	u, err := NewWorkUnit(Message{
		ID:            id,
		DestinationID: destination,
		BroadcastID:   "broadcast-1",
		Recipient:     recipient,
		Payload:       []byte(fmt.Sprintf(`{"to":%q}`, recipient)),
		AccessToken:   "token",
	}, c)
	if err != nil {
		t.Fatalf("NewWorkUnit: %v", err)
	}
	return u
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

var errBoom = errors.New("boom")
