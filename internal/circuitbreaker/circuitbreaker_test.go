package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/whatsapp"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *manualClock {
	return &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func newTestBreaker(cfg Config) (*Breaker, *manualClock) {
	clock := newClock()
	return newBreaker("pn-1", cfg, zap.NewNop(), clock.Now), clock
}

func fail(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		if b.Allow() == nil {
			b.Record(true)
		}
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 3, RecoveryTimeout: time.Second})
	fail(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("expected closed below threshold, got %s", b.State())
	}
	fail(b, 1)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	err := b.Allow()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker must reject, got %v", err)
	}
	var open *OpenError
	if !errors.As(err, &open) || open.Destination != "pn-1" || open.RetryIn != time.Second {
		t.Fatalf("unexpected open error: %#v", err)
	}
}

func TestBreaker_HalfOpenLifecycle(t *testing.T) {
	b, clock := newTestBreaker(Config{MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
	fail(b, 2)

	clock.Advance(29 * time.Second)
	var open *OpenError
	if err := b.Allow(); !errors.As(err, &open) || open.RetryIn != time.Second {
		t.Fatalf("must reject with 1s left, got %v", err)
	}

	clock.Advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("should allow one trial call after cooldown: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("second half-open call should be rejected")
	}

	b.Record(true)
	if b.State() != StateOpen {
		t.Fatalf("failed trial call should reopen, got %s", b.State())
	}

	clock.Advance(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial call after second cooldown: %v", err)
	}
	b.Record(false)
	if b.State() != StateClosed {
		t.Fatalf("successful trial call should close, got %s", b.State())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 3})
	fail(b, 2)
	_ = b.Allow()
	b.Record(false)
	fail(b, 2)
	if b.State() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestBreaker_Stats(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxFailures: 2})
	_ = b.Allow()
	b.Record(false)
	fail(b, 2)
	_ = b.Allow()

	st := b.Stats()
	if st.Name != "pn-1" || st.State != "open" || st.OpenedAt == "" {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.TotalRequests != 4 || st.TotalSuccesses != 1 || st.TotalFailures != 2 || st.TotalRejected != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []State
	b, clock := newTestBreaker(Config{
		MaxFailures:     1,
		RecoveryTimeout: time.Second,
		OnStateChange: func(destination string, _, to State) {
			if destination != "pn-1" {
				t.Errorf("destination = %s", destination)
			}
			transitions = append(transitions, to)
		},
	})
	fail(b, 1)
	clock.Advance(time.Second)
	_ = b.Allow()
	b.Record(false)

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type stubClient struct {
	resp  *whatsapp.SendResponse
	err   error
	calls map[string]int
}

func (s *stubClient) Send(_ context.Context, req whatsapp.SendRequest) (*whatsapp.SendResponse, error) {
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[req.PhoneNumberID]++
	return s.resp, s.err
}

func TestProtectedClient_FailsFastPerDestination(t *testing.T) {
	stub := &stubClient{err: errors.New("connection reset")}
	pc := NewProtectedClient(stub, Config{MaxFailures: 2, RecoveryTimeout: time.Minute}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = pc.Send(ctx, whatsapp.SendRequest{PhoneNumberID: "pn-bad"})
	}

	_, err := pc.Send(ctx, whatsapp.SendRequest{PhoneNumberID: "pn-bad"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if stub.calls["pn-bad"] != 2 {
		t.Errorf("client called %d times, expected 2", stub.calls["pn-bad"])
	}

	stub.err = nil
	stub.resp = &whatsapp.SendResponse{Success: true}
	if _, err := pc.Send(ctx, whatsapp.SendRequest{PhoneNumberID: "pn-good"}); err != nil {
		t.Fatalf("other destination must be unaffected: %v", err)
	}

	stats := pc.Stats()
	if len(stats) != 1 || stats[0].Name != "pn-bad" {
		t.Fatalf("expected only pn-bad reported, got %+v", stats)
	}
}

func TestProtectedClient_ClassifiesRejections(t *testing.T) {
	cases := []struct {
		name   string
		status int
		trips  bool
	}{
		{"invalid phone", 400, false},
		{"template missing", 404, false},
		{"throttled", 429, true},
		{"provider down", 503, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubClient{resp: &whatsapp.SendResponse{Success: false, HTTPStatus: tc.status}}
			pc := NewProtectedClient(stub, Config{MaxFailures: 1, RecoveryTimeout: time.Minute}, zap.NewNop())

			resp, err := pc.Send(context.Background(), whatsapp.SendRequest{PhoneNumberID: "pn"})
			if err != nil || resp.HTTPStatus != tc.status {
				t.Fatalf("rejection should pass through: %v %+v", err, resp)
			}
			if got := pc.Breaker("pn").State() == StateOpen; got != tc.trips {
				t.Errorf("breaker open = %v, want %v", got, tc.trips)
			}
		})
	}
}

func TestProtectedClient_KillSwitchDoesNotTrip(t *testing.T) {
	client := whatsapp.NewHTTPClient(whatsapp.HTTPConfig{OutgoingEnabled: false}, zap.NewNop())
	pc := NewProtectedClient(client, Config{MaxFailures: 1, RecoveryTimeout: time.Minute}, zap.NewNop())

	for i := 0; i < 5; i++ {
		resp, err := pc.Send(context.Background(), whatsapp.SendRequest{PhoneNumberID: "pn-1"})
		if err != nil {
			t.Fatalf("send %d: unexpected error %v", i, err)
		}
		if resp.Success || resp.HTTPStatus != 503 {
			t.Fatalf("expected the disabled response, got %+v", resp)
		}
	}
	if st := pc.Breaker("pn-1").State(); st != StateClosed {
		t.Errorf("kill switch tripped the breaker: %s", st)
	}
	if got := pc.Stats(); len(got) != 0 {
		t.Errorf("expected no open breakers, got %+v", got)
	}
}

func TestBreaker_AbstainFreesHalfOpenSlot(t *testing.T) {
	b, clock := newTestBreaker(Config{MaxFailures: 1, RecoveryTimeout: time.Minute})
	fail(b, 1)
	clock.Advance(time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("trial call after cooldown: %v", err)
	}
	b.Abstain()
	if b.State() != StateHalfOpen {
		t.Fatalf("abstain must not change state, got %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("slot should be free after abstain: %v", err)
	}
	b.Record(false)
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestProtectedClient_SweepKeepsOpenBreakers(t *testing.T) {
	clock := newClock()
	stub := &stubClient{resp: &whatsapp.SendResponse{Success: false, HTTPStatus: 503}}
	pc := NewProtectedClient(stub, Config{MaxFailures: 1, RecoveryTimeout: time.Hour}, zap.NewNop())
	pc.now = clock.Now
	ctx := context.Background()

	_, _ = pc.Send(ctx, whatsapp.SendRequest{PhoneNumberID: "pn-open"})
	stub.resp = &whatsapp.SendResponse{Success: true}
	_, _ = pc.Send(ctx, whatsapp.SendRequest{PhoneNumberID: "pn-idle"})

	clock.Advance(10 * time.Minute)
	if n := pc.Sweep(time.Minute); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}

	pc.mu.Lock()
	_, idleKept := pc.breakers["pn-idle"]
	_, openKept := pc.breakers["pn-open"]
	pc.mu.Unlock()
	if idleKept || !openKept {
		t.Fatalf("idle kept = %v, open kept = %v", idleKept, openKept)
	}
}
