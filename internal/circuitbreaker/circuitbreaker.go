// Package circuitbreaker fails fast on destinations whose provider calls keep failing.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of one destination's breaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    cooldown elapsed, next call is a trial
//	HalfOpen -> Closed:  trial succeeded
//	HalfOpen -> Open:    trial failed, cooldown restarts
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen matches every OpenError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned while a destination is cooling down.
type OpenError struct {
	Destination string
	RetryIn     time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: destination %s, retry in %s", ErrCircuitOpen, e.Destination, e.RetryIn.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Config is shared by every destination breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long an open circuit rejects before allowing trial calls.
	RecoveryTimeout time.Duration

	// TrialCalls is how many calls may be in flight while half-open.
	TrialCalls int

	// OnStateChange, if set, is called with the breaker lock held.
	OnStateChange func(destination string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
		TrialCalls:      1,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.TrialCalls <= 0 {
		c.TrialCalls = 1
	}
	return c
}

// Breaker tracks consecutive provider failures for one destination.
type Breaker struct {
	destination string
	config      Config
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	lastUsed time.Time
	trials   int

	requests  int64
	failed    int64
	succeeded int64
	rejected  int64
}

func newBreaker(destination string, cfg Config, logger *zap.Logger, now func() time.Time) *Breaker {
	return &Breaker{
		destination: destination,
		config:      cfg.withDefaults(),
		logger:      logger,
		now:         now,
		lastUsed:    now(),
	}
}

// Allow admits a call or returns an *OpenError with the remaining cooldown.
// Every admitted call must be followed by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.requests++
	b.lastUsed = now

	switch b.state {
	case StateOpen:
		if wait := b.openedAt.Add(b.config.RecoveryTimeout).Sub(now); wait > 0 {
			b.rejected++
			return &OpenError{Destination: b.destination, RetryIn: wait}
		}
		b.setState(StateHalfOpen)
		b.trials = 1
		b.logger.Info("circuit half-open, trying destination", zap.String("destination_id", b.destination))
		return nil

	case StateHalfOpen:
		if b.trials >= b.config.TrialCalls {
			b.rejected++
			return &OpenError{Destination: b.destination}
		}
		b.trials++
		return nil
	}
	return nil
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !failed {
		b.succeeded++
		b.failures = 0
		if b.state == StateHalfOpen {
			b.setState(StateClosed)
			b.logger.Info("circuit closed, destination recovered", zap.String("destination_id", b.destination))
		}
		return
	}

	b.failed++
	b.failures++

	switch {
	case b.state == StateHalfOpen:
		b.trip()
		b.logger.Warn("circuit re-opened, trial call failed", zap.String("destination_id", b.destination))
	case b.state == StateClosed && b.failures >= b.config.MaxFailures:
		b.trip()
		b.logger.Warn("circuit opened",
			zap.String("destination_id", b.destination),
			zap.Int("failures", b.failures),
			zap.Duration("cooldown", b.config.RecoveryTimeout),
		)
	}
}

// Abstain hands back an admitted call that never reached the destination.
// It frees the half-open slot without counting a success or a failure.
func (b *Breaker) Abstain() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests--
	if b.state == StateHalfOpen && b.trials > 0 {
		b.trials--
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// idleSince reports whether the breaker is closed and unused since cutoff.
func (b *Breaker) idleSince(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateClosed && b.lastUsed.Before(cutoff)
}

// Stats is a snapshot of one destination's breaker.
type Stats struct {
	Name           string `json:"destination_id"`
	State          string `json:"state"`
	FailureCount   int    `json:"failure_count"`
	TotalRequests  int64  `json:"total_requests"`
	TotalFailures  int64  `json:"total_failures"`
	TotalSuccesses int64  `json:"total_successes"`
	TotalRejected  int64  `json:"total_rejected"`
	OpenedAt       string `json:"opened_at,omitempty"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:           b.destination,
		State:          b.state.String(),
		FailureCount:   b.failures,
		TotalRequests:  b.requests,
		TotalFailures:  b.failed,
		TotalSuccesses: b.succeeded,
		TotalRejected:  b.rejected,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt.Format(time.RFC3339)
	}
	return s
}

// trip and setState must be called with the lock held.
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.trials = 0

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.destination, from, to)
	}
}
