package whatsapp

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MockConfig tunes the simulated provider used for load tests.
type MockConfig struct {
	MinDelay       time.Duration
	MaxDelay       time.Duration
	FailureRate    float64 // fraction of calls rejected
	AcceptanceRate float64 // fraction of successes reported as "accepted" instead of "sent"
}

// DefaultMockConfig matches the provider behaviour seen in production traffic.
func DefaultMockConfig() MockConfig {
	return MockConfig{
		MinDelay:       50 * time.Millisecond,
		MaxDelay:       200 * time.Millisecond,
		FailureRate:    0.05,
		AcceptanceRate: 0.95,
	}
}

type mockFailure struct {
	message string
	status  int
}

var mockFailures = []mockFailure{
	{"Rate limit exceeded", 429},
	{"Invalid phone number", 400},
	{"Template not found", 404},
	{"Network timeout", 503},
}

// MockClient simulates the Cloud API without network calls.
type MockClient struct {
	config MockConfig
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	sequence atomic.Int64
	total    atomic.Int64
	success  atomic.Int64
	failed   atomic.Int64
}

// MockStats is a snapshot of call counters.
type MockStats struct {
	TotalCalls   int64   `json:"total_calls"`
	SuccessCalls int64   `json:"success_calls"`
	FailedCalls  int64   `json:"failed_calls"`
	SuccessRate  float64 `json:"success_rate"`
}

func NewMockClient(cfg MockConfig, logger *zap.Logger) *MockClient {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &MockClient{
		config: cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockClient) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	m.total.Add(1)

	delay, fail, accepted, failure := m.roll()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.failed.Add(1)
			return nil, fmt.Errorf("mock send interrupted: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if fail {
		m.failed.Add(1)
		return errorResponse(failure.status, failure.message), nil
	}

	m.success.Add(1)
	status := "sent"
	if accepted {
		status = "accepted"
	}

	return &SendResponse{
		Success:    true,
		HTTPStatus: 200,
		Data: &MessageResponse{
			MessagingProduct: "whatsapp",
			Contacts:         []Contact{{Input: req.PhoneNumberID, WaID: req.PhoneNumberID}},
			Messages:         []Message{{ID: m.messageID(), MessageStatus: status}},
		},
	}, nil
}

func (m *MockClient) roll() (time.Duration, bool, bool, mockFailure) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delay := m.config.MinDelay
	if spread := m.config.MaxDelay - m.config.MinDelay; spread > 0 {
		delay += time.Duration(m.rng.Int63n(int64(spread) + 1))
	}
	fail := m.rng.Float64() < m.config.FailureRate
	accepted := m.rng.Float64() < m.config.AcceptanceRate
	failure := mockFailures[m.rng.Intn(len(mockFailures))]
	return delay, fail, accepted, failure
}

// messageID produces ids shaped like real ones: wamid.<hex>_<seq>.
func (m *MockClient) messageID() string {
	seq := m.sequence.Add(1)
	return fmt.Sprintf("wamid.%s_%d", strings.ReplaceAll(uuid.NewString(), "-", ""), seq)
}

// Stats returns the current call counters.
func (m *MockClient) Stats() MockStats {
	s := MockStats{
		TotalCalls:   m.total.Load(),
		SuccessCalls: m.success.Load(),
		FailedCalls:  m.failed.Load(),
	}
	if s.TotalCalls > 0 {
		s.SuccessRate = float64(s.SuccessCalls) * 100 / float64(s.TotalCalls)
	}
	return s
}

// ResetStats zeroes the call counters.
func (m *MockClient) ResetStats() {
	m.total.Store(0)
	m.success.Store(0)
	m.failed.Store(0)
	m.logger.Info("mock whatsapp statistics reset")
}
