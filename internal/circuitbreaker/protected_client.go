package circuitbreaker

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/metrics"
	"github.com/lalithlochan/relay/internal/whatsapp"
)

// ProtectedClient wraps a delivery client with one breaker per destination,
// so a suspended or throttled phone number does not slow down the others.
type ProtectedClient struct {
	client whatsapp.Client
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewProtectedClient(client whatsapp.Client, cfg Config, logger *zap.Logger) *ProtectedClient {
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(destination string, _, to State) {
			metrics.SetCircuitState(destination, int(to))
		}
	}
	return &ProtectedClient{
		client:   client,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Breaker returns the breaker for destinationID, creating it on first use.
func (p *ProtectedClient) Breaker(destinationID string) *Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.breakers[destinationID]
	if !ok {
		b = newBreaker(destinationID, p.config, p.logger, p.now)
		p.breakers[destinationID] = b
	}
	return b
}

// Send fails fast with an *OpenError while the destination's breaker is open.
// Transport errors, 429 and 5xx count as failures; other rejections are
// about the message, not the destination, and count as successes.
// Responses marked NotSent, such as the outgoing kill switch, are not counted.
func (p *ProtectedClient) Send(ctx context.Context, req whatsapp.SendRequest) (*whatsapp.SendResponse, error) {
	b := p.Breaker(req.PhoneNumberID)
	if err := b.Allow(); err != nil {
		return nil, err
	}

	resp, err := p.client.Send(ctx, req)
	if err == nil && resp != nil && resp.NotSent {
		b.Abstain()
		return resp, nil
	}
	b.Record(err != nil || destinationFailure(resp))
	return resp, err
}

func destinationFailure(resp *whatsapp.SendResponse) bool {
	if resp == nil || resp.Success {
		return false
	}
	return resp.HTTPStatus == http.StatusTooManyRequests || resp.HTTPStatus >= 500
}

// Sweep drops closed breakers unused for longer than idle and returns how
// many were removed.
func (p *ProtectedClient) Sweep(idle time.Duration) int {
	cutoff := p.now().Add(-idle)

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, b := range p.breakers {
		if b.idleSince(cutoff) {
			delete(p.breakers, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle breakers every interval until ctx is done.
func (p *ProtectedClient) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(idle); n > 0 {
				p.logger.Debug("swept idle circuit breakers", zap.Int("removed", n))
			}
		}
	}
}

// Stats returns every breaker that is not closed.
func (p *ProtectedClient) Stats() []Stats {
	p.mu.Lock()
	breakers := make([]*Breaker, 0, len(p.breakers))
	for _, b := range p.breakers {
		breakers = append(breakers, b)
	}
	p.mu.Unlock()

	var out []Stats
	for _, b := range breakers {
		if s := b.Stats(); s.State != StateClosed.String() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
