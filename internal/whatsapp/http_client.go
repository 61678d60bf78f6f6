package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPConfig configures the Cloud API client.
type HTTPConfig struct {
	BaseURL         string
	APIVersion      string
	Timeout         time.Duration
	OutgoingEnabled bool

	// RatePerSecond caps request starts per phone number id. Zero disables it.
	RatePerSecond int
}

// HTTPClient calls the Graph API messages endpoint.
type HTTPClient struct {
	client *http.Client
	config HTTPConfig
	logger *zap.Logger

	now      func() time.Time
	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewHTTPClient creates a Cloud API client.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v21.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 200,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
}

// Send posts one template message. Non-2xx responses come back as
// Success=false with the provider body; only transport failures return an error.
func (c *HTTPClient) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	if !c.config.OutgoingEnabled {
		resp := errorResponse(http.StatusServiceUnavailable, ErrOutgoingDisabled.Error())
		resp.NotSent = true
		return resp, nil
	}

	if limiter := c.limiter(req.PhoneNumberID); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	endpoint, err := url.JoinPath(c.config.BaseURL, c.config.APIVersion, req.PhoneNumberID, "messages")
	if err != nil {
		return nil, fmt.Errorf("build messages url: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("whatsapp api rejected message",
			zap.String("phone_number_id", req.PhoneNumberID),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return errorResponse(resp.StatusCode, string(body)), nil
	}

	var data MessageResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &SendResponse{Success: true, HTTPStatus: resp.StatusCode, Data: &data}, nil
}

func (c *HTTPClient) limiter(phoneNumberID string) *rate.Limiter {
	if c.config.RatePerSecond <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.limiters[phoneNumberID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(c.config.RatePerSecond), c.config.RatePerSecond)}
		c.limiters[phoneNumberID] = e
	}
	e.lastUsed = c.now()
	return e.limiter
}

// Sweep drops limiters unused for longer than idle. A limiter idle for a
// second or more has a full bucket, so recreating it later changes nothing.
func (c *HTTPClient) Sweep(idle time.Duration) int {
	cutoff := c.now().Add(-idle)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.limiters {
		if e.lastUsed.Before(cutoff) {
			delete(c.limiters, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle limiters every interval until ctx is done.
func (c *HTTPClient) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(idle); n > 0 {
				c.logger.Debug("swept idle rate limiters", zap.Int("removed", n))
			}
		}
	}
}
