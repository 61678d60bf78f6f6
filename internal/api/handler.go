package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/relay/internal/circuitbreaker"
	"github.com/lalithlochan/relay/internal/dispatch"
	"github.com/lalithlochan/relay/internal/ingest"
	"github.com/lalithlochan/relay/internal/metrics"
	"github.com/lalithlochan/relay/internal/redis"
	"github.com/lalithlochan/relay/internal/whatsapp"
)

const (
	statusSuccess = "SUCCESS"
	statusError   = "ERROR"

	maxItemsPerRequest = 100000
	publishParallelism = 32
)

// Publisher writes encoded events to the inbound broker.
type Publisher interface {
	Publish(ctx context.Context, key string, body []byte) error
}

// IdempotencyStore caches dispatch receipts per Idempotency-Key.
type IdempotencyStore interface {
	CheckOrReserve(ctx context.Context, accountID, idempotencyKey string) (*redis.DispatchReceipt, error)
	Store(ctx context.Context, accountID, idempotencyKey string, receipt *redis.DispatchReceipt, ttl time.Duration) error
	Release(ctx context.Context, accountID, idempotencyKey string) error
}

// DispatchItem is one recipient of a broadcast.
type DispatchItem struct {
	BroadcastID       ingest.ID       `json:"broadcastId"`
	MobileNo          string          `json:"mobileNo"`
	Payload           json.RawMessage `json:"payload"`
	BroadcastReportID ingest.ID       `json:"broadcastReportId,omitempty"`
}

// AccountInfo identifies the sending WhatsApp number.
type AccountInfo struct {
	PhoneNumberID string    `json:"phoneNumberId"`
	AccessToken   string    `json:"accessToken"`
	UserID        ingest.ID `json:"userId,omitempty"`
}

// DispatchRequest is the body of POST /api/v1/broadcast/dispatch.
type DispatchRequest struct {
	Items       []DispatchItem `json:"items"`
	AccountInfo *AccountInfo   `json:"accountInfo"`
}

// DispatchResult summarises a dispatch call.
type DispatchResult struct {
	TotalDispatched int    `json:"totalDispatched"`
	FailedCount     int    `json:"failedCount"`
	Message         string `json:"message"`
}

// ResponseMessage is the envelope of broadcast endpoints.
type ResponseMessage struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    *DispatchResult `json:"data,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// StatsResponse is returned by GET /api/v1/broadcast/stats.
type StatsResponse struct {
	Engine   *dispatch.Stats         `json:"engine,omitempty"`
	Circuits []circuitbreaker.Stats `json:"circuits,omitempty"`
	Mock     *whatsapp.MockStats     `json:"mock,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	publisher   Publisher
	idempotency IdempotencyStore // nil if Redis not configured

	engine   interface{ Stats() dispatch.Stats }
	circuits interface{ Stats() []circuitbreaker.Stats }
	mock     interface{ Stats() whatsapp.MockStats }
}

// Option configures optional handler dependencies.
type Option func(*Handler)

// WithIdempotency enables Idempotency-Key handling.
func WithIdempotency(store IdempotencyStore) Option {
	return func(h *Handler) { h.idempotency = store }
}

// WithEngineStats exposes dispatch engine statistics.
func WithEngineStats(src interface{ Stats() dispatch.Stats }) Option {
	return func(h *Handler) { h.engine = src }
}

// WithCircuitStats exposes per-destination circuit breakers.
func WithCircuitStats(src interface{ Stats() []circuitbreaker.Stats }) Option {
	return func(h *Handler) { h.circuits = src }
}

// WithMockStats exposes the simulated provider counters.
func WithMockStats(src interface{ Stats() whatsapp.MockStats }) Option {
	return func(h *Handler) { h.mock = src }
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, publisher Publisher, opts ...Option) *Handler {
	h := &Handler{logger: logger, publisher: publisher}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Dispatch handles POST /api/v1/broadcast/dispatch. Reports already exist;
// each item becomes one event on the inbound broker, keyed by phone number id.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeMessage(w, http.StatusBadRequest, ResponseMessage{Status: statusError, Message: "Malformed JSON body: " + err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		h.writeMessage(w, http.StatusBadRequest, ResponseMessage{Status: statusError, Message: err.Error()})
		return
	}
	account := req.AccountInfo

	if idempotencyKey != "" && h.idempotency != nil {
		receipt, err := h.idempotency.CheckOrReserve(ctx, account.PhoneNumberID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			idempotencyKey = ""
		} else if receipt != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeMessage(w, receipt.StatusCode, envelope(DispatchResult{
				TotalDispatched: receipt.TotalDispatched,
				FailedCount:     receipt.FailedCount,
				Message:         receipt.Message,
			}))
			return
		}
	}

	start := time.Now()
	result := h.publishAll(ctx, req)
	status := http.StatusOK
	if result.TotalDispatched == 0 {
		status = http.StatusBadRequest
	}

	h.logger.Info("broadcast dispatched",
		zap.String("phone_number_id", account.PhoneNumberID),
		zap.Int("items", len(req.Items)),
		zap.Int("dispatched", result.TotalDispatched),
		zap.Int("failed", result.FailedCount),
		zap.Duration("duration", time.Since(start)),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		// a request that published nothing can be retried with the same key
		if result.TotalDispatched == 0 {
			if err := h.idempotency.Release(ctx, account.PhoneNumberID, idempotencyKey); err != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(err))
			}
		} else {
			receipt := &redis.DispatchReceipt{
				TotalDispatched: result.TotalDispatched,
				FailedCount:     result.FailedCount,
				Message:         result.Message,
				StatusCode:      status,
			}
			if err := h.idempotency.Store(ctx, account.PhoneNumberID, idempotencyKey, receipt, redis.IdempotencyTTL); err != nil {
				h.logger.Warn("failed to store idempotency result",
					zap.Error(err),
					zap.String("idempotency_key", idempotencyKey),
				)
			}
		}
	}

	h.writeMessage(w, status, envelope(result))
}

func envelope(result DispatchResult) ResponseMessage {
	status := statusSuccess
	if result.TotalDispatched == 0 {
		status = statusError
	}
	return ResponseMessage{Status: status, Message: result.Message, Data: &result}
}

func (req *DispatchRequest) validate() error {
	if req.AccountInfo == nil {
		return errors.New("accountInfo is required")
	}
	if strings.TrimSpace(req.AccountInfo.PhoneNumberID) == "" || strings.TrimSpace(req.AccountInfo.AccessToken) == "" {
		return errors.New("accountInfo.phoneNumberId and accountInfo.accessToken are required")
	}
	if len(req.Items) == 0 {
		return errors.New("items must not be empty")
	}
	if len(req.Items) > maxItemsPerRequest {
		return fmt.Errorf("items must not exceed %d", maxItemsPerRequest)
	}
	for i, it := range req.Items {
		if it.BroadcastID == "" || strings.TrimSpace(it.MobileNo) == "" {
			return fmt.Errorf("items[%d]: broadcastId and mobileNo are required", i)
		}
		if len(it.Payload) == 0 {
			return fmt.Errorf("items[%d]: payload is required", i)
		}
	}
	return nil
}

// publishAll publishes every item; one failed item never fails the others.
func (h *Handler) publishAll(ctx context.Context, req DispatchRequest) DispatchResult {
	var dispatched, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(publishParallelism)
	for _, item := range req.Items {
		item := item
		g.Go(func() error {
			if err := h.publishOne(gctx, req.AccountInfo, item); err != nil {
				failed.Add(1)
				metrics.RecordEventPublished("error")
				h.logger.Warn("failed to publish broadcast item",
					zap.String("broadcast_id", string(item.BroadcastID)),
					zap.String("recipient", item.MobileNo),
					zap.Error(err),
				)
				return nil
			}
			dispatched.Add(1)
			metrics.RecordEventPublished("ok")
			return nil
		})
	}
	_ = g.Wait()

	res := DispatchResult{
		TotalDispatched: int(dispatched.Load()),
		FailedCount:     int(failed.Load()),
	}
	res.Message = fmt.Sprintf("Dispatched %d of %d messages", res.TotalDispatched, len(req.Items))
	return res
}

func (h *Handler) publishOne(ctx context.Context, account *AccountInfo, item DispatchItem) error {
	payload, err := normalizePayload(item.Payload)
	if err != nil {
		return err
	}

	ev := ingest.NewEvent(
		string(item.BroadcastID),
		string(item.BroadcastReportID),
		string(account.UserID),
		account.PhoneNumberID,
		account.AccessToken,
		strings.TrimSpace(item.MobileNo),
		payload,
	)
	body, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return h.publisher.Publish(ctx, ev.Key(), body)
}

// normalizePayload accepts the template either as a JSON object or as a
// string holding one.
func normalizePayload(raw json.RawMessage) (json.RawMessage, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload must be valid JSON")
	}
	return raw, nil
}

// Check handles GET /api/v1/broadcast/check.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Broadcast service is running"))
}

// Stats handles GET /api/v1/broadcast/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse
	if h.engine != nil {
		st := h.engine.Stats()
		resp.Engine = &st
	}
	if h.circuits != nil {
		resp.Circuits = h.circuits.Stats()
	}
	if h.mock != nil {
		st := h.mock.Stats()
		resp.Mock = &st
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeMessage(w http.ResponseWriter, status int, msg ResponseMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
