package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed dispatch request is replayed
	// from cache for a repeated Idempotency-Key.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while a request is being processed.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the same key is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// DispatchReceipt is the cached response of a dispatch request.
type DispatchReceipt struct {
	TotalDispatched int    `json:"total_dispatched"`
	FailedCount     int    `json:"failed_count"`
	Message         string `json:"message"`
	StatusCode      int    `json:"status_code"`
	CreatedAt       int64  `json:"created_at"`
}

// IdempotencyService deduplicates dispatch API requests per sending account.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(accountID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", accountID, idempotencyKey)
}

// Check returns (nil, nil) for an unknown key, the cached receipt for a
// completed one and ErrDuplicateRequest while another request holds it.
func (s *IdempotencyService) Check(ctx context.Context, accountID, idempotencyKey string) (*DispatchReceipt, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(accountID, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var receipt DispatchReceipt
	if err := json.Unmarshal([]byte(val), &receipt); err != nil {
		s.logger.Error("failed to unmarshal dispatch receipt", zap.Error(err))
		return nil, fmt.Errorf("invalid cached receipt: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("account_id", accountID),
		zap.Int("total_dispatched", receipt.TotalDispatched),
	)
	return &receipt, nil
}

// Store caches the receipt of a completed request.
func (s *IdempotencyService) Store(ctx context.Context, accountID, idempotencyKey string, receipt *DispatchReceipt, ttl time.Duration) error {
	if receipt.CreatedAt == 0 {
		receipt.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(accountID, idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve takes the processing lock with SET NX.
func (s *IdempotencyService) Reserve(ctx context.Context, accountID, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(accountID, idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release drops the processing lock after a request failed so the client can retry.
func (s *IdempotencyService) Release(ctx context.Context, accountID, idempotencyKey string) error {
	key := s.buildKey(accountID, idempotencyKey)
	if err := releaseScript.Run(ctx, s.client.rdb, []string{key}, processingMarker).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a cached receipt, reserves a fresh key (nil, nil)
// or reports ErrDuplicateRequest.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, accountID, idempotencyKey string) (*DispatchReceipt, error) {
	receipt, err := s.Check(ctx, accountID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if receipt != nil {
		return receipt, nil
	}

	reserved, err := s.Reserve(ctx, accountID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
