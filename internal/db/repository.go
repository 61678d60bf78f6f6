package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const updateReportQuery = `
	UPDATE reports
	SET response = $1, status = $2, message_status = $3,
		message_id = COALESCE($4, message_id), error_message = $5,
		payload = COALESCE($6, payload), updated_at = $7
	WHERE broadcast_id = $8 AND mobile = $9
`

// txStarter is satisfied by *pgxpool.Pool.
type txStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ReportBatcher writes delivery outcomes for a whole batch in one transaction.
type ReportBatcher struct {
	db     txStarter
	logger *zap.Logger
}

// NewReportBatcher creates a batcher over the connection pool.
func NewReportBatcher(db *DB, logger *zap.Logger) *ReportBatcher {
	return &ReportBatcher{db: db.Pool(), logger: logger}
}

// ApplyBatch updates every row atomically. Rows that match no report are
// returned in NotFound and logged; any statement error rolls back the whole batch.
func (b *ReportBatcher) ApplyBatch(ctx context.Context, rows []ReportUpdate) (BatchResult, error) {
	if len(rows) == 0 {
		return BatchResult{}, nil
	}

	start := time.Now()

	tx, err := b.db.Begin(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, r := range rows {
		updatedAt := r.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = start
		}
		batch.Queue(updateReportQuery,
			nullableJSON(r.Response),
			r.Status,
			r.MessageStatus,
			r.MessageID,
			r.ErrorMessage,
			nullableJSON(r.Payload),
			updatedAt,
			r.BroadcastID,
			r.Recipient,
		)
	}

	result, err := execBatch(ctx, tx, batch, rows)
	if err != nil {
		return BatchResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("commit transaction: %w", err)
	}

	if len(result.NotFound) > 0 {
		b.logger.Warn("report rows not found",
			zap.Int("not_found", len(result.NotFound)),
			zap.Strings("keys", result.NotFound),
		)
	}

	b.logger.Debug("report batch applied",
		zap.Int("rows", len(rows)),
		zap.Int("updated", result.Updated),
		zap.Duration("duration", time.Since(start)),
	)

	return result, nil
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, rows []ReportUpdate) (BatchResult, error) {
	br := tx.SendBatch(ctx, batch)

	var result BatchResult
	for _, r := range rows {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return BatchResult{}, fmt.Errorf("update report %s/%s: %w", r.BroadcastID, r.Recipient, err)
		}
		if tag.RowsAffected() == 0 {
			result.NotFound = append(result.NotFound, r.BroadcastID+":"+r.Recipient)
			continue
		}
		result.Updated++
	}

	if err := br.Close(); err != nil {
		return BatchResult{}, fmt.Errorf("close batch: %w", err)
	}
	return result, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
