// Package deadletter publishes work units whose results could not be persisted.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/dispatch"
	"github.com/lalithlochan/relay/internal/metrics"
)

const (
	maxTraceBytes  = 2000
	publishTimeout = 10 * time.Second
	redacted       = "[REDACTED]"
)

// Sink is a destination for dead-letter entries, keyed by destination id.
type Sink interface {
	Publish(ctx context.Context, key string, body []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, key string, body []byte) error

func (f SinkFunc) Publish(ctx context.Context, key string, body []byte) error {
	return f(ctx, key, body)
}

// Target names a sink for logs and metrics.
type Target struct {
	Name string
	Sink Sink
}

// UnitSnapshot is the serialized form of the failed work unit. The access
// token is never written out.
type UnitSnapshot struct {
	ID            string          `json:"id"`
	DestinationID string          `json:"destinationId"`
	BroadcastID   string          `json:"broadcastId"`
	ReportID      string          `json:"broadcastReportId,omitempty"`
	Recipient     string          `json:"recipient"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	AccessToken   string          `json:"accessToken,omitempty"`
	RetryCount    int             `json:"retryCount"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
}

// Entry is one dead-letter record.
type Entry struct {
	OriginalWorkUnit UnitSnapshot `json:"originalWorkUnit"`
	ErrorMessage     string       `json:"errorMessage"`
	ErrorType        string       `json:"errorType"`
	Timestamp        time.Time    `json:"timestamp"`
	TruncatedTrace   string       `json:"truncatedTrace,omitempty"`
}

// NewEntry builds the record for u failing with cause.
func NewEntry(u dispatch.WorkUnit, cause error, at time.Time) Entry {
	snap := UnitSnapshot{
		ID:            u.ID,
		DestinationID: u.DestinationID,
		BroadcastID:   u.BroadcastID,
		ReportID:      u.ReportID,
		Recipient:     u.Recipient,
		Payload:       u.Payload,
		RetryCount:    u.RetryCount,
		EnqueuedAt:    u.EnqueuedAt,
	}
	if u.AccessToken != "" {
		snap.AccessToken = redacted
	}
	if len(snap.Payload) > 0 && !json.Valid(snap.Payload) {
		snap.Payload = nil
	}

	e := Entry{OriginalWorkUnit: snap, Timestamp: at.UTC()}
	if cause != nil {
		e.ErrorMessage = cause.Error()
		e.ErrorType = rootType(cause)
		e.TruncatedTrace = truncate(errorChain(cause), maxTraceBytes)
	}
	return e
}

// Router fans an entry out to every configured sink.
type Router struct {
	targets []Target
	logger  *zap.Logger
	now     func() time.Time
}

// NewRouter creates a router. With no targets entries are only logged.
func NewRouter(logger *zap.Logger, targets ...Target) *Router {
	kept := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Sink != nil {
			kept = append(kept, t)
		}
	}
	return &Router{targets: kept, logger: logger, now: time.Now}
}

// Route publishes u to every sink. Failures are logged and counted; the
// caller is never failed.
func (r *Router) Route(ctx context.Context, u dispatch.WorkUnit, cause error) {
	entry := NewEntry(u, cause, r.now())

	body, err := json.Marshal(entry)
	if err != nil {
		r.logger.Error("failed to marshal dead letter entry",
			zap.String("unit_id", u.ID),
			zap.Error(err),
		)
		return
	}

	if len(r.targets) == 0 {
		metrics.RecordDeadLetter("log", "ok")
		r.logger.Error("dead letter",
			zap.String("unit_id", u.ID),
			zap.String("destination_id", u.DestinationID),
			zap.ByteString("entry", body),
		)
		return
	}

	// shutdown must not lose the entry
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	for _, t := range r.targets {
		if err := t.Sink.Publish(pubCtx, u.DestinationID, body); err != nil {
			metrics.RecordDeadLetter(t.Name, "error")
			r.logger.Error("failed to publish dead letter",
				zap.String("sink", t.Name),
				zap.String("unit_id", u.ID),
				zap.String("destination_id", u.DestinationID),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordDeadLetter(t.Name, "ok")
		r.logger.Warn("unit dead-lettered",
			zap.String("sink", t.Name),
			zap.String("unit_id", u.ID),
			zap.String("destination_id", u.DestinationID),
			zap.String("error_type", entry.ErrorType),
		)
	}
}

func rootType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

func errorChain(err error) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		if depth > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%T: %s", err, err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
