package db

import (
	"encoding/json"
	"strings"
	"time"
)

// Report status values
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Message status values reported by the provider
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
	MessageStatusAccepted  = "accepted"
)

// MessageStatusFromValue normalizes a provider status; unknown values map to pending.
func MessageStatusFromValue(v string) string {
	switch s := strings.ToLower(strings.TrimSpace(v)); s {
	case MessageStatusPending, MessageStatusSent, MessageStatusDelivered,
		MessageStatusRead, MessageStatusFailed, MessageStatusAccepted:
		return s
	default:
		return MessageStatusPending
	}
}

// ReportUpdate is one row written by ApplyBatch, keyed by (broadcast_id, mobile).
type ReportUpdate struct {
	BroadcastID   string          `json:"broadcast_id"`
	Recipient     string          `json:"mobile"`
	Response      json.RawMessage `json:"response"`
	Status        string          `json:"status"`
	MessageStatus string          `json:"message_status"`
	MessageID     *string         `json:"message_id,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BatchResult reports which rows matched an existing report.
type BatchResult struct {
	Updated  int
	NotFound []string
}
