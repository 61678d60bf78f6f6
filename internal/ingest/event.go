// Package ingest turns broker messages into dispatch work units.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/relay/internal/dispatch"
)

// ID accepts either a JSON string or a JSON number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Event is one inbound broadcast message.
type Event struct {
	EventID           string          `json:"eventId"`
	BroadcastID       ID              `json:"broadcastId"`
	BroadcastReportID ID              `json:"broadcastReportId,omitempty"`
	UserID            ID              `json:"userId,omitempty"`
	PhoneNumberID     string          `json:"phoneNumberId"`
	AccessToken       string          `json:"accessToken"`
	Recipient         string          `json:"recipient"`
	Payload           json.RawMessage `json:"payload"`
	Status            string          `json:"status,omitempty"`
	RetryCount        int             `json:"retryCount"`
	Timestamp         int64           `json:"timestamp"`
	Priority          int             `json:"priority"`
}

// NewEvent builds a fresh pending event.
func NewEvent(broadcastID, reportID, userID, phoneNumberID, accessToken, recipient string, payload json.RawMessage) Event {
	return Event{
		EventID:           uuid.NewString(),
		BroadcastID:       ID(broadcastID),
		BroadcastReportID: ID(reportID),
		UserID:            ID(userID),
		PhoneNumberID:     phoneNumberID,
		AccessToken:       accessToken,
		Recipient:         recipient,
		Payload:           payload,
		Status:            "PENDING",
		Timestamp:         time.Now().UnixMilli(),
	}
}

// DecodeEvent parses and validates an inbound message body.
func DecodeEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("invalid event format: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks the fields dispatch depends on.
func (e Event) Validate() error {
	switch {
	case e.EventID == "":
		return errors.New("event id is required")
	case e.PhoneNumberID == "":
		return errors.New("phone number id is required")
	case e.Recipient == "":
		return errors.New("recipient is required")
	case e.BroadcastID == "":
		return errors.New("broadcast id is required")
	case len(e.Payload) == 0 || !json.Valid(e.Payload):
		return errors.New("payload must be a json document")
	}
	return nil
}

// Key is the partition key: events for one destination share a partition.
func (e Event) Key() string { return e.PhoneNumberID }

// Encode marshals the event for publishing.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ToWorkUnit binds the event to its commit token.
func (e Event) ToWorkUnit(c dispatch.Committer) (dispatch.WorkUnit, error) {
	return dispatch.NewWorkUnit(dispatch.Message{
		ID:            e.EventID,
		DestinationID: e.PhoneNumberID,
		BroadcastID:   string(e.BroadcastID),
		ReportID:      string(e.BroadcastReportID),
		Recipient:     e.Recipient,
		Payload:       e.Payload,
		AccessToken:   e.AccessToken,
		RetryCount:    e.RetryCount,
	}, c)
}

func parseReceiveCount(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0
	}
	return n - 1
}
