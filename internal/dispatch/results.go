package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/whatsapp"
)

// DeliveryResult is the outcome of one send.
type DeliveryResult struct {
	UnitID            string
	BroadcastID       string
	Recipient         string
	Payload           json.RawMessage
	Success           bool
	ProviderMessageID string
	ProviderStatus    string
	HTTPStatus        int
	ErrorDetail       string
	ErrorType         string
	Response          json.RawMessage
	CompletedAt       time.Time
}

type errorBody struct {
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
	Timestamp int64  `json:"timestamp"`
}

func newDeliveryResult(u WorkUnit, resp *whatsapp.SendResponse, err error, at time.Time) DeliveryResult {
	r := DeliveryResult{
		UnitID:      u.ID,
		BroadcastID: u.BroadcastID,
		Recipient:   u.Recipient,
		Payload:     u.Payload,
		CompletedAt: at,
	}

	switch {
	case err != nil:
		return failedResult(r, err.Error(), errorType(err), 0)
	case resp == nil:
		return failedResult(r, "empty delivery response", "DeliveryError", 0)
	case !resp.Success:
		r.Success = false
		r.HTTPStatus = resp.HTTPStatus
		r.ErrorDetail = resp.ErrorBody
		r.ErrorType = "ProviderRejected"
		r.Response, _ = json.Marshal(resp)
		return r
	}

	r.Success = true
	r.HTTPStatus = resp.HTTPStatus
	if msg, ok := resp.FirstMessage(); ok {
		r.ProviderMessageID = msg.ID
		r.ProviderStatus = msg.MessageStatus
		if r.ProviderStatus == "" {
			r.ProviderStatus = db.MessageStatusAccepted
		}
	}
	if resp.Data != nil {
		r.Response, _ = json.Marshal(resp.Data)
	}
	return r
}

func failedResult(r DeliveryResult, detail, kind string, status int) DeliveryResult {
	r.Success = false
	r.HTTPStatus = status
	r.ErrorDetail = detail
	r.ErrorType = kind
	r.Response, _ = json.Marshal(errorBody{
		Error:     detail,
		ErrorType: kind,
		Timestamp: r.CompletedAt.UnixMilli(),
	})
	return r
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "DeliveryTimeout"
	case errors.Is(err, context.Canceled):
		return "DeliveryCanceled"
	default:
		return "DeliveryError"
	}
}

// MapResult converts a delivery outcome into the report row it is persisted as.
func MapResult(r DeliveryResult) db.ReportUpdate {
	row := db.ReportUpdate{
		BroadcastID: r.BroadcastID,
		Recipient:   r.Recipient,
		Response:    r.Response,
		Payload:     r.Payload,
		UpdatedAt:   r.CompletedAt,
	}

	if !r.Success {
		row.Status = db.StatusFailed
		row.MessageStatus = db.MessageStatusFailed
		detail := r.ErrorDetail
		row.ErrorMessage = &detail
		return row
	}

	row.Status = db.StatusSent
	if r.ProviderMessageID == "" {
		row.MessageStatus = db.MessageStatusSent
		return row
	}
	id := r.ProviderMessageID
	row.MessageID = &id
	row.MessageStatus = db.MessageStatusFromValue(r.ProviderStatus)
	return row
}
