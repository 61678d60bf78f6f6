// Package whatsapp sends pre-built template messages to the WhatsApp Cloud API.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrOutgoingDisabled is returned when outbound calls are switched off by configuration.
var ErrOutgoingDisabled = errors.New("outgoing whatsapp requests disabled")

// Client is the delivery boundary used by the dispatch engine.
// A transport-level failure is returned as an error; an API-level rejection
// is returned as a response with Success=false.
type Client interface {
	Send(ctx context.Context, req SendRequest) (*SendResponse, error)
}

// SendRequest is one template send for one recipient.
type SendRequest struct {
	PhoneNumberID string
	AccessToken   string
	Body          json.RawMessage
}

// SendResponse is the outcome of one call to the messages endpoint.
type SendResponse struct {
	Success    bool             `json:"success"`
	HTTPStatus int              `json:"http_status"`
	Data       *MessageResponse `json:"data,omitempty"`
	ErrorBody  string           `json:"error,omitempty"`

	// NotSent marks a response produced locally without calling the provider.
	NotSent bool `json:"-"`
}

// MessageResponse mirrors the body returned by POST /{phone-number-id}/messages.
type MessageResponse struct {
	MessagingProduct string    `json:"messaging_product"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
}

type Contact struct {
	Input string `json:"input"`
	WaID  string `json:"wa_id"`
}

type Message struct {
	ID            string `json:"id"`
	MessageStatus string `json:"message_status,omitempty"`
}

// FirstMessage returns the first message entry, if the provider returned any.
func (r *SendResponse) FirstMessage() (Message, bool) {
	if r == nil || r.Data == nil || len(r.Data.Messages) == 0 {
		return Message{}, false
	}
	return r.Data.Messages[0], true
}

func errorResponse(status int, body string) *SendResponse {
	return &SendResponse{Success: false, HTTPStatus: status, ErrorBody: body}
}
