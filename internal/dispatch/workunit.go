package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Committer acknowledges a work unit to the inbound broker.
type Committer interface {
	Commit(ctx context.Context) error
}

// CommitFunc adapts a function to Committer.
type CommitFunc func(ctx context.Context) error

func (f CommitFunc) Commit(ctx context.Context) error { return f(ctx) }

// Message is the data part of a work unit.
type Message struct {
	ID            string
	DestinationID string
	BroadcastID   string
	ReportID      string
	Recipient     string
	Payload       json.RawMessage
	AccessToken   string
	RetryCount    int
	EnqueuedAt    time.Time
}

// WorkUnit is one send request plus the token that acknowledges it.
// Copies share the token, so the commit still happens at most once.
type WorkUnit struct {
	Message
	token *commitToken
}

type commitToken struct {
	once      sync.Once
	committer Committer
	err       error
	done      atomic.Bool
}

// NewWorkUnit validates msg and binds it to c.
func NewWorkUnit(msg Message, c Committer) (WorkUnit, error) {
	switch {
	case msg.ID == "":
		return WorkUnit{}, errors.New("work unit id is required")
	case msg.DestinationID == "":
		return WorkUnit{}, errors.New("destination id is required")
	case msg.Recipient == "":
		return WorkUnit{}, errors.New("recipient is required")
	case c == nil:
		return WorkUnit{}, errors.New("commit token is required")
	}

	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	if msg.Payload != nil {
		msg.Payload = append(json.RawMessage(nil), msg.Payload...)
	}

	return WorkUnit{Message: msg, token: &commitToken{committer: c}}, nil
}

// Committed reports whether the commit token has been invoked.
func (u WorkUnit) Committed() bool {
	return u.token != nil && u.token.done.Load()
}

// Commit acknowledges the unit to its broker. Only the first call on any
// copy reaches the broker; later calls return the first result.
func (u WorkUnit) Commit(ctx context.Context) error {
	if u.token == nil {
		return nil
	}
	u.token.once.Do(func() {
		u.token.err = u.token.committer.Commit(ctx)
		u.token.done.Store(true)
	})
	return u.token.err
}
