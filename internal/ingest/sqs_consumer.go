package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lalithlochan/relay/internal/dispatch"
	"github.com/lalithlochan/relay/internal/metrics"
	"github.com/lalithlochan/relay/internal/sqs"
)

// Receiver is the queue side of the SQS consumer.
type Receiver interface {
	ReceiveMessages(ctx context.Context) ([]sqs.Delivery, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
}

// SQSConsumer long-polls a queue into the dispatcher. Committing a unit
// deletes its message.
type SQSConsumer struct {
	receiver   Receiver
	dispatcher Dispatcher
	inflight   *semaphore.Weighted
	errBackoff time.Duration
	logger     *zap.Logger
}

// NewSQSConsumer creates a consumer. maxInFlight bounds uncommitted messages.
func NewSQSConsumer(receiver Receiver, dispatcher Dispatcher, maxInFlight int64, logger *zap.Logger) *SQSConsumer {
	if maxInFlight <= 0 {
		maxInFlight = 10000
	}
	return &SQSConsumer{
		receiver:   receiver,
		dispatcher: dispatcher,
		inflight:   semaphore.NewWeighted(maxInFlight),
		errBackoff: time.Second,
		logger:     logger,
	}
}

// Run polls until ctx is cancelled or the dispatcher stops accepting units.
func (c *SQSConsumer) Run(ctx context.Context) error {
	c.logger.Info("sqs consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopped")
			return nil
		}

		deliveries, err := c.receiver.ReceiveMessages(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			select {
			case <-time.After(c.errBackoff):
			case <-ctx.Done():
			}
			continue
		}

		for _, d := range deliveries {
			if err := c.inflight.Acquire(ctx, 1); err != nil {
				return nil
			}
			if err := c.handle(ctx, d); err != nil {
				if errors.Is(err, dispatch.ErrEngineStopped) {
					c.logger.Info("dispatcher stopped, sqs consumer exiting")
					return nil
				}
				c.logger.Error("sqs message not enqueued", zap.Error(err))
			}
		}
	}
}

func (c *SQSConsumer) handle(ctx context.Context, d sqs.Delivery) error {
	metrics.AddMessagesInFlight(1)
	var once sync.Once
	release := func() {
		once.Do(func() {
			c.inflight.Release(1)
			metrics.AddMessagesInFlight(-1)
		})
	}

	ev, err := DecodeEvent(d.Body)
	if err != nil {
		defer release()
		c.logger.Error("deleting malformed sqs message",
			zap.String("message_id", d.MessageID),
			zap.Error(err),
		)
		metrics.RecordUnitEnqueued("sqs_malformed")
		return c.receiver.DeleteMessage(ctx, d.ReceiptHandle)
	}
	if ev.RetryCount == 0 {
		ev.RetryCount = parseReceiveCount(d.ReceiveCount)
	}

	handle := d.ReceiptHandle
	u, err := ev.ToWorkUnit(dispatch.CommitFunc(func(ctx context.Context) error {
		defer release()
		return c.receiver.DeleteMessage(ctx, handle)
	}))
	if err != nil {
		defer release()
		return c.receiver.DeleteMessage(ctx, handle)
	}

	if err := c.dispatcher.Enqueue(ctx, u); err != nil {
		// message becomes visible again after its visibility timeout
		release()
		return err
	}
	metrics.RecordUnitEnqueued("sqs")
	return nil
}
