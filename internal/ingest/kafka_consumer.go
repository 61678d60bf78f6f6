package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lalithlochan/relay/internal/dispatch"
	"github.com/lalithlochan/relay/internal/metrics"
)

// Dispatcher accepts work units. It is satisfied by *dispatch.Engine.
type Dispatcher interface {
	Enqueue(ctx context.Context, u dispatch.WorkUnit) error
}

// KafkaConfig tunes the consumer.
type KafkaConfig struct {
	Topic          string
	CommitInterval time.Duration
	// MaxInFlight bounds messages handed to the dispatcher but not yet committed.
	MaxInFlight int64
}

// KafkaConsumer feeds a consumer group into the dispatcher. Offsets are
// committed per partition only up to the last contiguously acked message.
type KafkaConsumer struct {
	group      sarama.ConsumerGroup
	dispatcher Dispatcher
	cfg        KafkaConfig
	inflight   *semaphore.Weighted
	logger     *zap.Logger

	fetchStop chan struct{}
	stopOnce  sync.Once
}

// NewKafkaConsumer creates a consumer for cfg.Topic.
func NewKafkaConsumer(group sarama.ConsumerGroup, dispatcher Dispatcher, cfg KafkaConfig, logger *zap.Logger) *KafkaConsumer {
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 10000
	}
	return &KafkaConsumer{
		group:      group,
		dispatcher: dispatcher,
		cfg:        cfg,
		inflight:   semaphore.NewWeighted(cfg.MaxInFlight),
		logger:     logger,
		fetchStop:  make(chan struct{}),
	}
}

// Run consumes until ctx is cancelled or the group is closed.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("kafka consumer error", zap.Error(err))
		}
	}()

	c.logger.Info("kafka consumer started", zap.String("topic", c.cfg.Topic))
	for {
		if err := c.group.Consume(ctx, []string{c.cfg.Topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("kafka consume: %w", err)
		}
		if ctx.Err() != nil {
			c.logger.Info("kafka consumer stopped")
			return nil
		}
	}
}

// StopFetching stops handing new messages to the dispatcher but keeps every
// partition session open, so units still in the dispatcher can ack and have
// their offsets committed. Cancel Run's context once the dispatcher is drained.
func (c *KafkaConsumer) StopFetching() {
	c.stopOnce.Do(func() {
		close(c.fetchStop)
		c.logger.Info("kafka consumer stopped fetching")
	})
}

func (c *KafkaConsumer) fetchStopped() bool {
	select {
	case <-c.fetchStop:
		return true
	default:
		return false
	}
}

// Close leaves the group.
func (c *KafkaConsumer) Close() error {
	return c.group.Close()
}

func (c *KafkaConsumer) Setup(session sarama.ConsumerGroupSession) error {
	c.logger.Info("kafka partitions assigned",
		zap.Any("claims", session.Claims()),
		zap.Int32("generation", session.GenerationID()),
	)
	return nil
}

func (c *KafkaConsumer) Cleanup(session sarama.ConsumerGroupSession) error {
	c.logger.Info("kafka partitions revoked", zap.Int32("generation", session.GenerationID()))
	return nil
}

// ConsumeClaim reads one partition. Acks arrive from dispatch workers; the
// ticker flushes whatever prefix of the partition is fully acked.
func (c *KafkaConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	tracker := newOffsetTracker()
	ticker := time.NewTicker(c.cfg.CommitInterval)
	defer ticker.Stop()

	flush := func() {
		offset, ok := tracker.committable()
		if !ok {
			return
		}
		session.MarkOffset(claim.Topic(), claim.Partition(), offset, "")
		session.Commit()
		c.logger.Debug("kafka offset committed",
			zap.String("topic", claim.Topic()),
			zap.Int32("partition", claim.Partition()),
			zap.Int64("offset", offset),
			zap.Int("outstanding", tracker.outstanding()),
		)
	}
	defer flush()

	ctx := session.Context()
	// fetchCtx also ends when fetching stops, so a wait for an in-flight slot
	// cannot pull one more message into a draining dispatcher.
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.fetchStop:
			cancel()
		case <-fetchCtx.Done():
		}
	}()

	messages := claim.Messages()
	fetching := fetchCtx.Done()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if c.fetchStopped() {
				// not tracked, so the offset stays uncommitted
				messages = nil
				continue
			}
			if !c.inflight.TryAcquire(1) {
				flush()
				if err := c.inflight.Acquire(fetchCtx, 1); err != nil {
					messages = nil
					continue
				}
			}
			if err := c.handle(fetchCtx, tracker, msg); err != nil {
				if errors.Is(err, dispatch.ErrEngineStopped) {
					messages = nil
					continue
				}
				return err
			}
		case <-fetching:
			// keep acking and flushing until the session itself ends
			messages = nil
			fetching = nil
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			return nil
		}
	}
}

// handle owns one in-flight slot, released when the unit commits or is rejected.
func (c *KafkaConsumer) handle(ctx context.Context, tracker *offsetTracker, msg *sarama.ConsumerMessage) error {
	tracker.track(msg.Offset)
	metrics.AddMessagesInFlight(1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.inflight.Release(1)
			metrics.AddMessagesInFlight(-1)
		})
	}

	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		c.logger.Error("dropping malformed kafka message",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		metrics.RecordUnitEnqueued("kafka_malformed")
		tracker.ack(msg.Offset)
		release()
		return nil
	}

	offset := msg.Offset
	u, err := ev.ToWorkUnit(dispatch.CommitFunc(func(context.Context) error {
		tracker.ack(offset)
		release()
		return nil
	}))
	if err != nil {
		c.logger.Error("dropping invalid event", zap.String("event_id", ev.EventID), zap.Error(err))
		tracker.ack(offset)
		release()
		return nil
	}

	if err := c.dispatcher.Enqueue(ctx, u); err != nil {
		release()
		// leave the offset unacked so the partition is redelivered
		return fmt.Errorf("enqueue event %s: %w", ev.EventID, err)
	}
	metrics.RecordUnitEnqueued("kafka")
	return nil
}
