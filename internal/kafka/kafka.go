// Package kafka builds sarama clients for the inbound topic and the dead-letter topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Config holds Kafka configuration.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	DLQTopic string
	ClientID string

	// CommitInterval is how often acknowledged offsets are flushed.
	CommitInterval time.Duration
}

// NewSaramaConfig returns the shared client configuration. Consumer
// auto-commit is off: offsets only move through explicit commits.
func NewSaramaConfig(cfg Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Return.Errors = true
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}

	sc.Producer.Return.Successes = true
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	return sc
}

// NewConsumerGroup joins cfg.GroupID.
func NewConsumerGroup(cfg Config) (sarama.ConsumerGroup, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka group id is required")
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return group, nil
}

// Producer publishes keyed messages to one topic.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewProducer connects an idempotent sync producer for topic.
func NewProducer(cfg Config, topic string, logger *zap.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}

	sp, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	logger.Info("kafka producer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", topic),
	)
	return NewProducerFromSync(sp, topic, logger), nil
}

// NewProducerFromSync wraps an existing sarama producer.
func NewProducerFromSync(sp sarama.SyncProducer, topic string, logger *zap.Logger) *Producer {
	return &Producer{producer: sp, topic: topic, logger: logger}
}

// Publish sends body under key and waits for the broker acknowledgement
// or ctx, whichever comes first.
func (p *Producer) Publish(ctx context.Context, key string, body []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
	}

	type sent struct {
		partition int32
		offset    int64
		err       error
	}
	done := make(chan sent, 1)
	go func() {
		partition, offset, err := p.producer.SendMessage(msg)
		done <- sent{partition, offset, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("kafka publish to %s failed: %w", p.topic, r.err)
		}
		p.logger.Debug("kafka message published",
			zap.String("topic", p.topic),
			zap.String("key", key),
			zap.Int32("partition", r.partition),
			zap.Int64("offset", r.offset),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka publish to %s: %w", p.topic, ctx.Err())
	}
}

// Close flushes and closes the producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}
