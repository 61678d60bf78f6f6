package sqs

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	DLQURL   string
	Endpoint string // LocalStack

	WaitTimeSeconds   int32
	VisibilityTimeout int32
	MaxMessages       int32
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewClient loads AWS configuration for cfg.Region.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer sends message bodies to one queue.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a producer for queueURL.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish sends body tagged with key. On FIFO queues key is the message
// group, so entries for one destination stay ordered.
func (p *Producer) Publish(ctx context.Context, key string, body []byte) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"destination_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(key),
			},
		},
	}
	if strings.HasSuffix(p.queueURL, ".fifo") {
		input.MessageGroupId = aws.String(key)
		input.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("destination_id", key),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("sqs message sent",
		zap.String("message_id", aws.ToString(result.MessageId)),
		zap.String("destination_id", key),
	)
	return nil
}

// Delivery is one received message.
type Delivery struct {
	MessageID     string
	ReceiptHandle string
	Body          []byte
	ReceiveCount  string
}

// Consumer reads messages from one queue.
type Consumer struct {
	client API
	cfg    Config
	logger *zap.Logger
}

// NewConsumer creates a consumer for cfg.QueueURL.
func NewConsumer(client API, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 360
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{client: client, cfg: cfg, logger: logger}
}

// ReceiveMessages long-polls for up to MaxMessages messages.
func (c *Consumer) ReceiveMessages(ctx context.Context) ([]Delivery, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: c.cfg.MaxMessages,
		WaitTimeSeconds:     c.cfg.WaitTimeSeconds,
		VisibilityTimeout:   c.cfg.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	out := make([]Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		out = append(out, Delivery{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiveCount:  m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)],
		})
	}
	return out, nil
}

// DeleteMessage removes a message after it has been handled.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := c.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility extends the visibility timeout for a message.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	_, err := c.client.ChangeMessageVisibility(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
