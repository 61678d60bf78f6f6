package sns

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// maxMessageBytes is the SNS payload limit.
const maxMessageBytes = 256 * 1024

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends dead-letter alerts to one topic.
type Publisher struct {
	client   API
	topicARN string
	subject  string
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return NewPublisherWithClient(client, topicARN), nil
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		subject:  "relay dead letter",
	}
}

// Publish sends body with the destination id as a filterable attribute.
// FIFO topics group by key.
func (p *Publisher) Publish(ctx context.Context, key string, body []byte) error {
	if len(body) > maxMessageBytes {
		return fmt.Errorf("sns message of %d bytes exceeds limit of %d", len(body), maxMessageBytes)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		Subject:  aws.String(p.subject),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"destination_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(key),
			},
		},
	}
	if strings.HasSuffix(p.topicARN, ".fifo") {
		input.MessageGroupId = aws.String(key)
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}
