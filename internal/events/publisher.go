// Package events publishes engine facts to SQS for downstream consumers:
// celebration events feed fulfilment and analytics, webhook effects feed the
// billing pipeline. Publishing is best-effort from the caller's point of
// view - a lost event never blocks or fails a delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Event type constants
const (
	TypeMilestoneCelebrated = "milestone.celebrated"
	TypePaymentApplied      = "payment.applied"
	TypeSubscriptionUpdated = "subscription.updated"
)

// Event is the envelope sent to SQS.
type Event struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EmittedAt  int64           `json:"emitted_at"`
	SchemaUsed string          `json:"schema,omitempty"`
}

// Publisher sends engine events to SQS.
type Publisher struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewPublisher creates a new SQS event publisher.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs event publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Publisher{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Publish sends one event. Returns the message ID for tracking.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event payload: %w", err)
	}

	body, err := json.Marshal(Event{
		Type:      eventType,
		Payload:   raw,
		EmittedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("type", eventType),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return *result.MessageId, nil
}

// Close closes the publisher.
func (p *Publisher) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}
