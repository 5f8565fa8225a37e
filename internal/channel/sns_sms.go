package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SMSAdapter delivers SMS through AWS SNS.
type SMSAdapter struct {
	client *sns.Client
	logger *zap.Logger
}

type SMSConfig struct {
	Region string
}

// NewSMSAdapter creates an SNS-backed SMS adapter.
func NewSMSAdapter(ctx context.Context, cfg SMSConfig, logger *zap.Logger) (*SMSAdapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SMSAdapter{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (a *SMSAdapter) Channel() Channel {
	return ChannelSMS
}

// Send delivers one SMS.
func (a *SMSAdapter) Send(ctx context.Context, address string, content Content) (*Result, error) {
	if address == "" {
		return nil, &PermanentError{Err: fmt.Errorf("empty phone number")}
	}
	if content.Body == "" {
		return nil, fmt.Errorf("sms content missing body")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(address),
		Message:     aws.String(content.Body),
	}

	result, err := a.client.Publish(ctx, input)
	if err != nil {
		var invalid *types.InvalidParameterException
		if errors.As(err, &invalid) {
			return nil, &PermanentError{Err: err}
		}
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	a.logger.Info("sms sent via SNS",
		zap.String("phone_number", address),
		zap.String("message_id", *result.MessageId),
	)

	return &Result{ProviderMessageID: *result.MessageId}, nil
}
