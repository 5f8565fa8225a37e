package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// EmailAdapter delivers email through AWS SES.
type EmailAdapter struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type EmailConfig struct {
	Region    string
	FromEmail string
}

// NewEmailAdapter creates an SES-backed email adapter.
func NewEmailAdapter(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailAdapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &EmailAdapter{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (a *EmailAdapter) Channel() Channel {
	return ChannelEmail
}

// Send delivers one email. SES rejections for unusable addresses are mapped
// to PermanentError so callers stop retrying them.
func (a *EmailAdapter) Send(ctx context.Context, address string, content Content) (*Result, error) {
	if address == "" {
		return nil, &PermanentError{Err: fmt.Errorf("empty email address")}
	}
	if content.Body == "" {
		return nil, fmt.Errorf("email content missing body")
	}

	subject := content.Title
	if subject == "" {
		subject = "Flourish"
	}

	input := &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &types.Destination{
			ToAddresses: []string{address},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(content.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		if isPermanentSESError(err) {
			return nil, &PermanentError{Err: err}
		}
		return nil, fmt.Errorf("ses send failed: %w", err)
	}

	a.logger.Info("email sent via SES",
		zap.String("to", address),
		zap.String("message_id", *result.MessageId),
	)

	return &Result{ProviderMessageID: *result.MessageId}, nil
}

func isPermanentSESError(err error) bool {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return true
	}
	// SES surfaces some address problems only as message text.
	return strings.Contains(err.Error(), "Email address is not verified")
}
