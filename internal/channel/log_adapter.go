package channel

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogAdapter is a stand-in adapter that logs sends instead of delivering
// them (for development and tests). Register one per channel you want to
// stub out.
type LogAdapter struct {
	channel Channel
	logger  *zap.Logger
}

func NewLogAdapter(channel Channel, logger *zap.Logger) *LogAdapter {
	return &LogAdapter{channel: channel, logger: logger}
}

func (a *LogAdapter) Channel() Channel {
	return a.channel
}

func (a *LogAdapter) Send(ctx context.Context, address string, content Content) (*Result, error) {
	a.logger.Info("logging delivery (development mode)",
		zap.String("channel", string(a.channel)),
		zap.String("address", address),
		zap.String("title", content.Title),
		zap.String("body", content.Body),
	)
	return &Result{ProviderMessageID: "log-" + uuid.NewString()}, nil
}
