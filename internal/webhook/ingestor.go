// Package webhook ingests payment-provider webhooks with exactly-once effect
// application. Signature verification happens on the raw body before any
// parsing; the event-id ledger makes redelivered events no-ops. Once a
// delivery passes the signature check it is always acked - a failed business
// effect is recorded in the ledger for out-of-band retry, never bounced back
// to the provider, whose redelivery would be deduplicated anyway.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flourishlabs/beacon/internal/events"
	"github.com/flourishlabs/beacon/internal/metrics"
)

var (
	// ErrBadSignature means the delivery could not be authenticated and
	// must be rejected without side effects.
	ErrBadSignature = errors.New("webhook signature verification failed")

	// ErrMalformed means an authenticated body could not be parsed.
	ErrMalformed = errors.New("malformed webhook payload")
)

// Event type constants from the payment provider.
const (
	EventPaymentCompleted    = "payment_completed"
	EventSubscriptionUpdated = "subscription_updated"
)

type Ledger interface {
	Begin(ctx context.Context, eventID, eventType string) (bool, error)
	Complete(ctx context.Context, eventID string, processedAt time.Time) error
	Fail(ctx context.Context, eventID string, processedAt time.Time, errMsg string) error
}

// PaymentEvent is the payload of a payment_completed event.
type PaymentEvent struct {
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// SubscriptionEvent is the payload of a subscription_updated event.
type SubscriptionEvent struct {
	AccountID string `json:"account_id"`
	Tier      string `json:"tier"`
}

// EffectApplier applies the business effect of an authenticated, deduplicated
// event.
type EffectApplier interface {
	ApplyPayment(ctx context.Context, ev PaymentEvent) error
	ApplySubscription(ctx context.Context, ev SubscriptionEvent) error
}

type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) (string, error)
}

// Receipt reports what one delivery did. Duplicate receipts carry no effect.
type Receipt struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Duplicate bool   `json:"duplicate"`
	Applied   bool   `json:"applied"`
}

type Ingestor struct {
	ledger    Ledger
	applier   EffectApplier
	publisher Publisher
	secret    []byte
	logger    *zap.Logger
}

func NewIngestor(ledger Ledger, applier EffectApplier, publisher Publisher, secret []byte, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		ledger:    ledger,
		applier:   applier,
		publisher: publisher,
		secret:    secret,
		logger:    logger,
	}
}

// envelope is the provider's outer event shape.
type envelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Ingest processes one raw webhook delivery. ErrBadSignature and ErrMalformed
// mean the delivery should be rejected; any other outcome is an ack.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte, signature string) (*Receipt, error) {
	if !Verify(raw, signature, i.secret) {
		i.logger.Warn("webhook rejected: bad signature")
		return nil, ErrBadSignature
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformed)
	}

	claimed, err := i.ledger.Begin(ctx, env.ID, env.Type)
	if err != nil {
		return nil, err
	}
	if !claimed {
		metrics.RecordWebhookDuplicate()
		return &Receipt{EventID: env.ID, EventType: env.Type, Duplicate: true}, nil
	}

	receipt := &Receipt{EventID: env.ID, EventType: env.Type}

	if err := i.applyEffect(ctx, env); err != nil {
		// Ledger keeps the failure; the provider still gets an ack so it
		// stops redelivering an event we already own.
		i.logger.Error("webhook effect failed",
			zap.Error(err),
			zap.String("event_id", env.ID),
			zap.String("event_type", env.Type),
		)
		if failErr := i.ledger.Fail(ctx, env.ID, time.Now(), err.Error()); failErr != nil {
			i.logger.Error("ledger fail-mark failed", zap.Error(failErr), zap.String("event_id", env.ID))
		}
		return receipt, nil
	}

	if err := i.ledger.Complete(ctx, env.ID, time.Now()); err != nil {
		i.logger.Error("ledger complete-mark failed", zap.Error(err), zap.String("event_id", env.ID))
	}

	receipt.Applied = true
	return receipt, nil
}

func (i *Ingestor) applyEffect(ctx context.Context, env envelope) error {
	switch env.Type {
	case EventPaymentCompleted:
		var ev PaymentEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("decode payment event: %w", err)
		}
		if err := i.applier.ApplyPayment(ctx, ev); err != nil {
			return err
		}
		i.publish(ctx, events.TypePaymentApplied, ev)
		return nil

	case EventSubscriptionUpdated:
		var ev SubscriptionEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("decode subscription event: %w", err)
		}
		if err := i.applier.ApplySubscription(ctx, ev); err != nil {
			return err
		}
		i.publish(ctx, events.TypeSubscriptionUpdated, ev)
		return nil

	default:
		// Unknown types are acknowledged and recorded; the provider adds
		// types without warning and they must not poison the feed.
		i.logger.Info("unhandled webhook event type", zap.String("event_type", env.Type))
		return nil
	}
}

// publish emits the applied effect for downstream consumers, best-effort.
func (i *Ingestor) publish(ctx context.Context, eventType string, payload any) {
	if i.publisher == nil {
		return
	}
	if _, err := i.publisher.Publish(ctx, eventType, payload); err != nil {
		i.logger.Warn("effect event publish failed",
			zap.Error(err),
			zap.String("type", eventType),
		)
	}
}
