package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LedgerRepo is the idempotency ledger for externally delivered webhook
// events. The natural key is the source system's event id; the unique
// constraint makes "insert if absent" the dedup primitive, so a concurrent
// duplicate delivery is a handled outcome rather than an error.
type LedgerRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewLedgerRepo creates a new webhook-event ledger repository.
func NewLedgerRepo(db *DB, logger *zap.Logger) *LedgerRepo {
	return &LedgerRepo{
		db:     db,
		logger: logger,
	}
}

// Begin records an event as processing. Returns true when this caller owns
// the event (the row was inserted), false when the event id was already seen
// in any state.
func (r *LedgerRepo) Begin(ctx context.Context, eventID, eventType string) (bool, error) {
	query := `
		INSERT INTO webhook_events (event_id, event_type, status)
		VALUES ($1, $2, 'processing')
		ON CONFLICT (event_id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}

	claimed := result.RowsAffected() > 0
	if !claimed {
		r.logger.Info("duplicate webhook event, skipping",
			zap.String("event_id", eventID),
			zap.String("event_type", eventType),
		)
	}

	return claimed, nil
}

// Complete marks an event's business effect as applied.
func (r *LedgerRepo) Complete(ctx context.Context, eventID string, processedAt time.Time) error {
	query := `
		UPDATE webhook_events
		SET status = 'completed', processed_at = $1, error_message = NULL
		WHERE event_id = $2
	`
	if _, err := r.db.Pool().Exec(ctx, query, processedAt, eventID); err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	return nil
}

// Fail records that the business effect could not be applied. Failed rows are
// retained for out-of-band retry and alerting; the upstream still gets an ack.
func (r *LedgerRepo) Fail(ctx context.Context, eventID string, processedAt time.Time, errMsg string) error {
	query := `
		UPDATE webhook_events
		SET status = 'failed', processed_at = $1, error_message = $2
		WHERE event_id = $3
	`
	if _, err := r.db.Pool().Exec(ctx, query, processedAt, errMsg, eventID); err != nil {
		return fmt.Errorf("fail webhook event: %w", err)
	}
	return nil
}

// Get retrieves a ledger row by event id.
func (r *LedgerRepo) Get(ctx context.Context, eventID string) (*WebhookEvent, error) {
	query := `
		SELECT event_id, event_type, status, processed_at, error_message, created_at
		FROM webhook_events
		WHERE event_id = $1
	`

	var ev WebhookEvent
	err := r.db.Pool().QueryRow(ctx, query, eventID).Scan(
		&ev.EventID,
		&ev.EventType,
		&ev.Status,
		&ev.ProcessedAt,
		&ev.ErrorMessage,
		&ev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("query webhook event: %w", err)
	}

	return &ev, nil
}
