package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CommunicationRepo handles database operations for bulk communications and
// their per-recipient delivery state.
type CommunicationRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewCommunicationRepo creates a new bulk-communication repository.
func NewCommunicationRepo(db *DB, logger *zap.Logger) *CommunicationRepo {
	return &CommunicationRepo{
		db:     db,
		logger: logger,
	}
}

// CreateCommunication inserts a communication and its recipient rows in one
// transaction so a half-created batch can never be processed.
func (r *CommunicationRepo) CreateCommunication(ctx context.Context, comm *BulkCommunication, recipients []*CommunicationRecipient) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertComm := `
		INSERT INTO bulk_communications (id, subject, channel, body, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, insertComm,
		comm.ID,
		comm.Subject,
		comm.Channel,
		comm.Body,
		comm.Status,
	).Scan(&comm.CreatedAt, &comm.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert communication: %w", err)
	}

	insertRecipient := `
		INSERT INTO communication_recipients (id, communication_id, recipient_id, address, status, attempts)
		VALUES ($1, $2, $3, $4, $5, 0)
	`
	for _, rec := range recipients {
		if _, err := tx.Exec(ctx, insertRecipient,
			rec.ID,
			comm.ID,
			rec.RecipientID,
			rec.Address,
			StatusPending,
		); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("bulk communication created",
		zap.String("communication_id", comm.ID.String()),
		zap.String("channel", comm.Channel),
		zap.Int("recipients", len(recipients)),
	)

	return nil
}

// GetCommunication retrieves a bulk communication by ID.
func (r *CommunicationRepo) GetCommunication(ctx context.Context, id uuid.UUID) (*BulkCommunication, error) {
	query := `
		SELECT id, subject, channel, body, status,
			sent_count, failed_count, skipped_count,
			created_at, updated_at
		FROM bulk_communications
		WHERE id = $1
	`

	var comm BulkCommunication
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&comm.ID,
		&comm.Subject,
		&comm.Channel,
		&comm.Body,
		&comm.Status,
		&comm.SentCount,
		&comm.FailedCount,
		&comm.SkippedCount,
		&comm.CreatedAt,
		&comm.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("communication not found: %s", id)
	}

	if err != nil {
		return nil, fmt.Errorf("query communication: %w", err)
	}

	return &comm, nil
}

// MarkSending moves a communication from scheduled to sending. Idempotent:
// a communication already sending is left alone.
func (r *CommunicationRepo) MarkSending(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE bulk_communications
		SET status = 'sending'
		WHERE id = $1 AND status = 'scheduled'
	`
	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return fmt.Errorf("mark communication sending: %w", err)
	}
	return nil
}

// RetryableRecipients returns up to limit recipients that still need a
// delivery attempt: never-attempted pending rows, plus failed rows below the
// attempt cap whose backoff delay has elapsed.
func (r *CommunicationRepo) RetryableRecipients(ctx context.Context, commID uuid.UUID, maxAttempts int, now time.Time, limit int) ([]*CommunicationRecipient, error) {
	query := `
		SELECT id, communication_id, recipient_id, address, status,
			attempts, last_error, next_retry_at, created_at, updated_at
		FROM communication_recipients
		WHERE communication_id = $1
		  AND (
			status = 'pending'
			OR (status = 'failed' AND attempts < $2 AND (next_retry_at IS NULL OR next_retry_at <= $3))
		  )
		ORDER BY created_at ASC
		LIMIT $4
	`

	rows, err := r.db.Pool().Query(ctx, query, commID, maxAttempts, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query retryable recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*CommunicationRecipient
	for rows.Next() {
		var rec CommunicationRecipient
		err := rows.Scan(
			&rec.ID,
			&rec.CommunicationID,
			&rec.RecipientID,
			&rec.Address,
			&rec.Status,
			&rec.Attempts,
			&rec.LastError,
			&rec.NextRetryAt,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, &rec)
	}

	return recipients, nil
}

// MarkRecipientSent records a successful delivery.
func (r *CommunicationRepo) MarkRecipientSent(ctx context.Context, id uuid.UUID, attempts int) error {
	query := `
		UPDATE communication_recipients
		SET status = 'sent', attempts = $1, last_error = NULL, next_retry_at = NULL
		WHERE id = $2
	`
	if _, err := r.db.Pool().Exec(ctx, query, attempts, id); err != nil {
		return fmt.Errorf("mark recipient sent: %w", err)
	}
	return nil
}

// MarkRecipientSkipped records a policy opt-out. Skipped is terminal.
func (r *CommunicationRepo) MarkRecipientSkipped(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE communication_recipients
		SET status = 'skipped', next_retry_at = NULL
		WHERE id = $1
	`
	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return fmt.Errorf("mark recipient skipped: %w", err)
	}
	return nil
}

// RecordRecipientFailure records one failed attempt. nextRetryAt is nil once
// the attempt cap is reached, which makes the failure terminal.
func (r *CommunicationRepo) RecordRecipientFailure(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextRetryAt *time.Time) error {
	query := `
		UPDATE communication_recipients
		SET status = 'failed', attempts = $1, last_error = $2, next_retry_at = $3
		WHERE id = $4
	`
	if _, err := r.db.Pool().Exec(ctx, query, attempts, lastError, nextRetryAt, id); err != nil {
		return fmt.Errorf("record recipient failure: %w", err)
	}
	return nil
}

// NonTerminalCount counts recipients that still need work: pending rows and
// retryable failures below the attempt cap.
func (r *CommunicationRepo) NonTerminalCount(ctx context.Context, commID uuid.UUID, maxAttempts int) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM communication_recipients
		WHERE communication_id = $1
		  AND (status = 'pending' OR (status = 'failed' AND attempts < $2))
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, commID, maxAttempts).Scan(&count); err != nil {
		return 0, fmt.Errorf("count non-terminal recipients: %w", err)
	}
	return count, nil
}

// Finalize recomputes the aggregate counters from recipient rows and derives
// the terminal communication status: sent when nothing failed, partial on a
// mix, failed when no recipient succeeded. Recomputing instead of incrementing
// keeps the counters drift-free. Returns the derived status.
func (r *CommunicationRepo) Finalize(ctx context.Context, commID uuid.UUID) (string, error) {
	countQuery := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'skipped')
		FROM communication_recipients
		WHERE communication_id = $1
	`

	var sent, failed, skipped int
	if err := r.db.Pool().QueryRow(ctx, countQuery, commID).Scan(&sent, &failed, &skipped); err != nil {
		return "", fmt.Errorf("count recipient outcomes: %w", err)
	}

	status := DeriveCommunicationStatus(sent, failed)

	updateQuery := `
		UPDATE bulk_communications
		SET status = $1, sent_count = $2, failed_count = $3, skipped_count = $4
		WHERE id = $5
	`
	if _, err := r.db.Pool().Exec(ctx, updateQuery, status, sent, failed, skipped, commID); err != nil {
		return "", fmt.Errorf("finalize communication: %w", err)
	}

	r.logger.Info("bulk communication finalized",
		zap.String("communication_id", commID.String()),
		zap.String("status", status),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
	)

	return status, nil
}

// DeriveCommunicationStatus maps recipient outcome counts to the communication
// status: sent iff nothing terminally failed, partial on a mix, failed iff
// zero successes. Opt-out skips count toward neither side, so a batch where
// every recipient was skipped finalizes as sent: policy outcomes are not
// delivery failures.
func DeriveCommunicationStatus(sent, failed int) string {
	switch {
	case failed == 0:
		return CommStatusSent
	case sent > 0:
		return CommStatusPartial
	default:
		return CommStatusFailed
	}
}
