package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// NotificationRepo handles database operations for scheduled notifications.
type NotificationRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepo creates a new scheduled-notification repository.
func NewNotificationRepo(db *DB, logger *zap.Logger) *NotificationRepo {
	return &NotificationRepo{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new scheduled notification.
func (r *NotificationRepo) Create(ctx context.Context, n *ScheduledNotification) error {
	query := `
		INSERT INTO scheduled_notifications (
			id, recipient_id, kind, channel, payload, scheduled_for, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		n.ID,
		n.RecipientID,
		n.Kind,
		n.Channel,
		n.Payload,
		n.ScheduledFor,
		n.Status,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create scheduled notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert scheduled notification: %w", err)
	}

	r.logger.Info("scheduled notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("recipient_id", n.RecipientID.String()),
		zap.String("kind", n.Kind),
		zap.Time("scheduled_for", n.ScheduledFor),
	)

	return nil
}

// Get retrieves a scheduled notification by ID.
func (r *NotificationRepo) Get(ctx context.Context, id uuid.UUID) (*ScheduledNotification, error) {
	query := `
		SELECT
			id, recipient_id, kind, channel, payload, scheduled_for,
			status, error_message, claimed_at, created_at, updated_at
		FROM scheduled_notifications
		WHERE id = $1
	`

	var n ScheduledNotification
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&n.ID,
		&n.RecipientID,
		&n.Kind,
		&n.Channel,
		&n.Payload,
		&n.ScheduledFor,
		&n.Status,
		&n.ErrorMessage,
		&n.ClaimedAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("notification not found: %s", id)
	}

	if err != nil {
		r.logger.Error("failed to get scheduled notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query scheduled notification: %w", err)
	}

	return &n, nil
}

// ListByRecipient retrieves notifications for a recipient with pagination.
// Terminal records are retained for audit, so this includes sent/failed/skipped.
func (r *NotificationRepo) ListByRecipient(
	ctx context.Context,
	recipientID uuid.UUID,
	limit int,
	offset int,
) ([]*ScheduledNotification, error) {
	query := `
		SELECT
			id, recipient_id, kind, channel, payload, scheduled_for,
			status, error_message, claimed_at, created_at, updated_at
		FROM scheduled_notifications
		WHERE recipient_id = $1
		ORDER BY scheduled_for DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*ScheduledNotification
	for rows.Next() {
		var n ScheduledNotification
		err := rows.Scan(
			&n.ID,
			&n.RecipientID,
			&n.Kind,
			&n.Channel,
			&n.Payload,
			&n.ScheduledFor,
			&n.Status,
			&n.ErrorMessage,
			&n.ClaimedAt,
			&n.CreatedAt,
			&n.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// DueBatch returns pending notifications whose scheduled time has arrived,
// oldest first, bounded by limit. Selection does not claim: a caller must win
// Claim before touching a record.
func (r *NotificationRepo) DueBatch(ctx context.Context, now time.Time, limit int) ([]*ScheduledNotification, error) {
	query := `
		SELECT
			id, recipient_id, kind, channel, payload, scheduled_for,
			status, error_message, claimed_at, created_at, updated_at
		FROM scheduled_notifications
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY scheduled_for ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*ScheduledNotification
	for rows.Next() {
		var n ScheduledNotification
		err := rows.Scan(
			&n.ID,
			&n.RecipientID,
			&n.Kind,
			&n.Channel,
			&n.Payload,
			&n.ScheduledFor,
			&n.Status,
			&n.ErrorMessage,
			&n.ClaimedAt,
			&n.CreatedAt,
			&n.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}

	return notifications, nil
}

// Claim atomically moves a notification from pending to processing. Returns
// false when another invocation already claimed it, which the caller treats as
// "not mine, move on". This closes the select-then-update race between
// overlapping scheduler ticks.
func (r *NotificationRepo) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE scheduled_notifications
		SET status = 'processing', claimed_at = now()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ReclaimStale returns notifications stuck in processing since before cutoff
// to the due set. A claim whose holder never reached Finish or Reschedule
// (crash, shutdown cancelling the context mid-dispatch) would otherwise be
// stranded in processing forever.
func (r *NotificationRepo) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE scheduled_notifications
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1
	`

	result, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale notifications: %w", err)
	}

	reclaimed := int(result.RowsAffected())
	if reclaimed > 0 {
		r.logger.Warn("reclaimed stale notification claims",
			zap.Int("count", reclaimed),
			zap.Time("cutoff", cutoff),
		)
	}

	return reclaimed, nil
}

// Finish records the terminal outcome of a claimed notification.
// Status must be one of sent, failed, skipped.
func (r *NotificationRepo) Finish(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error {
	query := `
		UPDATE scheduled_notifications
		SET status = $1, error_message = $2
		WHERE id = $3 AND status = 'processing'
	`

	result, err := r.db.Pool().Exec(ctx, query, status, errorMsg, id)
	if err != nil {
		r.logger.Error("failed to finish notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
			zap.String("status", status),
		)
		return fmt.Errorf("finish notification: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification not in processing state: %s", id)
	}

	return nil
}

// Reschedule moves a claimed notification back to pending with a new due time.
// Used for quiet-hours deferral: the same record fires later, it is not a
// failure.
func (r *NotificationRepo) Reschedule(ctx context.Context, id uuid.UUID, scheduledFor time.Time) error {
	query := `
		UPDATE scheduled_notifications
		SET status = 'pending', scheduled_for = $1, claimed_at = NULL
		WHERE id = $2 AND status = 'processing'
	`

	result, err := r.db.Pool().Exec(ctx, query, scheduledFor, id)
	if err != nil {
		return fmt.Errorf("reschedule notification: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification not in processing state: %s", id)
	}

	r.logger.Info("notification rescheduled",
		zap.String("notification_id", id.String()),
		zap.Time("scheduled_for", scheduledFor),
	)

	return nil
}
