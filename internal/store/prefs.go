package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PrefsRepo reads per-recipient delivery preferences and maintains the push
// token registration the engine deactivates on permanent provider rejection.
type PrefsRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewPrefsRepo creates a new recipient-preferences repository.
func NewPrefsRepo(db *DB, logger *zap.Logger) *PrefsRepo {
	return &PrefsRepo{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a recipient's preferences. A recipient with no stored row
// gets the defaults: push channel, no quiet hours, UTC.
func (r *PrefsRepo) Get(ctx context.Context, recipientID uuid.UUID) (*RecipientPrefs, error) {
	query := `
		SELECT recipient_id, preferred_channel, quiet_start_hour, quiet_end_hour,
			timezone, opted_out, email, phone, push_token, updated_at
		FROM recipient_prefs
		WHERE recipient_id = $1
	`

	var p RecipientPrefs
	err := r.db.Pool().QueryRow(ctx, query, recipientID).Scan(
		&p.RecipientID,
		&p.PreferredChannel,
		&p.QuietStartHour,
		&p.QuietEndHour,
		&p.Timezone,
		&p.OptedOut,
		&p.Email,
		&p.Phone,
		&p.PushToken,
		&p.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return &RecipientPrefs{
			RecipientID:      recipientID,
			PreferredChannel: "push",
			Timezone:         "UTC",
		}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("query recipient prefs: %w", err)
	}

	return &p, nil
}

// DeactivatePushToken clears a dead device registration so the router stops
// choosing push for this recipient.
func (r *PrefsRepo) DeactivatePushToken(ctx context.Context, recipientID uuid.UUID) error {
	query := `
		UPDATE recipient_prefs
		SET push_token = NULL
		WHERE recipient_id = $1
	`

	if _, err := r.db.Pool().Exec(ctx, query, recipientID); err != nil {
		return fmt.Errorf("deactivate push token: %w", err)
	}

	r.logger.Info("push token deactivated",
		zap.String("recipient_id", recipientID.String()),
	)

	return nil
}
