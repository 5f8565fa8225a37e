package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MilestoneRepo records which streak milestones have already been celebrated.
// The key is (habit, milestone, streak epoch): a streak that resets and
// regrows past the same milestone celebrates again under a new epoch.
type MilestoneRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewMilestoneRepo creates a new milestone-celebration repository.
func NewMilestoneRepo(db *DB, logger *zap.Logger) *MilestoneRepo {
	return &MilestoneRepo{
		db:     db,
		logger: logger,
	}
}

// MarkCelebrated records the celebration fact. Returns true when this call
// inserted the row, false when the (habit, milestone, epoch) combination was
// already celebrated. Same insert-if-absent shape as the webhook ledger.
func (r *MilestoneRepo) MarkCelebrated(ctx context.Context, habitID uuid.UUID, milestone, streakEpoch int) (bool, error) {
	query := `
		INSERT INTO celebrated_milestones (habit_id, milestone, streak_epoch)
		VALUES ($1, $2, $3)
		ON CONFLICT (habit_id, milestone, streak_epoch) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query, habitID, milestone, streakEpoch)
	if err != nil {
		return false, fmt.Errorf("insert celebrated milestone: %w", err)
	}

	inserted := result.RowsAffected() > 0
	if !inserted {
		r.logger.Debug("milestone already celebrated",
			zap.String("habit_id", habitID.String()),
			zap.Int("milestone", milestone),
			zap.Int("streak_epoch", streakEpoch),
		)
	}

	return inserted, nil
}
