// Package streak turns habit streak advances into milestone celebrations.
// Celebration is exactly-once per (habit, milestone, streak epoch): the unique
// insert in the milestone ledger is the gate, so replayed advance events and
// concurrent detectors cannot double-celebrate. A streak that resets and
// regrows past the same milestone gets a fresh epoch and celebrates again.
package streak

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flourishlabs/beacon/internal/events"
	"github.com/flourishlabs/beacon/internal/metrics"
	"github.com/flourishlabs/beacon/internal/store"
)

// Milestones is the celebrated streak lengths, ascending.
var Milestones = []int{7, 14, 21, 30, 60, 90, 100, 180, 365}

type Celebrations interface {
	MarkCelebrated(ctx context.Context, habitID uuid.UUID, milestone, streakEpoch int) (bool, error)
}

type Notifications interface {
	Create(ctx context.Context, n *store.ScheduledNotification) error
}

type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) (string, error)
}

type Detector struct {
	celebrations  Celebrations
	notifications Notifications
	publisher     Publisher
	logger        *zap.Logger
}

func NewDetector(celebrations Celebrations, notifications Notifications, publisher Publisher, logger *zap.Logger) *Detector {
	return &Detector{
		celebrations:  celebrations,
		notifications: notifications,
		publisher:     publisher,
		logger:        logger,
	}
}

// celebrationEvent is the payload published for downstream consumers.
type celebrationEvent struct {
	HabitID     string `json:"habit_id"`
	RecipientID string `json:"recipient_id"`
	Milestone   int    `json:"milestone"`
	StreakEpoch int    `json:"streak_epoch"`
}

// OnStreakAdvance processes one streak advance and returns the milestones
// that were newly celebrated. Every uncelebrated milestone at or below the
// new value fires, so a missed advance event is caught up on the next one.
func (d *Detector) OnStreakAdvance(ctx context.Context, habitID, recipientID uuid.UUID, value, epoch int) ([]int, error) {
	var celebrated []int

	for _, milestone := range Milestones {
		if milestone > value {
			break
		}

		inserted, err := d.celebrations.MarkCelebrated(ctx, habitID, milestone, epoch)
		if err != nil {
			return celebrated, fmt.Errorf("mark milestone celebrated: %w", err)
		}
		if !inserted {
			continue
		}

		if err := d.celebrate(ctx, habitID, recipientID, milestone, epoch); err != nil {
			// The ledger row is already in place, so this milestone will
			// not fire again. Surface the error instead of losing it.
			return celebrated, err
		}
		celebrated = append(celebrated, milestone)
	}

	return celebrated, nil
}

// celebrate schedules the immediate celebration notification and publishes
// the celebration event.
func (d *Detector) celebrate(ctx context.Context, habitID, recipientID uuid.UUID, milestone, epoch int) error {
	payload, err := json.Marshal(map[string]any{
		"title": "Streak milestone!",
		"body":  fmt.Sprintf("You hit a %d-day streak. Keep it going!", milestone),
		"data": map[string]string{
			"habit_id":  habitID.String(),
			"milestone": strconv.Itoa(milestone),
		},
	})
	if err != nil {
		return fmt.Errorf("marshal celebration payload: %w", err)
	}

	notif := &store.ScheduledNotification{
		ID:           uuid.New(),
		RecipientID:  recipientID,
		Kind:         store.KindMilestone,
		Payload:      payload,
		ScheduledFor: time.Now(),
		Status:       store.StatusPending,
	}
	if err := d.notifications.Create(ctx, notif); err != nil {
		return fmt.Errorf("create celebration notification: %w", err)
	}

	if _, err := d.publisher.Publish(ctx, events.TypeMilestoneCelebrated, celebrationEvent{
		HabitID:     habitID.String(),
		RecipientID: recipientID.String(),
		Milestone:   milestone,
		StreakEpoch: epoch,
	}); err != nil {
		// Event delivery is best-effort; the celebration itself already
		// happened.
		d.logger.Warn("celebration event publish failed",
			zap.Error(err),
			zap.String("habit_id", habitID.String()),
			zap.Int("milestone", milestone),
		)
	}

	metrics.RecordMilestoneCelebrated(strconv.Itoa(milestone))
	d.logger.Info("milestone celebrated",
		zap.String("habit_id", habitID.String()),
		zap.String("recipient_id", recipientID.String()),
		zap.Int("milestone", milestone),
		zap.Int("streak_epoch", epoch),
	)

	return nil
}
