// Package scheduler drains the due queue: pending notifications whose
// scheduled time has arrived are claimed, routed, and delivered exactly once
// per claim. Failed sends are terminal here - durable retry belongs to bulk
// communications, where attempt state lives on the recipient row.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flourishlabs/beacon/internal/channel"
	"github.com/flourishlabs/beacon/internal/metrics"
	"github.com/flourishlabs/beacon/internal/quiet"
	"github.com/flourishlabs/beacon/internal/store"
)

type NotificationStore interface {
	DueBatch(ctx context.Context, now time.Time, limit int) ([]*store.ScheduledNotification, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)
	Finish(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error
	Reschedule(ctx context.Context, id uuid.UUID, scheduledFor time.Time) error
}

type PrefsStore interface {
	Get(ctx context.Context, recipientID uuid.UUID) (*store.RecipientPrefs, error)
	DeactivatePushToken(ctx context.Context, recipientID uuid.UUID) error
}

// Summary reports what one ProcessDue pass did.
type Summary struct {
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Rescheduled int `json:"rescheduled"`
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int

	// ClaimLease bounds how long a claim may sit in processing before a
	// later pass takes it back. Must comfortably exceed the longest
	// plausible dispatch, or two passes could deliver the same record.
	ClaimLease time.Duration
}

type Scheduler struct {
	notifications NotificationStore
	prefs         PrefsStore
	router        *channel.Router
	registry      *channel.Registry
	config        Config
	logger        *zap.Logger
}

func New(
	notifications NotificationStore,
	prefs PrefsStore,
	router *channel.Router,
	registry *channel.Registry,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.ClaimLease == 0 {
		cfg.ClaimLease = 5 * time.Minute
	}

	return &Scheduler{
		notifications: notifications,
		prefs:         prefs,
		router:        router,
		registry:      registry,
		config:        cfg,
		logger:        logger,
	}
}

// Start runs the due-queue loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			if _, err := s.ProcessDue(ctx, time.Now()); err != nil {
				s.logger.Error("due-queue pass failed", zap.Error(err))
			}
		}
	}
}

// ProcessDue runs one pass over the due queue. Records another invocation
// claims first are silently skipped, so overlapping passes never double-send.
// Claims abandoned past the lease (crash or cancellation between Claim and
// Finish) are returned to the due set first.
func (s *Scheduler) ProcessDue(ctx context.Context, now time.Time) (*Summary, error) {
	if _, err := s.notifications.ReclaimStale(ctx, now.Add(-s.config.ClaimLease)); err != nil {
		// The due pass is still worth running on live pending rows.
		s.logger.Error("stale claim reclaim failed", zap.Error(err))
	}

	due, err := s.notifications.DueBatch(ctx, now, s.config.BatchSize)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for _, notif := range due {
		claimed, err := s.notifications.Claim(ctx, notif.ID)
		if err != nil {
			s.logger.Error("claim failed",
				zap.Error(err),
				zap.String("notification_id", notif.ID.String()),
			)
			continue
		}
		if !claimed {
			continue
		}

		s.dispatch(ctx, notif, now, summary)
	}

	if summary.Sent+summary.Failed+summary.Skipped+summary.Rescheduled > 0 {
		s.logger.Info("due-queue pass complete",
			zap.Int("sent", summary.Sent),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
			zap.Int("rescheduled", summary.Rescheduled),
		)
	}

	return summary, nil
}

// dispatch resolves and delivers one claimed notification, recording a
// terminal status or a quiet-hours reschedule.
func (s *Scheduler) dispatch(ctx context.Context, notif *store.ScheduledNotification, now time.Time, summary *Summary) {
	prefs, err := s.prefs.Get(ctx, notif.RecipientID)
	if err != nil {
		// Infrastructure fault, not a delivery outcome: release the claim
		// so a later pass retries instead of consuming the notification.
		s.logger.Error("preference lookup failed, releasing claim",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		if rerr := s.notifications.Reschedule(ctx, notif.ID, notif.ScheduledFor); rerr != nil {
			s.logger.Error("claim release failed",
				zap.Error(rerr),
				zap.String("notification_id", notif.ID.String()),
			)
		}
		return
	}

	if prefs.OptedOut {
		s.finish(ctx, notif, store.StatusSkipped, strPtr("recipient opted out"), summary)
		return
	}

	// Quiet hours are evaluated in the recipient's zone. Milestone
	// celebrations are exempt: they are time-sensitive and welcome.
	if notif.Kind != store.KindMilestone {
		window := quiet.Window{StartHour: prefs.QuietStartHour, EndHour: prefs.QuietEndHour}
		local := now.In(s.location(prefs.Timezone))
		if quiet.IsQuiet(local, window) {
			next := quiet.NextSendable(local, window)
			if err := s.notifications.Reschedule(ctx, notif.ID, next.UTC()); err != nil {
				s.logger.Error("reschedule failed",
					zap.Error(err),
					zap.String("notification_id", notif.ID.String()),
				)
				return
			}
			metrics.RecordReschedule()
			summary.Rescheduled++
			return
		}
	}

	route, err := s.router.Resolve(notif.Kind, notif.Channel, prefs)
	if err != nil {
		s.fail(ctx, notif, "no deliverable channel: "+err.Error(), summary)
		return
	}

	content := buildContent(notif)

	start := time.Now()
	_, err = s.registry.Send(ctx, route.Channel, route.Address, content)
	metrics.RecordDeliveryLatency(string(route.Channel), time.Since(start))

	if err != nil {
		if channel.IsPermanent(err) && route.Channel == channel.ChannelPush {
			if deactErr := s.prefs.DeactivatePushToken(ctx, notif.RecipientID); deactErr != nil {
				s.logger.Error("push token deactivation failed",
					zap.Error(deactErr),
					zap.String("recipient_id", notif.RecipientID.String()),
				)
			}
		}
		s.fail(ctx, notif, err.Error(), summary)
		return
	}

	s.finish(ctx, notif, store.StatusSent, nil, summary)
	s.logger.Info("notification delivered",
		zap.String("notification_id", notif.ID.String()),
		zap.String("kind", notif.Kind),
		zap.String("channel", string(route.Channel)),
	)
}

func (s *Scheduler) fail(ctx context.Context, notif *store.ScheduledNotification, msg string, summary *Summary) {
	s.logger.Error("notification delivery failed",
		zap.String("notification_id", notif.ID.String()),
		zap.String("kind", notif.Kind),
		zap.String("error", msg),
	)
	s.finish(ctx, notif, store.StatusFailed, &msg, summary)
}

func (s *Scheduler) finish(ctx context.Context, notif *store.ScheduledNotification, status string, errMsg *string, summary *Summary) {
	if err := s.notifications.Finish(ctx, notif.ID, status, errMsg); err != nil {
		s.logger.Error("finish failed",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
			zap.String("status", status),
		)
		return
	}

	ch := ""
	if notif.Channel != nil {
		ch = *notif.Channel
	}
	metrics.RecordDispatch(status, ch)

	switch status {
	case store.StatusSent:
		summary.Sent++
	case store.StatusFailed:
		summary.Failed++
	case store.StatusSkipped:
		summary.Skipped++
	}
}

// location resolves a recipient timezone, falling back to UTC on a bad name
// rather than dropping the notification.
func (s *Scheduler) location(tz string) *time.Location {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.logger.Warn("unknown recipient timezone, using UTC", zap.String("timezone", tz))
		return time.UTC
	}
	return loc
}

// buildContent extracts delivery content from the stored payload. Payloads
// carry pre-rendered title/body; anything else rides along as data.
func buildContent(notif *store.ScheduledNotification) channel.Content {
	content := channel.Content{}

	var payload struct {
		Title string            `json:"title"`
		Body  string            `json:"body"`
		Data  map[string]string `json:"data"`
	}
	if len(notif.Payload) > 0 {
		if err := json.Unmarshal(notif.Payload, &payload); err == nil {
			content.Title = payload.Title
			content.Body = payload.Body
			content.Data = payload.Data
		}
	}

	if content.Data == nil {
		content.Data = map[string]string{}
	}
	content.Data["kind"] = notif.Kind
	return content
}

func strPtr(s string) *string { return &s }
