package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flourishlabs/beacon/internal/channel"
	"github.com/flourishlabs/beacon/internal/store"
)

type fakeNotificationStore struct {
	due       []*store.ScheduledNotification
	stale     []*store.ScheduledNotification
	claimed   map[uuid.UUID]bool
	finished  map[uuid.UUID]string
	errors    map[uuid.UUID]string
	scheduled map[uuid.UUID]time.Time
}

func newFakeNotificationStore(due ...*store.ScheduledNotification) *fakeNotificationStore {
	return &fakeNotificationStore{
		due:       due,
		claimed:   make(map[uuid.UUID]bool),
		finished:  make(map[uuid.UUID]string),
		errors:    make(map[uuid.UUID]string),
		scheduled: make(map[uuid.UUID]time.Time),
	}
}

func (f *fakeNotificationStore) DueBatch(ctx context.Context, now time.Time, limit int) ([]*store.ScheduledNotification, error) {
	return f.due, nil
}

func (f *fakeNotificationStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	var kept []*store.ScheduledNotification
	count := 0
	for _, n := range f.stale {
		if n.ClaimedAt != nil && n.ClaimedAt.Before(cutoff) {
			n.Status = store.StatusPending
			n.ClaimedAt = nil
			delete(f.claimed, n.ID)
			f.due = append(f.due, n)
			count++
			continue
		}
		kept = append(kept, n)
	}
	f.stale = kept
	return count, nil
}

func (f *fakeNotificationStore) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	if f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func (f *fakeNotificationStore) Finish(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error {
	f.finished[id] = status
	if errorMsg != nil {
		f.errors[id] = *errorMsg
	}
	return nil
}

func (f *fakeNotificationStore) Reschedule(ctx context.Context, id uuid.UUID, scheduledFor time.Time) error {
	f.scheduled[id] = scheduledFor
	delete(f.claimed, id)
	return nil
}

type fakePrefsStore struct {
	prefs       map[uuid.UUID]*store.RecipientPrefs
	deactivated []uuid.UUID
	err         error
}

func (f *fakePrefsStore) Get(ctx context.Context, recipientID uuid.UUID) (*store.RecipientPrefs, error) {
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.prefs[recipientID]; ok {
		return p, nil
	}
	return &store.RecipientPrefs{
		RecipientID:      recipientID,
		PreferredChannel: "push",
		Timezone:         "UTC",
	}, nil
}

func (f *fakePrefsStore) DeactivatePushToken(ctx context.Context, recipientID uuid.UUID) error {
	f.deactivated = append(f.deactivated, recipientID)
	return nil
}

// failingAdapter returns the configured error on every send.
type failingAdapter struct {
	channel channel.Channel
	err     error
}

func (a *failingAdapter) Channel() channel.Channel { return a.channel }

func (a *failingAdapter) Send(ctx context.Context, address string, content channel.Content) (*channel.Result, error) {
	return nil, a.err
}

func strP(s string) *string { return &s }

func testNotification(recipientID uuid.UUID, kind string, scheduledFor time.Time) *store.ScheduledNotification {
	payload, _ := json.Marshal(map[string]string{"title": "Reminder", "body": "Time to check in"})
	return &store.ScheduledNotification{
		ID:           uuid.New(),
		RecipientID:  recipientID,
		Kind:         kind,
		Payload:      payload,
		ScheduledFor: scheduledFor,
		Status:       store.StatusPending,
	}
}

func testScheduler(t *testing.T, notifs *fakeNotificationStore, prefs *fakePrefsStore, adapters ...channel.Adapter) *Scheduler {
	t.Helper()
	logger := zap.NewNop()
	if len(adapters) == 0 {
		adapters = []channel.Adapter{
			channel.NewLogAdapter(channel.ChannelEmail, logger),
			channel.NewLogAdapter(channel.ChannelSMS, logger),
			channel.NewLogAdapter(channel.ChannelVoice, logger),
			channel.NewLogAdapter(channel.ChannelPush, logger),
		}
	}
	registry := channel.NewRegistry(logger, adapters...)
	router := channel.NewRouter(registry, logger)
	return New(notifs, prefs, router, registry, Config{BatchSize: 50}, logger)
}

func TestProcessDue_SendsDueNotification(t *testing.T) {
	recipient := uuid.New()
	notif := testNotification(recipient, store.KindHabitReminder, time.Now().Add(-time.Minute))
	notifs := newFakeNotificationStore(notif)
	prefs := &fakePrefsStore{prefs: map[uuid.UUID]*store.RecipientPrefs{
		recipient: {
			RecipientID:      recipient,
			PreferredChannel: "push",
			Timezone:         "UTC",
			PushToken:        strP("device-1"),
		},
	}}

	s := testScheduler(t, notifs, prefs)
	summary, err := s.ProcessDue(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}

	if summary.Sent != 1 {
		t.Errorf("sent = %d, want 1", summary.Sent)
	}
	if notifs.finished[notif.ID] != store.StatusSent {
		t.Errorf("status = %s, want sent", notifs.finished[notif.ID])
	}
}

func TestProcessDue_SkipsOptedOut(t *testing.T) {
	recipient := uuid.New()
	notif := testNotification(recipient, store.KindHabitReminder, time.Now().Add(-time.Minute))
	notifs := newFakeNotificationStore(notif)
	prefs := &fakePrefsStore{prefs: map[uuid.UUID]*store.RecipientPrefs{
		recipient: {
			RecipientID: recipient,
			Timezone:    "UTC",
			OptedOut:    true,
			PushToken:   strP("device-1"),
		},
	}}

	s := testScheduler(t, notifs, prefs)
	summary, err := s.ProcessDue(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}

	if summary.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", summary.Skipped)
	}
	if notifs.finished[notif.ID] != store.StatusSkipped {
		t.Errorf("status = %s, want skipped", notifs.finished[notif.ID])
	}
}

func TestProcessDue_QuietHoursReschedules(t *testing.T) {
	recipient := uuid.New()
	notif := testNotification(recipient, store.KindHabitReminder, time.Now().Add(-time.Minute))
	notifs := newFakeNotificationStore(notif)
	prefs := &fakePrefsStore{prefs: map[uuid.UUID]*store.RecipientPrefs{
		recipient: {
			RecipientID:    recipient,
			Timezone:       "UTC",
			QuietStartHour: 22,
			QuietEndHour:   7,
			PushToken:      strP("device-1"),
		},
	}}

	// 23:30 UTC is inside the 22-7 window.
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)

	s := testScheduler(t, notifs, prefs)
	summary, err := s.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}

	if summary.Rescheduled != 1 {
		t.Errorf("rescheduled = %d, want 1", summary.Rescheduled)
	}
	if _, finished := notifs.finished[notif.ID]; finished {
		t.Error("rescheduled notification must not reach a terminal status")
	}

	want := time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
	if got := notifs.scheduled[notif.ID]; !got.Equal(want) {
		t.Errorf("rescheduled to %v, want %v", got, want)
	}
}

func TestProcessDue_MilestoneIgnoresQuietHours(t *testing.T) {
	recipient := uuid.New()
	notif := testNotification(recipient, store.KindMilestone, time.Now().Add(-time.Minute))
	notifs := newFakeNotificationStore(notif)
	prefs := &fakePrefsStore{prefs: map[uuid.UUID]*store.RecipientPrefs{
		recipient: {
			RecipientID:    recipient,
			Timezone:       "UTC",
			QuietStartHour: 22,
			QuietEndHour:   7,
			PushToken:      strP("device-1"),
		},
	}}

	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)

	s := testScheduler(t, notifs, prefs)
	summary, err := s.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}

	if summary.Sent != 1 {
		t.Errorf("sent = %d, want 1 - celebrations deliver through quiet hours", summary.Sent)
	}
}

func TestProcessDue_LostClaimIsSkippedSilently(t *testing.T) {
	recipient := uuid.New()
	notif := testNotification(recipient, store.KindHabitReminder, time.Now().Add(-time.Minute))
	notifs := newFakeNotificationStore(notif)
	notifs.claimed[notif.ID] = true // another pass got here first

	prefs := &fakePrefsStore{}
	s := testScheduler(t, notifs, prefs)

	summary, err := s.ProcessDue(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}

	if summary.Sent+summary.Failed+summary.Skipped+summary.Rescheduled != 0 {
		t.Errorf("lost claim should touch nothing, got %+v", summary)
	}
}

func TestProcessDue_TransientFailureIsTerminal(t *testing.T) {
	recipient := uuid.New()
	notif := testNotification(recipient, store.KindHabitReminder, time.Now().Add(-time.Minute))
	notifs := newFakeNotificationStore(notif)
	prefs := &fakePrefsStore{prefs: map[uuid.UUID]*store.RecipientPrefs{
		recipient: {
			RecipientID: recipient,
			Timezone:    "UTC",
			PushToken:   strP("device-1"),
		},
	}}

	s := testScheduler(t, notifs, prefs,
		&failingAdapter{channel: channel.ChannelPush, err: errors.New("provider timeout")},
	)

	summary, err := s.ProcessDue(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}

	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1 - scheduled sends do not retry", summary.Failed)
	}
	if notifs.finished[notif.ID] != store.StatusFailed {
		t.Errorf("status = %s, want failed", notifs.finished[notif.ID])
	}
	if notifs.errors[notif.ID] == "" {
		t.Error("failure should record an error message")
	}
}

func TestProcessDue_PermanentPushFailureDeactivatesToken(t *testing.T) {
	recipient := uuid.New()
	notif := testNotification(recipient, store.KindHabitReminder, time.Now().Add(-time.Minute))
	notifs := newFakeNotificationStore(notif)
	prefs := &fakePrefsStore{prefs: map[uuid.UUID]*store.RecipientPrefs{
		recipient: {
			RecipientID: recipient,
			Timezone:    "UTC",
			PushToken:   strP("dead-device"),
		},
	}}

	s := testScheduler(t, notifs, prefs,
		&failingAdapter{
			channel: channel.ChannelPush,
			err:     &channel.PermanentError{Err: errors.New("token no longer registered")},
		},
	)

	if _, err := s.ProcessDue(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}

	if len(prefs.deactivated) != 1 || prefs.deactivated[0] != recipient {
		t.Errorf("deactivated = %v, want [%s]", prefs.deactivated, recipient)
	}
	if notifs.finished[notif.ID] != store.StatusFailed {
		t.Errorf("status = %s, want failed", notifs.finished[notif.ID])
	}
}

func TestProcessDue_ReclaimsStaleClaims(t *testing.T) {
	recipient := uuid.New()
	now := time.Now()

	abandoned := testNotification(recipient, store.KindHabitReminder, now.Add(-20*time.Minute))
	abandoned.Status = store.StatusProcessing
	staleClaim := now.Add(-10 * time.Minute)
	abandoned.ClaimedAt = &staleClaim

	active := testNotification(recipient, store.KindHabitReminder, now.Add(-2*time.Minute))
	active.Status = store.StatusProcessing
	freshClaim := now.Add(-time.Minute)
	active.ClaimedAt = &freshClaim

	notifs := newFakeNotificationStore()
	notifs.stale = []*store.ScheduledNotification{abandoned, active}
	notifs.claimed[abandoned.ID] = true
	notifs.claimed[active.ID] = true

	prefs := &fakePrefsStore{prefs: map[uuid.UUID]*store.RecipientPrefs{
		recipient: {
			RecipientID:      recipient,
			PreferredChannel: "push",
			Timezone:         "UTC",
			PushToken:        strP("device-1"),
		},
	}}

	s := testScheduler(t, notifs, prefs)
	summary, err := s.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}

	if summary.Sent != 1 {
		t.Errorf("sent = %d, want 1 - abandoned claim should be retaken and delivered", summary.Sent)
	}
	if notifs.finished[abandoned.ID] != store.StatusSent {
		t.Errorf("abandoned status = %s, want sent", notifs.finished[abandoned.ID])
	}
	if _, finished := notifs.finished[active.ID]; finished {
		t.Error("claim inside the lease must not be retaken")
	}
}

func TestProcessDue_PrefsErrorReleasesClaim(t *testing.T) {
	recipient := uuid.New()
	notif := testNotification(recipient, store.KindHabitReminder, time.Now().Add(-time.Minute))
	notifs := newFakeNotificationStore(notif)
	prefs := &fakePrefsStore{err: errors.New("prefs store unavailable")}

	s := testScheduler(t, notifs, prefs)
	summary, err := s.ProcessDue(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}

	if summary.Sent+summary.Failed+summary.Skipped+summary.Rescheduled != 0 {
		t.Errorf("infrastructure fault should count nothing, got %+v", summary)
	}
	if _, finished := notifs.finished[notif.ID]; finished {
		t.Error("notification must not reach a terminal status on a preference lookup error")
	}
	if got := notifs.scheduled[notif.ID]; !got.Equal(notif.ScheduledFor) {
		t.Errorf("claim released to %v, want original due time %v", got, notif.ScheduledFor)
	}
}

func TestProcessDue_NoRouteFails(t *testing.T) {
	recipient := uuid.New()
	notif := testNotification(recipient, store.KindHabitReminder, time.Now().Add(-time.Minute))
	notifs := newFakeNotificationStore(notif)
	prefs := &fakePrefsStore{prefs: map[uuid.UUID]*store.RecipientPrefs{
		recipient: {RecipientID: recipient, Timezone: "UTC"}, // no contact data at all
	}}

	s := testScheduler(t, notifs, prefs)
	summary, err := s.ProcessDue(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}

	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed)
	}
}
