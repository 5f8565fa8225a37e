package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScheduledNotification is one unit of future delivery work.
type ScheduledNotification struct {
	ID           uuid.UUID       `json:"id"`
	RecipientID  uuid.UUID       `json:"recipient_id"`
	Kind         string          `json:"kind"`
	Channel      *string         `json:"channel,omitempty"` // nil means "use recipient preference"
	Payload      json.RawMessage `json:"payload"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	Status       string          `json:"status"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Notification status constants. Processing is the claim state: a scheduler
// invocation that wins the pending -> processing update owns the record.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// Notification kind constants
const (
	KindHabitReminder = "habit_reminder"
	KindMilestone     = "milestone"
	KindPaceWarning   = "pace_warning"
	KindWeeklyReview  = "weekly_review"
	KindDailyBriefing = "daily_briefing"
	KindCustom        = "custom"
)

// BulkCommunication is a batch job fanning one message out to many recipients.
// Aggregate counters are always recomputed from recipient rows, never
// incremented in place.
type BulkCommunication struct {
	ID           uuid.UUID `json:"id"`
	Subject      string    `json:"subject"`
	Channel      string    `json:"channel"`
	Body         string    `json:"body"`
	Status       string    `json:"status"`
	SentCount    int       `json:"sent_count"`
	FailedCount  int       `json:"failed_count"`
	SkippedCount int       `json:"skipped_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Communication status constants
const (
	CommStatusScheduled = "scheduled"
	CommStatusSending   = "sending"
	CommStatusPartial   = "partial"
	CommStatusSent      = "sent"
	CommStatusFailed    = "failed"
)

// CommunicationRecipient is one addressee of a bulk communication. All retry
// state lives here so the backoff policy itself can stay stateless.
type CommunicationRecipient struct {
	ID              uuid.UUID  `json:"id"`
	CommunicationID uuid.UUID  `json:"communication_id"`
	RecipientID     uuid.UUID  `json:"recipient_id"`
	Address         string     `json:"address"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	LastError       *string    `json:"last_error,omitempty"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// WebhookEvent is one row of the idempotency ledger: at most one row per
// externally delivered event id.
type WebhookEvent struct {
	EventID      string     `json:"event_id"`
	EventType    string     `json:"event_type"`
	Status       string     `json:"status"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Webhook ledger status constants
const (
	EventProcessing = "processing"
	EventCompleted  = "completed"
	EventFailed     = "failed"
)

// RecipientPrefs holds the per-user delivery preferences the engine reads:
// preferred channel, quiet window, contact addresses, opt-out.
type RecipientPrefs struct {
	RecipientID      uuid.UUID `json:"recipient_id"`
	PreferredChannel string    `json:"preferred_channel"`
	QuietStartHour   int       `json:"quiet_start_hour"`
	QuietEndHour     int       `json:"quiet_end_hour"`
	Timezone         string    `json:"timezone"`
	OptedOut         bool      `json:"opted_out"`
	Email            *string   `json:"email,omitempty"`
	Phone            *string   `json:"phone,omitempty"` // verified number, nil if none on file
	PushToken        *string   `json:"push_token,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}
