package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flourishlabs/beacon/internal/bulk"
	"github.com/flourishlabs/beacon/internal/channel"
	"github.com/flourishlabs/beacon/internal/metrics"
	"github.com/flourishlabs/beacon/internal/redis"
	"github.com/flourishlabs/beacon/internal/scheduler"
	"github.com/flourishlabs/beacon/internal/store"
	"github.com/flourishlabs/beacon/internal/webhook"
)

// NotificationRepository defines the notification database operations the API needs
type NotificationRepository interface {
	Create(ctx context.Context, n *store.ScheduledNotification) error
	Get(ctx context.Context, id uuid.UUID) (*store.ScheduledNotification, error)
	ListByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*store.ScheduledNotification, error)
}

// CommunicationRepository defines the bulk-communication database operations
type CommunicationRepository interface {
	CreateCommunication(ctx context.Context, comm *store.BulkCommunication, recipients []*store.CommunicationRecipient) error
	GetCommunication(ctx context.Context, id uuid.UUID) (*store.BulkCommunication, error)
}

// DueProcessor runs one due-queue pass on demand
type DueProcessor interface {
	ProcessDue(ctx context.Context, now time.Time) (*scheduler.Summary, error)
}

// BatchProcessor drives a bulk communication to completion
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, commID uuid.UUID) (*bulk.Summary, error)
}

// StreakDetector turns streak advances into celebrations
type StreakDetector interface {
	OnStreakAdvance(ctx context.Context, habitID, recipientID uuid.UUID, value, epoch int) ([]int, error)
}

// WebhookIngestor processes payment-provider deliveries
type WebhookIngestor interface {
	Ingest(ctx context.Context, raw []byte, signature string) (*webhook.Receipt, error)
}

// NotificationRequest represents the incoming request body
type NotificationRequest struct {
	RecipientID  string          `json:"recipient_id"`
	Kind         string          `json:"kind"`
	Channel      *string         `json:"channel,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	ScheduledFor time.Time       `json:"scheduled_for"`
}

// NotificationResponse is returned after creating a notification
type NotificationResponse struct {
	ID string `json:"id"`
}

// CommunicationRequest represents a bulk communication submission
type CommunicationRequest struct {
	Subject    string `json:"subject"`
	Channel    string `json:"channel"`
	Body       string `json:"body"`
	Recipients []struct {
		RecipientID string `json:"recipient_id"`
		Address     string `json:"address"`
	} `json:"recipients"`
}

// StreakAdvanceRequest represents a habit streak advance event
type StreakAdvanceRequest struct {
	HabitID     string `json:"habit_id"`
	RecipientID string `json:"recipient_id"`
	Value       int    `json:"value"`
	Epoch       int    `json:"epoch"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// maxWebhookBody bounds webhook request bodies; provider events are small.
const maxWebhookBody = 1 << 20

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	notifications NotificationRepository
	comms         CommunicationRepository
	due           DueProcessor
	batches       BatchProcessor
	streaks       StreakDetector
	webhooks      WebhookIngestor
	idempotency   *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(
	logger *zap.Logger,
	notifications NotificationRepository,
	comms CommunicationRepository,
	due DueProcessor,
	batches BatchProcessor,
	streaks StreakDetector,
	webhooks WebhookIngestor,
	idempotency *redis.IdempotencyService,
) *Handler {
	return &Handler{
		logger:        logger,
		notifications: notifications,
		comms:         comms,
		due:           due,
		batches:       batches,
		streaks:       streaks,
		webhooks:      webhooks,
		idempotency:   idempotency,
	}
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.RecipientID == "" || req.Kind == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "recipient_id and kind are required")
		return
	}

	if !validKind(req.Kind) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid kind",
			"kind must be one of: habit_reminder, milestone, pace_warning, weekly_review, daily_briefing, custom")
		return
	}

	if req.Channel != nil && !channel.Channel(*req.Channel).Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email, sms, voice, or push")
		return
	}

	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}

	if req.ScheduledFor.IsZero() {
		req.ScheduledFor = time.Now()
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, req.RecipientID, idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			resp := NotificationResponse{ID: cachedResult.NotificationID}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	notif := &store.ScheduledNotification{
		ID:           uuid.New(),
		RecipientID:  recipientID,
		Kind:         req.Kind,
		Channel:      req.Channel,
		Payload:      req.Payload,
		ScheduledFor: req.ScheduledFor,
		Status:       store.StatusPending,
	}

	if err := h.notifications.Create(ctx, notif); err != nil {
		h.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("recipient_id", req.RecipientID),
			zap.String("kind", req.Kind),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create notification", "")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			NotificationID: notif.ID.String(),
			StatusCode:     http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.RecipientID, idempotencyKey, result, redis.IdempotencyTTLExact); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(NotificationResponse{ID: notif.ID.String()})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.notifications.Get(ctx, notifID)
	if err != nil {
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notif)
}

// ListNotifications handles GET /v1/notifications?recipient_id=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recipientIDStr := r.URL.Query().Get("recipient_id")
	if recipientIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient_id", "recipient_id query parameter is required")
		return
	}

	recipientID, err := uuid.Parse(recipientIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.notifications.ListByRecipient(ctx, recipientID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("recipient_id", recipientIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// RunScheduler handles POST /v1/scheduler/run
// Triggers one due-queue pass immediately and returns its summary. The
// background ticker keeps running; the claim step makes overlap harmless.
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.due.ProcessDue(r.Context(), time.Now())
	if err != nil {
		h.logger.Error("manual scheduler run failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "scheduler_error", "Scheduler pass failed", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

// CreateCommunication handles POST /v1/communications
func (h *Handler) CreateCommunication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CommunicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Subject == "" || req.Body == "" || req.Channel == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "subject, body, and channel are required")
		return
	}

	if !channel.Channel(req.Channel).Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email, sms, voice, or push")
		return
	}

	if len(req.Recipients) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "No recipients", "at least one recipient is required")
		return
	}

	comm := &store.BulkCommunication{
		ID:      uuid.New(),
		Subject: req.Subject,
		Channel: req.Channel,
		Body:    req.Body,
		Status:  store.CommStatusScheduled,
	}

	recipients := make([]*store.CommunicationRecipient, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		recipientID, err := uuid.Parse(rec.RecipientID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", rec.RecipientID+" is not a valid UUID")
			return
		}
		if rec.Address == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing address", "every recipient needs an address")
			return
		}
		recipients = append(recipients, &store.CommunicationRecipient{
			ID:              uuid.New(),
			CommunicationID: comm.ID,
			RecipientID:     recipientID,
			Address:         rec.Address,
		})
	}

	if err := h.comms.CreateCommunication(ctx, comm, recipients); err != nil {
		h.logger.Error("failed to create communication", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create communication", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": comm.ID.String()})
}

// GetCommunication handles GET /v1/communications/{id}
func (h *Handler) GetCommunication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	commID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid communication ID", "ID must be a valid UUID")
		return
	}

	comm, err := h.comms.GetCommunication(ctx, commID)
	if err != nil {
		h.logger.Error("failed to get communication",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Communication not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(comm)
}

// ProcessCommunication handles POST /v1/communications/{id}/process
func (h *Handler) ProcessCommunication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	commID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid communication ID", "ID must be a valid UUID")
		return
	}

	summary, err := h.batches.ProcessBatch(ctx, commID)
	if err != nil {
		h.logger.Error("failed to process communication",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "processing_error", "Failed to process communication", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

// AdvanceStreak handles POST /v1/streaks/advance
func (h *Handler) AdvanceStreak(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StreakAdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	habitID, err := uuid.Parse(req.HabitID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid habit_id", "habit_id must be a valid UUID")
		return
	}

	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}

	if req.Value < 0 || req.Epoch < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid streak values", "value and epoch must be non-negative")
		return
	}

	celebrated, err := h.streaks.OnStreakAdvance(ctx, habitID, recipientID, req.Value, req.Epoch)
	if err != nil {
		h.logger.Error("streak advance failed",
			zap.Error(err),
			zap.String("habit_id", req.HabitID),
		)
		h.writeError(w, http.StatusInternalServerError, "streak_error", "Failed to process streak advance", "")
		return
	}

	if celebrated == nil {
		celebrated = []int{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"celebrated": celebrated,
	})
}

// PaymentWebhook handles POST /v1/webhooks/payments
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", "")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if signature == "" {
		h.writeError(w, http.StatusUnauthorized, "missing_signature", "Missing webhook signature", "X-Webhook-Signature header is required")
		return
	}

	receipt, err := h.webhooks.Ingest(ctx, raw, signature)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrBadSignature):
			h.writeError(w, http.StatusUnauthorized, "bad_signature", "Webhook signature verification failed", "")
		case errors.Is(err, webhook.ErrMalformed):
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed webhook payload", "")
		default:
			h.logger.Error("webhook ingest failed", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "ingest_error", "Failed to ingest webhook", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(receipt)
}

func validKind(kind string) bool {
	switch kind {
	case store.KindHabitReminder, store.KindMilestone, store.KindPaceWarning,
		store.KindWeeklyReview, store.KindDailyBriefing, store.KindCustom:
		return true
	default:
		return false
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
