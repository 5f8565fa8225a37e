// Package bulk drives batch communications: one subject/body fanned out to
// many recipients on a single channel, with per-recipient attempt state and
// durable retry. This is the one delivery path that retries; scheduled
// notifications fail terminally on their single attempt.
package bulk

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flourishlabs/beacon/internal/channel"
	"github.com/flourishlabs/beacon/internal/metrics"
	beaconredis "github.com/flourishlabs/beacon/internal/redis"
	"github.com/flourishlabs/beacon/internal/retry"
	"github.com/flourishlabs/beacon/internal/store"
)

type CommunicationStore interface {
	GetCommunication(ctx context.Context, id uuid.UUID) (*store.BulkCommunication, error)
	MarkSending(ctx context.Context, id uuid.UUID) error
	RetryableRecipients(ctx context.Context, commID uuid.UUID, maxAttempts int, now time.Time, limit int) ([]*store.CommunicationRecipient, error)
	MarkRecipientSent(ctx context.Context, id uuid.UUID, attempts int) error
	MarkRecipientSkipped(ctx context.Context, id uuid.UUID) error
	RecordRecipientFailure(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextRetryAt *time.Time) error
	NonTerminalCount(ctx context.Context, commID uuid.UUID, maxAttempts int) (int, error)
	Finalize(ctx context.Context, commID uuid.UUID) (string, error)
}

type PrefsStore interface {
	Get(ctx context.Context, recipientID uuid.UUID) (*store.RecipientPrefs, error)
}

type Limiter interface {
	Consume(ctx context.Context, key, fn string) (*beaconredis.RateLimitResult, error)
}

// Summary reports what one ProcessBatch pass did. Retrying counts failures
// that got a future retry slot; Failed counts terminal ones.
type Summary struct {
	Sent     int    `json:"sent"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped"`
	Retrying int    `json:"retrying"`
	Status   string `json:"status"`
}

type Config struct {
	PageSize int
	Policy   retry.Policy
}

type Processor struct {
	comms    CommunicationStore
	prefs    PrefsStore
	limiter  Limiter
	registry *channel.Registry
	config   Config
	logger   *zap.Logger

	// sleep is swapped out in tests. The default honors cancellation.
	sleep func(ctx context.Context, d time.Duration)
}

func New(
	comms CommunicationStore,
	prefs PrefsStore,
	limiter Limiter,
	registry *channel.Registry,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if cfg.PageSize == 0 {
		cfg.PageSize = 50
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.NewPolicy(nil, 0)
	}

	return &Processor{
		comms:    comms,
		prefs:    prefs,
		limiter:  limiter,
		registry: registry,
		config:   cfg,
		logger:   logger,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// ProcessBatch works through one page of the communication's actionable
// recipients: never-attempted rows plus failed rows whose backoff has elapsed.
// One invocation is bounded to a single page so it fits inside a request
// deadline; recipients beyond the page, and failed rows whose retry slot is
// still in the future, are left to a subsequent invocation. The communication
// is finalized only when no recipient has attempts remaining.
func (p *Processor) ProcessBatch(ctx context.Context, commID uuid.UUID) (*Summary, error) {
	comm, err := p.comms.GetCommunication(ctx, commID)
	if err != nil {
		return nil, err
	}

	if err := p.comms.MarkSending(ctx, commID); err != nil {
		return nil, err
	}

	ch := channel.Channel(comm.Channel)
	content := channel.Content{Title: comm.Subject, Body: comm.Body}
	summary := &Summary{}

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	page, err := p.comms.RetryableRecipients(ctx, commID, p.config.Policy.MaxAttempts, time.Now(), p.config.PageSize)
	if err != nil {
		return summary, err
	}

	for _, rec := range page {
		p.processRecipient(ctx, comm, ch, content, rec, summary)
	}

	remaining, err := p.comms.NonTerminalCount(ctx, commID, p.config.Policy.MaxAttempts)
	if err != nil {
		return summary, err
	}

	if remaining == 0 {
		status, err := p.comms.Finalize(ctx, commID)
		if err != nil {
			return summary, err
		}
		summary.Status = status
	} else {
		// Unprocessed pages or future retry slots remain; a later
		// invocation finishes the batch.
		summary.Status = store.CommStatusSending
		p.logger.Info("bulk communication left sending",
			zap.String("communication_id", commID.String()),
			zap.Int("remaining", remaining),
		)
	}

	return summary, nil
}

func (p *Processor) processRecipient(
	ctx context.Context,
	comm *store.BulkCommunication,
	ch channel.Channel,
	content channel.Content,
	rec *store.CommunicationRecipient,
	summary *Summary,
) {
	prefs, err := p.prefs.Get(ctx, rec.RecipientID)
	if err != nil {
		p.recordFailure(ctx, rec, "load preferences: "+err.Error(), summary)
		return
	}

	if prefs.OptedOut {
		if err := p.comms.MarkRecipientSkipped(ctx, rec.ID); err != nil {
			p.logger.Error("mark skipped failed", zap.Error(err), zap.String("recipient", rec.ID.String()))
			return
		}
		metrics.RecordBulkRecipient(store.StatusSkipped)
		summary.Skipped++
		return
	}

	p.waitForBudget(ctx, comm.Channel, "bulk")
	if ctx.Err() != nil {
		return
	}

	_, err = p.registry.Send(ctx, ch, rec.Address, content)
	if err != nil {
		if channel.IsPermanent(err) {
			// The provider answered and rejected the address; further
			// attempts cannot succeed, so the remaining budget is consumed.
			if recErr := p.comms.RecordRecipientFailure(ctx, rec.ID, p.config.Policy.MaxAttempts, err.Error(), nil); recErr != nil {
				p.logger.Error("record failure failed", zap.Error(recErr), zap.String("recipient", rec.ID.String()))
				return
			}
			metrics.RecordBulkRecipient(store.StatusFailed)
			summary.Failed++
			return
		}
		p.recordFailure(ctx, rec, err.Error(), summary)
		return
	}

	if err := p.comms.MarkRecipientSent(ctx, rec.ID, rec.Attempts+1); err != nil {
		p.logger.Error("mark sent failed", zap.Error(err), zap.String("recipient", rec.ID.String()))
		return
	}
	metrics.RecordBulkRecipient(store.StatusSent)
	summary.Sent++
}

// recordFailure applies the backoff policy to one transient failure.
func (p *Processor) recordFailure(ctx context.Context, rec *store.CommunicationRecipient, msg string, summary *Summary) {
	outcome := p.config.Policy.OnFailure(rec.Attempts, time.Now())

	if err := p.comms.RecordRecipientFailure(ctx, rec.ID, outcome.Attempts, msg, outcome.NextRetryAt); err != nil {
		p.logger.Error("record failure failed", zap.Error(err), zap.String("recipient", rec.ID.String()))
		return
	}

	if outcome.Terminal {
		metrics.RecordBulkRecipient(store.StatusFailed)
		summary.Failed++
		p.logger.Warn("recipient exhausted retry budget",
			zap.String("recipient", rec.ID.String()),
			zap.Int("attempts", outcome.Attempts),
			zap.String("error", msg),
		)
	} else {
		summary.Retrying++
	}
}

// waitForBudget blocks until the rate limiter grants a slot on the outbound
// channel's budget, sleeping out each exhausted window. The budget is shared
// by every recipient of the channel, so a batch of distinct addresses is
// still throttled as a whole. A limiter error is treated as allowed - the
// limiter protects providers, it must not wedge the batch.
func (p *Processor) waitForBudget(ctx context.Context, key, fn string) {
	for {
		result, err := p.limiter.Consume(ctx, key, fn)
		if err != nil {
			p.logger.Warn("rate limiter unavailable, proceeding", zap.Error(err))
			return
		}
		if result.Allowed {
			return
		}

		metrics.RecordRateLimitRejection(fn)
		p.logger.Info("rate limit window exhausted, waiting",
			zap.String("key", key),
			zap.Duration("reset_in", result.ResetIn),
		)
		p.sleep(ctx, result.ResetIn)

		if ctx.Err() != nil {
			return
		}
	}
}
