package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// BillingRepo applies the business effects of payment-provider events: order
// payment state and account subscription tier.
type BillingRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewBillingRepo creates a new billing repository.
func NewBillingRepo(db *DB, logger *zap.Logger) *BillingRepo {
	return &BillingRepo{
		db:     db,
		logger: logger,
	}
}

// MarkOrderPaid flips an order to paid. Applying to an already-paid order is
// a no-op, not an error, since the caller already deduplicates by event id.
func (r *BillingRepo) MarkOrderPaid(ctx context.Context, orderID string) error {
	query := `
		UPDATE orders
		SET status = 'paid', paid_at = now()
		WHERE external_id = $1 AND status <> 'paid'
	`

	result, err := r.db.Pool().Exec(ctx, query, orderID)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}

	if result.RowsAffected() > 0 {
		r.logger.Info("order marked paid", zap.String("order_id", orderID))
	}
	return nil
}

// SetAccountTier updates an account's subscription tier.
func (r *BillingRepo) SetAccountTier(ctx context.Context, accountID, tier string) error {
	query := `
		UPDATE accounts
		SET tier = $1, tier_updated_at = now()
		WHERE external_id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, tier, accountID)
	if err != nil {
		return fmt.Errorf("set account tier: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("account not found: %s", accountID)
	}

	r.logger.Info("account tier updated",
		zap.String("account_id", accountID),
		zap.String("tier", tier),
	)
	return nil
}
