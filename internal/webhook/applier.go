package webhook

import "context"

// Billing is the slice of the billing store the applier needs.
type Billing interface {
	MarkOrderPaid(ctx context.Context, orderID string) error
	SetAccountTier(ctx context.Context, accountID, tier string) error
}

// BillingApplier maps provider events onto billing store effects.
type BillingApplier struct {
	billing Billing
}

func NewBillingApplier(billing Billing) *BillingApplier {
	return &BillingApplier{billing: billing}
}

func (a *BillingApplier) ApplyPayment(ctx context.Context, ev PaymentEvent) error {
	return a.billing.MarkOrderPaid(ctx, ev.OrderID)
}

func (a *BillingApplier) ApplySubscription(ctx context.Context, ev SubscriptionEvent) error {
	return a.billing.SetAccountTier(ctx, ev.AccountID, ev.Tier)
}
