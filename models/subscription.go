package models

import "time"

// SubscriptionCanceled is the status written when Stripe reports the
// subscription deleted. Any other status is copied verbatim from Stripe.
const SubscriptionCanceled = "canceled"

type Subscription struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	StripePriceID        string    `json:"stripe_price_id"`
	Status               string    `json:"status"`
	CurrentPeriodStart   time.Time `json:"current_period_start"`
	CurrentPeriodEnd     time.Time `json:"current_period_end"`
	CancelAtPeriodEnd    bool      `json:"cancel_at_period_end"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}
