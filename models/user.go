package models

import "time"

type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	StripeCustomerID *string   `json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CustomerID returns the bound Stripe customer id or "" before first checkout.
func (u *User) CustomerID() string {
	if u == nil || u.StripeCustomerID == nil {
		return ""
	}
	return *u.StripeCustomerID
}
