package models

import (
	"fmt"
	"strings"
	"time"
)

const PaymentSucceeded = "succeeded"

// Payment is an append-only ledger row. AmountCents is in minor units;
// Amount renders it in major units without going through floats.
type Payment struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	StripePaymentIntentID string    `json:"stripe_payment_intent_id"`
	AmountCents           int64     `json:"amount_cents"`
	Currency              string    `json:"currency"`
	Status                string    `json:"status"`
	Description           string    `json:"description,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

func (p *Payment) Amount() string {
	cents := p.AmountCents
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// FormattedAmount renders the amount with a currency symbol for emails.
func (p *Payment) FormattedAmount() string {
	amount := p.Amount()
	switch strings.ToUpper(p.Currency) {
	case "USD":
		return "$" + amount
	case "EUR":
		return "€" + amount
	case "GBP":
		return "£" + amount
	default:
		return fmt.Sprintf("%s %s", amount, strings.ToUpper(p.Currency))
	}
}
