// Package processor is the narrow capability surface the backend needs from
// the external payment processor.
package processor

import (
	"context"
	"encoding/json"
	"time"
)

type Customer struct {
	ID    string
	Email string
}

// Intent is a payment intent or setup intent the client confirms with ClientSecret.
type Intent struct {
	ID           string
	ClientSecret string
}

type Subscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	// ClientSecret confirms the first invoice; empty when nothing is due.
	ClientSecret string
}

type CustomerParams struct {
	Email          string
	Metadata       map[string]string
	IdempotencyKey string
}

type PaymentIntentParams struct {
	CustomerID  string
	AmountCents int64
	Currency    string
	Metadata    map[string]string
}

type SetupIntentParams struct {
	CustomerID string
	Metadata   map[string]string
}

type SubscriptionParams struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
}

// Event is a verified webhook envelope. Data is the raw data.object payload.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Data    json.RawMessage
}

type Processor interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)
	RetrieveCustomer(ctx context.Context, id string) (*Customer, error)
	CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*Intent, error)
	CreateSetupIntent(ctx context.Context, params SetupIntentParams) (*Intent, error)
	CreateSubscription(ctx context.Context, params SubscriptionParams) (*Subscription, error)
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)

	// VerifyWebhook checks the signature header against the raw payload and
	// returns the decoded envelope. Failures are apperr.Authentication.
	VerifyWebhook(payload []byte, signatureHeader string) (*Event, error)
}
