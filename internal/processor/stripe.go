package processor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"junior.app/backend/internal/apperr"
	"junior.app/backend/internal/config"
	"junior.app/backend/internal/logger"
)

// StripeProcessor implements Processor with a dedicated stripe-go client so
// the global stripe.Key is never touched.
type StripeProcessor struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
}

var _ Processor = (*StripeProcessor)(nil)

func NewStripe(cfg config.Stripe) *StripeProcessor {
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
		LeveledLogger:     logger.StripeLogger{},
	})

	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	return &StripeProcessor{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
	}
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error) {
	cp := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(params.Email),
	}
	for k, v := range params.Metadata {
		cp.AddMetadata(k, v)
	}
	if params.IdempotencyKey != "" {
		cp.SetIdempotencyKey(params.IdempotencyKey)
	}

	c, err := p.api.Customers.New(cp)
	if err != nil {
		return nil, upstream("processor.CreateCustomer", err)
	}
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

func (p *StripeProcessor) RetrieveCustomer(ctx context.Context, id string) (*Customer, error) {
	c, err := p.api.Customers.Get(id, &stripe.CustomerParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, upstream("processor.RetrieveCustomer", err)
	}
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

func (p *StripeProcessor) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*Intent, error) {
	pp := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(params.AmountCents),
		Currency: stripe.String(params.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if params.CustomerID != "" {
		pp.Customer = stripe.String(params.CustomerID)
	}
	for k, v := range params.Metadata {
		pp.AddMetadata(k, v)
	}

	pi, err := p.api.PaymentIntents.New(pp)
	if err != nil {
		return nil, upstream("processor.CreatePaymentIntent", err)
	}
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (p *StripeProcessor) CreateSetupIntent(ctx context.Context, params SetupIntentParams) (*Intent, error) {
	sp := &stripe.SetupIntentParams{
		Params:             stripe.Params{Context: ctx},
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Usage:              stripe.String(string(stripe.SetupIntentUsageOffSession)),
	}
	if params.CustomerID != "" {
		sp.Customer = stripe.String(params.CustomerID)
	}
	for k, v := range params.Metadata {
		sp.AddMetadata(k, v)
	}

	si, err := p.api.SetupIntents.New(sp)
	if err != nil {
		return nil, upstream("processor.CreateSetupIntent", err)
	}
	return &Intent{ID: si.ID, ClientSecret: si.ClientSecret}, nil
}

func (p *StripeProcessor) CreateSubscription(ctx context.Context, params SubscriptionParams) (*Subscription, error) {
	sp := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	sp.AddExpand("latest_invoice.confirmation_secret")
	for k, v := range params.Metadata {
		sp.AddMetadata(k, v)
	}

	sub, err := p.api.Subscriptions.New(sp)
	if err != nil {
		return nil, upstream("processor.CreateSubscription", err)
	}
	return toSubscription(sub), nil
}

func (p *StripeProcessor) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub, err := p.api.Subscriptions.Get(id, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, upstream("processor.RetrieveSubscription", err)
	}
	return toSubscription(sub), nil
}

func (p *StripeProcessor) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, apperr.AuthenticationErr("processor.VerifyWebhook", err)
	}

	out := &Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		out.Data = event.Data.Raw
	}
	return out, nil
}

// toSubscription flattens the SDK object. Billing periods live on the
// subscription items since the 2025-03-31 API version.
func toSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = unixOrZero(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unixOrZero(item.CurrentPeriodEnd)
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		out.ClientSecret = sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}
	return out
}

func unixOrZero(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func upstream(op string, err error) error {
	fields := map[string]interface{}{"op": op, "error": err.Error()}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		fields["stripe_code"] = string(stripeErr.Code)
		fields["http_status"] = stripeErr.HTTPStatusCode
		fields["request_id"] = stripeErr.RequestID
	}
	logger.Warn("Payment processor request failed", fields)
	return apperr.UpstreamErr(op, err)
}
