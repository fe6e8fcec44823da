package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82/webhook"

	"junior.app/backend/internal/apperr"
	"junior.app/backend/internal/processor"
	"junior.app/backend/models"
	"junior.app/backend/storage"
)

const WebhookSecret = "whsec_test_secret"

// NewStore opens a migrated SQLite store in a per-test directory.
func NewStore(t testing.TB) *storage.SQLStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(context.Background(), filepath.Join(t.TempDir(), "junior.db"))
	if err != nil {
		t.Fatalf("Failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// CreateTestUser inserts a user, bound to customerID when it is non-empty.
func CreateTestUser(t testing.TB, s storage.Storage, email, customerID string) *models.User {
	t.Helper()
	now := time.Now().UTC()
	user := &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if customerID != "" {
		user.StripeCustomerID = &customerID
	}
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateUser(context.Background(), user)
	})
	if err != nil {
		t.Fatalf("Failed to create user %s: %v", email, err)
	}
	return user
}

func CreateTestToken(t testing.TB, s storage.Storage, userID, token string, remaining int, expiresAt time.Time) *models.DownloadToken {
	t.Helper()
	dt := &models.DownloadToken{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Token:              token,
		DownloadsRemaining: remaining,
		ExpiresAt:          expiresAt,
		CreatedAt:          time.Now().UTC(),
	}
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertDownloadToken(context.Background(), dt)
	})
	if err != nil {
		t.Fatalf("Failed to create download token: %v", err)
	}
	return dt
}

func CreateTestLicense(t testing.TB, s storage.Storage, userID, key, status string) *models.LicenseKey {
	t.Helper()
	l := &models.LicenseKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Key:       key,
		PlanType:  models.PlanBeta,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertLicenseKey(context.Background(), l)
	})
	if err != nil {
		t.Fatalf("Failed to create license: %v", err)
	}
	return l
}

func CreateTestSubscription(t testing.TB, s storage.Storage, userID, stripeSubscriptionID, status string) *models.Subscription {
	t.Helper()
	now := time.Now().UTC()
	sub := &models.Subscription{
		ID:                   uuid.NewString(),
		UserID:               userID,
		StripeSubscriptionID: stripeSubscriptionID,
		StripePriceID:        "price_beta_20_monthly",
		Status:               status,
		CurrentPeriodStart:   now,
		CurrentPeriodEnd:     now.AddDate(0, 1, 0),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.UpsertSubscription(context.Background(), sub)
	})
	if err != nil {
		t.Fatalf("Failed to create subscription: %v", err)
	}
	return sub
}

// FakeProcessor is an in-memory processor.Processor. Customers and
// subscriptions it creates or is seeded with can be retrieved later. Webhook
// verification uses the real Stripe signature scheme with WebhookSecret.
type FakeProcessor struct {
	mu sync.Mutex

	Customers     map[string]*processor.Customer
	Subscriptions map[string]*processor.Subscription

	// idempotency key -> customer id
	idempotent map[string]string

	CustomerCreates         int
	PaymentIntents          []processor.PaymentIntentParams
	SetupIntents            []processor.SetupIntentParams
	SubscriptionCreates     []processor.SubscriptionParams
	CustomerRetrievals      int
	SubscriptionFetches     int
	CreateCustomerErr       error
	PaymentIntentErr        error
	SetupIntentErr          error
	SubscriptionErr         error
	RetrieveCustomerErr     error
	RetrieveSubscriptionErr error

	seq int
}

var _ processor.Processor = (*FakeProcessor)(nil)

func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{
		Customers:     make(map[string]*processor.Customer),
		Subscriptions: make(map[string]*processor.Subscription),
		idempotent:    make(map[string]string),
	}
}

func (f *FakeProcessor) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_test%d", prefix, f.seq)
}

func (f *FakeProcessor) upstream(op string, err error) error {
	return apperr.UpstreamErr(op, err)
}

func (f *FakeProcessor) AddCustomer(id, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Customers[id] = &processor.Customer{ID: id, Email: email}
}

func (f *FakeProcessor) AddSubscription(sub processor.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subscriptions[sub.ID] = &sub
}

func (f *FakeProcessor) CreateCustomer(ctx context.Context, params processor.CustomerParams) (*processor.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateCustomerErr != nil {
		return nil, f.upstream("processor.CreateCustomer", f.CreateCustomerErr)
	}
	if id, ok := f.idempotent[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		c := *f.Customers[id]
		return &c, nil
	}
	f.CustomerCreates++
	c := &processor.Customer{ID: f.nextID("cus"), Email: params.Email}
	f.Customers[c.ID] = c
	if params.IdempotencyKey != "" {
		f.idempotent[params.IdempotencyKey] = c.ID
	}
	out := *c
	return &out, nil
}

func (f *FakeProcessor) RetrieveCustomer(ctx context.Context, id string) (*processor.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CustomerRetrievals++
	if f.RetrieveCustomerErr != nil {
		return nil, f.upstream("processor.RetrieveCustomer", f.RetrieveCustomerErr)
	}
	c, ok := f.Customers[id]
	if !ok {
		return nil, f.upstream("processor.RetrieveCustomer", fmt.Errorf("no such customer: %s", id))
	}
	out := *c
	return &out, nil
}

func (f *FakeProcessor) CreatePaymentIntent(ctx context.Context, params processor.PaymentIntentParams) (*processor.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PaymentIntentErr != nil {
		return nil, f.upstream("processor.CreatePaymentIntent", f.PaymentIntentErr)
	}
	f.PaymentIntents = append(f.PaymentIntents, params)
	id := f.nextID("pi")
	return &processor.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (f *FakeProcessor) CreateSetupIntent(ctx context.Context, params processor.SetupIntentParams) (*processor.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetupIntentErr != nil {
		return nil, f.upstream("processor.CreateSetupIntent", f.SetupIntentErr)
	}
	f.SetupIntents = append(f.SetupIntents, params)
	id := f.nextID("seti")
	return &processor.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (f *FakeProcessor) CreateSubscription(ctx context.Context, params processor.SubscriptionParams) (*processor.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscriptionErr != nil {
		return nil, f.upstream("processor.CreateSubscription", f.SubscriptionErr)
	}
	f.SubscriptionCreates = append(f.SubscriptionCreates, params)
	now := time.Now().UTC().Truncate(time.Second)
	sub := &processor.Subscription{
		ID:                 f.nextID("sub"),
		CustomerID:         params.CustomerID,
		PriceID:            params.PriceID,
		Status:             "incomplete",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
	sub.ClientSecret = sub.ID + "_pi_secret"
	f.Subscriptions[sub.ID] = sub
	out := *sub
	return &out, nil
}

func (f *FakeProcessor) RetrieveSubscription(ctx context.Context, id string) (*processor.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubscriptionFetches++
	if f.RetrieveSubscriptionErr != nil {
		return nil, f.upstream("processor.RetrieveSubscription", f.RetrieveSubscriptionErr)
	}
	sub, ok := f.Subscriptions[id]
	if !ok {
		return nil, f.upstream("processor.RetrieveSubscription", fmt.Errorf("no such subscription: %s", id))
	}
	out := *sub
	return &out, nil
}

func (f *FakeProcessor) VerifyWebhook(payload []byte, signatureHeader string) (*processor.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, apperr.AuthenticationErr("processor.VerifyWebhook", err)
	}
	out := &processor.Event{ID: event.ID, Type: string(event.Type), Created: time.Unix(event.Created, 0).UTC()}
	if event.Data != nil {
		out.Data = event.Data.Raw
	}
	return out, nil
}

// FakeMailer records sent messages.
type FakeMailer struct {
	mu   sync.Mutex
	Sent []Mail
	Err  error
}

type Mail struct {
	To, Subject, Body string
}

func (m *FakeMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, Mail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *FakeMailer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// Event builds a Stripe event envelope around object.
func Event(id, eventType string, object interface{}) []byte {
	event := map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2025-03-31.basil",
		"data": map[string]interface{}{
			"object": object,
		},
	}
	payload, _ := json.Marshal(event)
	return payload
}

// Sign returns the Stripe-Signature header for payload.
func Sign(payload []byte) string {
	return SignAt(payload, time.Now())
}

func SignAt(payload []byte, ts time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    WebhookSecret,
		Timestamp: ts,
	})
	return signed.Header
}

// Invoice describes an invoice.payment_succeeded body.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	PaymentIntent  string
	AmountPaid     int64
	Currency       string
	// Basil switches to the 2025-03-31 payload shape (parent + payments).
	Basil bool
}

func (inv Invoice) Object() map[string]interface{} {
	obj := map[string]interface{}{
		"id":          inv.ID,
		"object":      "invoice",
		"customer":    inv.CustomerID,
		"amount_paid": inv.AmountPaid,
		"currency":    inv.Currency,
		"status":      "paid",
	}
	if !inv.Basil {
		if inv.SubscriptionID != "" {
			obj["subscription"] = inv.SubscriptionID
		}
		if inv.PaymentIntent != "" {
			obj["payment_intent"] = inv.PaymentIntent
		}
		return obj
	}

	if inv.SubscriptionID != "" {
		obj["parent"] = map[string]interface{}{
			"type": "subscription_details",
			"subscription_details": map[string]interface{}{
				"subscription": inv.SubscriptionID,
			},
		}
	}
	if inv.PaymentIntent != "" {
		obj["payments"] = map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":     "inpay_" + inv.ID,
					"object": "invoice_payment",
					"payment": map[string]interface{}{
						"type":           "payment_intent",
						"payment_intent": inv.PaymentIntent,
					},
				},
			},
		}
	}
	return obj
}

func InvoicePaid(eventID string, inv Invoice) []byte {
	return Event(eventID, "invoice.payment_succeeded", inv.Object())
}

func SubscriptionDeleted(eventID, subscriptionID, customerID string) []byte {
	return Event(eventID, "customer.subscription.deleted", map[string]interface{}{
		"id":       subscriptionID,
		"object":   "subscription",
		"customer": customerID,
		"status":   "canceled",
	})
}

// AssertErrorResponse checks the status code and the {"detail": ...} body.
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedDetail string) {
	t.Helper()
	if w.Code != expectedStatus {
		t.Errorf("Expected status %d, got %d", expectedStatus, w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}

	if expectedDetail != "" && response["detail"] != expectedDetail {
		t.Errorf("Expected detail '%s', got '%s'", expectedDetail, response["detail"])
	}
}
