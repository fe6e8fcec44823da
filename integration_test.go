package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"junior.app/backend/handlers"
	"junior.app/backend/internal/checkout"
	"junior.app/backend/internal/download"
	"junior.app/backend/internal/locker"
	"junior.app/backend/internal/metrics"
	"junior.app/backend/internal/ratelimit"
	"junior.app/backend/internal/reconcile"
	"junior.app/backend/internal/testutil"
	"junior.app/backend/models"
	"junior.app/backend/storage"
)

// Integration tests that drive complete purchase workflows end-to-end

type stack struct {
	server *handlers.Server
	store  *storage.SQLStorage
	proc   *testutil.FakeProcessor
	mailer *testutil.FakeMailer
}

func newStack(t *testing.T, limiter ratelimit.RateLimit) *stack {
	t.Helper()

	st := &stack{
		store:  testutil.NewStore(t),
		proc:   testutil.NewFakeProcessor(),
		mailer: &testutil.FakeMailer{},
	}
	m := metrics.New()

	co := checkout.New(st.store, st.proc, locker.NewLocal(), checkout.Options{
		DefaultPriceID: "price_beta_20_monthly",
	})
	rec := reconcile.New(st.store, st.proc, st.mailer, reconcile.Options{
		PublicBaseURL: "https://api.junior.app",
		Metrics:       m,
	})
	dl := download.New(st.store, download.Options{
		URL:      "/static/LinkedIn_Automation_Tool_v2.1.1.exe",
		Filename: "LinkedIn_Automation_Tool_v2.1.1.exe",
	})

	st.server = handlers.NewHttpServer(st.store, co, rec, dl, handlers.Options{
		Version:        "integration",
		ProductVersion: "2.1.1",
		Limiter:        limiter,
		Metrics:        m,
	})
	return st
}

func (st *stack) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	st.server.ServeHTTP(w, req)
	return w
}

func (st *stack) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	st.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func (st *stack) webhook(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", testutil.Sign(payload))
	w := httptest.NewRecorder()
	st.server.ServeHTTP(w, req)
	return w
}

func (st *stack) validate(t *testing.T, key, appVersion string) handlers.ValidateResponse {
	t.Helper()
	w := st.post(t, "/api/v1/licenses/validate", handlers.LicenseRequest{LicenseKey: key, AppVersion: appVersion})
	if w.Code != http.StatusOK {
		t.Fatalf("License validation failed with status %d", w.Code)
	}
	var resp handlers.ValidateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode validation response: %v", err)
	}
	return resp
}

var (
	downloadLinkPattern = regexp.MustCompile(`https://api\.junior\.app/download/([A-Za-z0-9_-]+)`)
	licenseKeyPattern   = regexp.MustCompile(`License Key: (\S+)`)
)

func TestFullWorkflow_SubscriptionToDownloadAndCancellation(t *testing.T) {
	st := newStack(t, nil)

	// Step 1: checkout creates the customer and a setup intent
	w := st.post(t, "/create-payment-intent", map[string]interface{}{
		"items":          []map[string]string{{"id": "beta"}},
		"customer_email": "Customer@Example.com",
		"subscription":   true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Checkout failed with status %d: %s", w.Code, w.Body.String())
	}
	var setup handlers.SetupIntentResponse
	if err := json.NewDecoder(w.Body).Decode(&setup); err != nil {
		t.Fatalf("Failed to decode checkout response: %v", err)
	}
	if setup.CustomerID == nil {
		t.Fatal("Expected checkout to return a customer id")
	}
	customerID := *setup.CustomerID

	// Step 2: the subscription is created for that customer
	w = st.post(t, "/create-subscription", handlers.SubscriptionRequest{CustomerEmail: "customer@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("Subscription failed with status %d: %s", w.Code, w.Body.String())
	}
	var sub handlers.SubscriptionResponse
	if err := json.NewDecoder(w.Body).Decode(&sub); err != nil {
		t.Fatalf("Failed to decode subscription response: %v", err)
	}
	if st.proc.CustomerCreates != 1 {
		t.Errorf("Expected checkout and subscription to share one customer, got %d", st.proc.CustomerCreates)
	}

	// Step 3: Stripe reports the first invoice as paid
	invoice := testutil.InvoicePaid("evt_full_1", testutil.Invoice{
		ID:             "in_full_1",
		CustomerID:     customerID,
		SubscriptionID: sub.SubscriptionID,
		PaymentIntent:  "pi_full_1",
		AmountPaid:     2000,
		Currency:       "usd",
		Basil:          true,
	})
	if w := st.webhook(t, invoice); w.Code != http.StatusOK {
		t.Fatalf("Webhook failed with status %d: %s", w.Code, w.Body.String())
	}

	// Step 4: the customer receives one email with the link and the key
	if st.mailer.Count() != 1 {
		t.Fatalf("Expected 1 license email, got %d", st.mailer.Count())
	}
	mail := st.mailer.Sent[0]
	if mail.To != "customer@example.com" {
		t.Errorf("Expected email to customer@example.com, got %s", mail.To)
	}
	link := downloadLinkPattern.FindStringSubmatch(mail.Body)
	key := licenseKeyPattern.FindStringSubmatch(mail.Body)
	if link == nil || key == nil {
		t.Fatalf("License email is missing the download link or key:\n%s", mail.Body)
	}
	token, licenseKey := link[1], key[1]

	// Step 5: the link works three times
	for want := 2; want >= 0; want-- {
		w := st.get(t, "/download/"+token)
		if w.Code != http.StatusOK {
			t.Fatalf("Download failed with status %d", w.Code)
		}
		var info models.DownloadInfo
		if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
			t.Fatalf("Failed to decode download response: %v", err)
		}
		if info.DownloadsRemaining != want {
			t.Errorf("Expected %d downloads remaining, got %d", want, info.DownloadsRemaining)
		}
		if info.LicenseKey == nil || *info.LicenseKey != licenseKey {
			t.Errorf("Expected license key %s in download response", licenseKey)
		}
	}
	testutil.AssertErrorResponse(t, st.get(t, "/download/"+token), http.StatusNotFound, "Invalid or expired download token")

	// Step 6: the desktop app activates the key
	if resp := st.validate(t, licenseKey, "2.1.1"); !resp.Valid {
		t.Errorf("Expected license to be valid, got: %s", resp.Message)
	}

	// Step 7: a redelivered invoice changes nothing
	if w := st.webhook(t, invoice); w.Code != http.StatusOK {
		t.Fatalf("Redelivery failed with status %d", w.Code)
	}
	if st.mailer.Count() != 1 {
		t.Errorf("Expected redelivery not to send email, got %d emails", st.mailer.Count())
	}

	// Step 8: cancellation suspends the key
	deleted := testutil.SubscriptionDeleted("evt_full_2", sub.SubscriptionID, customerID)
	if w := st.webhook(t, deleted); w.Code != http.StatusOK {
		t.Fatalf("Cancellation webhook failed with status %d", w.Code)
	}
	resp := st.validate(t, licenseKey, "2.1.1")
	if resp.Valid {
		t.Error("Expected license to be invalid after cancellation")
	}
	if resp.Message != "License not active" {
		t.Errorf("Expected message 'License not active', got '%s'", resp.Message)
	}

	subscription, err := st.store.FindSubscriptionByStripeID(t.Context(), sub.SubscriptionID)
	if err != nil {
		t.Fatalf("FindSubscriptionByStripeID failed: %v", err)
	}
	if subscription.Status != models.SubscriptionCanceled {
		t.Errorf("Expected subscription status %s, got %s", models.SubscriptionCanceled, subscription.Status)
	}
}

func TestWorkflow_OneTimePaymentForMultipleCustomers(t *testing.T) {
	st := newStack(t, nil)

	customers := []string{"cus_one", "cus_two", "cus_three"}
	for i, id := range customers {
		st.proc.AddCustomer(id, id+"@example.com")
		payload := testutil.InvoicePaid("evt_multi_"+id, testutil.Invoice{
			ID:            "in_" + id,
			CustomerID:    id,
			PaymentIntent: "pi_" + id,
			AmountPaid:    2000,
			Currency:      "usd",
		})
		if w := st.webhook(t, payload); w.Code != http.StatusOK {
			t.Fatalf("Webhook %d failed with status %d", i+1, w.Code)
		}
	}

	if st.mailer.Count() != len(customers) {
		t.Fatalf("Expected %d emails, got %d", len(customers), st.mailer.Count())
	}

	seen := make(map[string]bool)
	for _, mail := range st.mailer.Sent {
		key := licenseKeyPattern.FindStringSubmatch(mail.Body)
		if key == nil {
			t.Fatalf("Email to %s has no license key", mail.To)
		}
		if seen[key[1]] {
			t.Errorf("License key %s issued twice", key[1])
		}
		seen[key[1]] = true

		if resp := st.validate(t, key[1], "2.0.0"); !resp.Valid {
			t.Errorf("Expected key for %s to be valid, got: %s", mail.To, resp.Message)
		}
	}
}

func TestWorkflow_RateLimitedClient(t *testing.T) {
	st := newStack(t, ratelimit.New(0.001, 2))

	for i := 0; i < 2; i++ {
		if w := st.get(t, "/download/unknown"); w.Code != http.StatusNotFound {
			t.Fatalf("Request %d: expected status %d, got %d", i+1, http.StatusNotFound, w.Code)
		}
	}
	testutil.AssertErrorResponse(t, st.get(t, "/download/unknown"), http.StatusTooManyRequests, "too many requests")

	if w := st.get(t, "/health"); w.Code != http.StatusOK {
		t.Errorf("Expected health to stay available, got %d", w.Code)
	}
}
