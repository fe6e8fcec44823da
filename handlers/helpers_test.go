package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"junior.app/backend/internal/checkout"
	"junior.app/backend/internal/download"
	"junior.app/backend/internal/locker"
	"junior.app/backend/internal/metrics"
	"junior.app/backend/internal/processor"
	"junior.app/backend/internal/ratelimit"
	"junior.app/backend/internal/reconcile"
	"junior.app/backend/internal/testutil"
	"junior.app/backend/storage"
)

type testEnv struct {
	server  *Server
	store   *storage.SQLStorage
	proc    *testutil.FakeProcessor
	mailer  *testutil.FakeMailer
	metrics *metrics.Metrics
}

type envOption func(*Options)

func withLimiter(l ratelimit.RateLimit) envOption {
	return func(o *Options) { o.Limiter = l }
}

func newTestEnv(t testing.TB, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		store:   testutil.NewStore(t),
		proc:    testutil.NewFakeProcessor(),
		mailer:  &testutil.FakeMailer{},
		metrics: metrics.New(),
	}
	env.proc.AddCustomer("cus_webhook", "webhook@example.com")
	env.proc.AddSubscription(processor.Subscription{
		ID:                 "sub_webhook",
		CustomerID:         "cus_webhook",
		PriceID:            "price_beta_20_monthly",
		Status:             "active",
		CurrentPeriodStart: time.Now().UTC().Truncate(time.Second),
		CurrentPeriodEnd:   time.Now().UTC().AddDate(0, 1, 0).Truncate(time.Second),
	})

	co := checkout.New(env.store, env.proc, locker.NewLocal(), checkout.Options{
		DefaultPriceID: "price_beta_20_monthly",
	})
	rec := reconcile.New(env.store, env.proc, env.mailer, reconcile.Options{
		PublicBaseURL: "http://localhost:8080",
		Metrics:       env.metrics,
	})
	dl := download.New(env.store, download.Options{
		URL:      "/static/LinkedIn_Automation_Tool_v2.1.1.exe",
		Filename: "LinkedIn_Automation_Tool_v2.1.1.exe",
	})

	o := Options{
		Version:        "test",
		ProductVersion: "2.1.1",
		Metrics:        env.metrics,
	}
	for _, opt := range opts {
		opt(&o)
	}

	env.server = NewHttpServer(env.store, co, rec, dl, o)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func (e *testEnv) webhook(t *testing.T, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}
