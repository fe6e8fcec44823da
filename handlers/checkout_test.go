package handlers

import (
	"errors"
	"net/http"
	"testing"

	"junior.app/backend/internal/testutil"
)

func TestCreatePaymentIntent_OneTime(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/create-payment-intent", map[string]interface{}{
		"items":          []map[string]string{{"id": "beta"}},
		"customer_email": "Buyer@Example.com",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	decodeBody(t, w, &resp)
	if secret, _ := resp["clientSecret"].(string); secret == "" {
		t.Errorf("Expected clientSecret in response, got %v", resp)
	}
	if _, ok := resp["customerId"]; ok {
		t.Errorf("Expected no customerId for one-time payments, got %v", resp)
	}
	if len(env.proc.PaymentIntents) != 1 {
		t.Errorf("Expected 1 payment intent, got %d", len(env.proc.PaymentIntents))
	}
}

func TestCreatePaymentIntent_SubscriptionSetup(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/create-payment-intent", map[string]interface{}{
		"items":          []map[string]string{{"id": "beta"}},
		"customer_email": "buyer@example.com",
		"subscription":   true,
		"price_id":       "price_annual",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if len(env.proc.SetupIntents) != 1 {
		t.Fatalf("Expected 1 setup intent, got %d", len(env.proc.SetupIntents))
	}
	if got := env.proc.SetupIntents[0].Metadata["price_id"]; got != "price_annual" {
		t.Errorf("Expected setup intent metadata price_id 'price_annual', got '%s'", got)
	}

	var resp SetupIntentResponse
	decodeBody(t, w, &resp)
	if resp.ClientSecret == "" {
		t.Error("Expected clientSecret to be set")
	}
	if resp.CustomerID == nil || *resp.CustomerID == "" {
		t.Fatal("Expected customerId to be set")
	}

	user, err := env.store.FindUserByEmail(t.Context(), "buyer@example.com")
	if err != nil {
		t.Fatalf("Expected user to be created: %v", err)
	}
	if user.CustomerID() != *resp.CustomerID {
		t.Errorf("Expected user bound to %s, got %s", *resp.CustomerID, user.CustomerID())
	}
}

func TestCreatePaymentIntent_AnonymousSetup(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/create-payment-intent", `{"items":[],"subscription":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	decodeBody(t, w, &resp)
	if v, ok := resp["customerId"]; !ok || v != nil {
		t.Errorf("Expected customerId to be null, got %v", resp)
	}
	if env.proc.CustomerCreates != 0 {
		t.Errorf("Expected no customer to be created, got %d", env.proc.CustomerCreates)
	}
}

func TestCreatePaymentIntent_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"items":`},
		{"missing items", `{"customer_email":"a@example.com"}`},
		{"malformed email", `{"items":[],"customer_email":"not-an-email"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, http.MethodPost, "/create-payment-intent", tt.body)
			testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "")
			if len(env.proc.PaymentIntents) != 0 {
				t.Errorf("Expected no processor calls, got %d", len(env.proc.PaymentIntents))
			}
		})
	}
}

func TestCreatePaymentIntent_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.proc.PaymentIntentErr = errors.New("card_declined")

	w := env.do(t, http.MethodPost, "/create-payment-intent", `{"items":[]}`)
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "payment processor request failed: card_declined")
}

func TestCreateSubscription(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/create-subscription", SubscriptionRequest{
		CustomerEmail: "sub@example.com",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp SubscriptionResponse
	decodeBody(t, w, &resp)
	if resp.SubscriptionID == "" {
		t.Error("Expected subscriptionId to be set")
	}
	if resp.ClientSecret == "" {
		t.Error("Expected clientSecret to be set")
	}
}

func TestCreateSubscription_MissingEmail(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/create-subscription", `{"price_id":"price_x"}`)
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "")
	if len(env.proc.SubscriptionCreates) != 0 {
		t.Errorf("Expected no subscription to be created, got %d", len(env.proc.SubscriptionCreates))
	}
}

func TestCreateSubscription_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.proc.SubscriptionErr = errors.New("no such price")

	w := env.do(t, http.MethodPost, "/create-subscription", `{"customer_email":"sub@example.com"}`)
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "payment processor request failed: no such price")
}
