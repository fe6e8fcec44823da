package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"

	"junior.app/backend/internal/apperr"
	"junior.app/backend/internal/checkout"
	"junior.app/backend/internal/logger"
)

type PaymentIntentRequest struct {
	Items         []json.RawMessage `json:"items" validate:"required"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  bool              `json:"subscription"`
	PriceID       string            `json:"price_id"`
}

type PaymentIntentResponse struct {
	ClientSecret string `json:"clientSecret"`
}

type SetupIntentResponse struct {
	ClientSecret string  `json:"clientSecret"`
	CustomerID   *string `json:"customerId"`
}

type SubscriptionRequest struct {
	CustomerEmail string `json:"customer_email" validate:"required"`
	PriceID       string `json:"price_id"`
}

type SubscriptionResponse struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientSecret   string `json:"clientSecret"`
}

func (s *Server) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req PaymentIntentRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	kind := "payment_intent"
	if req.Subscription {
		kind = "setup_intent"
	}

	res, err := s.checkout.CreateCheckout(r.Context(), checkout.CheckoutRequest{
		Email:          req.CustomerEmail,
		IsSubscription: req.Subscription,
		PriceID:        req.PriceID,
	})
	if err != nil {
		s.metrics.Checkouts.WithLabelValues(kind, "failed").Inc()
		logger.Error("Error creating payment intent", map[string]interface{}{
			"error": err.Error(),
			"kind":  kind,
		})
		s.respondError(w, r, err)
		return
	}
	s.metrics.Checkouts.WithLabelValues(kind, "created").Inc()

	if req.Subscription {
		resp := SetupIntentResponse{ClientSecret: res.ClientSecret}
		if res.CustomerID != "" {
			resp.CustomerID = &res.CustomerID
		}
		render.JSON(w, r, resp)
		return
	}
	render.JSON(w, r, PaymentIntentResponse{ClientSecret: res.ClientSecret})
}

func (s *Server) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	res, err := s.checkout.CreateSubscription(r.Context(), req.CustomerEmail, req.PriceID)
	if err != nil {
		s.metrics.Checkouts.WithLabelValues("subscription", "failed").Inc()
		logger.Error("Error creating subscription", map[string]interface{}{
			"error": err.Error(),
		})
		s.respondError(w, r, err)
		return
	}
	s.metrics.Checkouts.WithLabelValues("subscription", "created").Inc()

	render.JSON(w, r, SubscriptionResponse{
		SubscriptionID: res.SubscriptionID,
		ClientSecret:   res.ClientSecret,
	})
}

// decode reads a JSON body into v and runs its validate tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	const op = "handlers.decode"

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return apperr.Validationf(op, "invalid JSON body: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return apperr.Validationf(op, "invalid request: %v", err)
	}
	return nil
}

const maxRequestBytes = 1 << 20
