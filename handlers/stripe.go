package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/render"

	"junior.app/backend/internal/apperr"
	"junior.app/backend/internal/logger"
)

// MaxWebhookBytes caps webhook bodies; Stripe events are far smaller.
const MaxWebhookBytes = int64(65536)

// Stripe receives processor webhooks. 200 acknowledges the event (including
// duplicates and ignored types), 400 rejects it, 500 asks Stripe to retry.
func (s *Server) Stripe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxWebhookBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusServiceUnavailable
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		s.metrics.WebhookEvents.WithLabelValues("unknown", "unreadable").Inc()
		writeErrorResponse(w, r, status, "could not read request body")
		return
	}

	result, err := s.reconciler.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if apperr.KindOf(err) == apperr.Authentication {
			logger.Warn("Webhook rejected", map[string]interface{}{
				"error":        err.Error(),
				"payload_size": len(payload),
			})
			s.metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
			writeErrorResponse(w, r, http.StatusBadRequest, apperr.Message(err))
			return
		}

		logger.Error("Webhook processing failed", map[string]interface{}{
			"error": err.Error(),
		})
		reportError(r, err)
		s.metrics.WebhookEvents.WithLabelValues("unknown", "failed").Inc()
		writeErrorResponse(w, r, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	s.metrics.WebhookEvents.WithLabelValues(result.EventType, result.Outcome.String()).Inc()
	render.JSON(w, r, map[string]string{"status": "success"})
}
