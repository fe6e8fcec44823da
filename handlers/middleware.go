package handlers

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"junior.app/backend/internal/apperr"
	"junior.app/backend/internal/logger"
)

type ErrorResponse struct {
	Detail string `json:"detail"`
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Detail: message})
}

// respondError maps err onto the direct-request error contract: not found is
// 404, everything else is 400 carrying the caller-facing message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadRequest
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Internal:
		reportError(r, err)
	}

	logger.Warn("Request failed", map[string]interface{}{
		"error":      err.Error(),
		"kind":       apperr.KindOf(err).String(),
		"status":     status,
		"request_id": middleware.GetReqID(r.Context()),
	})
	writeErrorResponse(w, r, status, apperr.Message(err))
}

func reportError(r *http.Request, err error) {
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(clientIP(r)) {
			s.metrics.RateLimitDenied.Inc()
			logger.Warn("Rate limit exceeded", map[string]interface{}{
				"remote_addr": clientIP(r),
				"path":        r.URL.Path,
			})
			writeErrorResponse(w, r, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// requestLogger logs one line per request and feeds the HTTP metrics. Only the
// route pattern is recorded; raw paths can carry download tokens.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)

		s.metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		fields := map[string]interface{}{
			"method":      r.Method,
			"route":       route,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
			"bytes":       ww.BytesWritten(),
			"remote_addr": clientIP(r),
			"request_id":  middleware.GetReqID(r.Context()),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("HTTP request", fields)
		} else {
			logger.Debug("HTTP request", fields)
		}
	})
}
