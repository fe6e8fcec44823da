package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"
	"go.uber.org/atomic"

	sentryhttp "github.com/getsentry/sentry-go/http"

	"junior.app/backend/internal/checkout"
	"junior.app/backend/internal/download"
	"junior.app/backend/internal/metrics"
	"junior.app/backend/internal/ratelimit"
	"junior.app/backend/internal/reconcile"
	"junior.app/backend/storage"
)

type Server struct {
	Router  chi.Router
	Storage storage.Storage

	checkout   *checkout.Service
	reconciler *reconcile.Reconciler
	downloads  *download.Service
	metrics    *metrics.Metrics
	limiter    ratelimit.RateLimit
	validate   *validator.Validate

	version        string
	productVersion string
	draining       *atomic.Bool
}

type Options struct {
	Version string
	// ProductVersion is the app release whose major line licenses cover.
	ProductVersion     string
	CORSAllowedOrigins []string
	Limiter            ratelimit.RateLimit
	Metrics            *metrics.Metrics
}

func NewHttpServer(store storage.Storage, co *checkout.Service, rec *reconcile.Reconciler, dl *download.Service, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if len(opts.CORSAllowedOrigins) == 0 {
		opts.CORSAllowedOrigins = []string{"*"}
	}

	s := &Server{
		Storage:        store,
		checkout:       co,
		reconciler:     rec,
		downloads:      dl,
		metrics:        opts.Metrics,
		limiter:        opts.Limiter,
		validate:       validator.New(),
		version:        opts.Version,
		productVersion: opts.ProductVersion,
		draining:       atomic.NewBool(false),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Stripe-Signature"},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Post("/webhook", s.Stripe)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/create-payment-intent", s.CreatePaymentIntent)
		r.Post("/create-subscription", s.CreateSubscription)
		r.Get("/download/{token}", s.Download)
		r.Post("/api/v1/licenses/validate", s.ValidateLicense)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusMethodNotAllowed, "Method not allowed")
	})

	s.Router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// SetDraining makes /health report 503 so load balancers stop routing here
// while in-flight requests finish.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Timestamp: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch {
	case s.draining.Load():
		resp.Status = "draining"
		render.Status(r, http.StatusServiceUnavailable)
	case s.Storage.Ping(ctx) != nil:
		resp.Status = "unhealthy"
		render.Status(r, http.StatusServiceUnavailable)
	}

	render.JSON(w, r, resp)
}
