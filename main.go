package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"

	"junior.app/backend/handlers"
	"junior.app/backend/internal/checkout"
	"junior.app/backend/internal/config"
	"junior.app/backend/internal/download"
	"junior.app/backend/internal/email"
	"junior.app/backend/internal/locker"
	"junior.app/backend/internal/logger"
	"junior.app/backend/internal/metrics"
	"junior.app/backend/internal/processor"
	"junior.app/backend/internal/ratelimit"
	"junior.app/backend/internal/reconcile"
	"junior.app/backend/internal/version"
	"junior.app/backend/storage"
)

func main() {
	if err := run(); err != nil {
		logger.Error("Server exited with error", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func run() error {
	version.Load("VERSION")

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Env,
			Release:          version.Build,
			TracesSampleRate: 1.0,
		})
		if err != nil {
			return fmt.Errorf("sentry.Init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, dsn, err := config.ParseDatabaseURL(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, driver, dsn)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close storage", map[string]interface{}{"error": err.Error()})
		}
	}()

	lk, redisClient, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	m := metrics.New()
	proc := processor.NewStripe(cfg.Stripe)

	co := checkout.New(store, proc, lk, checkout.Options{
		RequireEmail:   cfg.Checkout.RequireEmail,
		PlanType:       cfg.Checkout.PlanType,
		DefaultPriceID: cfg.Stripe.PriceID,
	})
	rec := reconcile.New(store, proc, email.New(cfg.Email), reconcile.Options{
		PlanType:      cfg.Checkout.PlanType,
		DownloadLimit: cfg.Download.Limit,
		DownloadTTL:   cfg.Download.TTL,
		PublicBaseURL: cfg.Download.PublicBaseURL,
		Metrics:       m,
	})
	dl := download.New(store, download.Options{
		URL:      cfg.Download.URL,
		Filename: cfg.Download.Filename,
	})

	server := handlers.NewHttpServer(store, co, rec, dl, handlers.Options{
		Version:            version.Build,
		ProductVersion:     cfg.Download.ProductVersion,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Limiter:            ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Metrics:            m,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Junior billing API starting", map[string]interface{}{
			"version": version.Build,
			"port":    cfg.Port,
			"env":     cfg.Env,
			"driver":  driver,
			"locker":  fmt.Sprintf("%T", lk),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", map[string]interface{}{"timeout": cfg.ShutdownTimeout.String()})
	server.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newLocker picks the Redis-backed lock when REDIS_URL is set so several
// replicas serialize customer creation; otherwise locks are process-local.
func newLocker(ctx context.Context, cfg *config.Config) (locker.Locker, *redis.Client, error) {
	if cfg.RedisURL == "" {
		return locker.NewLocal(), nil, nil
	}
	lk, client, err := locker.NewRedisFromURL(ctx, cfg.RedisURL, "junior:lock:")
	if err != nil {
		return nil, nil, fmt.Errorf("redis locker: %w", err)
	}
	return lk, client, nil
}
