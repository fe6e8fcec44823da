package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/mail"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"junior.app/backend/internal/version"
)

type Config struct {
	Port            string        `env:"PORT" env-default:"8080"`
	Env             string        `env:"APP_ENV" env-default:"development"`
	LogLevel        string        `env:"LOG_LEVEL" env-default:"INFO"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"15s"`

	DatabaseURL string `env:"DATABASE_URL" env-default:"sqlite://junior.db"`
	RedisURL    string `env:"REDIS_URL"`
	SentryDSN   string `env:"SENTRY_DSN"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`

	Stripe    Stripe
	Checkout  Checkout
	Download  Download
	RateLimit RateLimit
	Email     Email
}

type Stripe struct {
	SecretKey        string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret    string        `env:"STRIPE_WEBHOOK_SECRET"`
	PriceID          string        `env:"STRIPE_PRICE_ID" env-default:"price_beta_20_monthly"`
	Timeout          time.Duration `env:"STRIPE_TIMEOUT" env-default:"10s"`
	MaxRetries       int64         `env:"STRIPE_MAX_RETRIES" env-default:"1"`
	WebhookTolerance time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" env-default:"5m"`
}

type Checkout struct {
	RequireEmail bool   `env:"CHECKOUT_REQUIRE_EMAIL" env-default:"false"`
	PlanType     string `env:"PLAN_TYPE" env-default:"beta"`
}

type Download struct {
	URL      string        `env:"DOWNLOAD_URL" env-default:"/static/LinkedIn_Automation_Tool_v2.1.1.exe"`
	Filename string        `env:"DOWNLOAD_FILENAME" env-default:"LinkedIn_Automation_Tool_v2.1.1.exe"`
	Limit    int           `env:"DOWNLOAD_LIMIT" env-default:"3"`
	TTL      time.Duration `env:"DOWNLOAD_TTL" env-default:"24h"`
	// PublicBaseURL prefixes /download/{token} links in license emails.
	PublicBaseURL string `env:"PUBLIC_BASE_URL" env-default:"http://localhost:8080"`
	// ProductVersion is the released app version; licenses cover its major line.
	ProductVersion string `env:"PRODUCT_VERSION" env-default:"2.1.1"`
}

type RateLimit struct {
	RPS   float64 `env:"RATE_LIMIT_RPS" env-default:"2"`
	Burst int     `env:"RATE_LIMIT_BURST" env-default:"10"`
}

type Email struct {
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     string `env:"SMTP_PORT" env-default:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	From         string `env:"EMAIL_FROM" env-default:"licenses@junior.app"`
}

// Enabled reports whether SMTP delivery is configured.
func (e Email) Enabled() bool {
	return e.SMTPHost != ""
}

// New loads an optional .env file, reads the environment and validates the result.
func New(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Stripe.SecretKey == "" {
		result = multierror.Append(result, errors.New("STRIPE_SECRET_KEY environment variable is required"))
	}
	if c.Stripe.WebhookSecret == "" {
		result = multierror.Append(result, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required"))
	}
	if _, _, err := ParseDatabaseURL(c.DatabaseURL); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Stripe.Timeout <= 0 {
		result = multierror.Append(result, errors.New("STRIPE_TIMEOUT must be positive"))
	}
	if c.Stripe.MaxRetries < 0 {
		result = multierror.Append(result, errors.New("STRIPE_MAX_RETRIES cannot be negative"))
	}
	if c.Download.Limit < 1 {
		result = multierror.Append(result, errors.New("DOWNLOAD_LIMIT must be at least 1"))
	}
	if c.Download.TTL <= 0 {
		result = multierror.Append(result, errors.New("DOWNLOAD_TTL must be positive"))
	}
	if _, err := version.Major(c.Download.ProductVersion); err != nil {
		result = multierror.Append(result, fmt.Errorf("PRODUCT_VERSION: %w", err))
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		result = multierror.Append(result, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	if c.Email.Enabled() {
		if c.Email.SMTPUsername == "" || c.Email.SMTPPassword == "" {
			result = multierror.Append(result, errors.New("SMTP_USERNAME and SMTP_PASSWORD are required when SMTP_HOST is set"))
		}
		if _, err := mail.ParseAddress(c.Email.From); err != nil {
			result = multierror.Append(result, fmt.Errorf("EMAIL_FROM is not a valid address: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// ParseDatabaseURL splits DATABASE_URL into a driver name and a DSN.
// sqlite://path/to.db selects SQLite; postgres:// and postgresql:// select pgx.
func ParseDatabaseURL(raw string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		if path == "" {
			return "", "", errors.New("DATABASE_URL sqlite path is empty")
		}
		return "sqlite3", path, nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "pgx", raw, nil
	default:
		return "", "", fmt.Errorf("DATABASE_URL %q: unsupported scheme (want sqlite:// or postgres://)", raw)
	}
}
