package storage

import (
	"context"
	"time"

	"junior.app/backend/models"
)

// Reader holds the point lookups. Every Find* method returns an
// apperr.NotFound error when no row matches.
type Reader interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error)

	FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	FindSubscriptionsByUser(ctx context.Context, userID string) ([]*models.Subscription, error)

	FindPaymentByStripeID(ctx context.Context, paymentIntentID string) (*models.Payment, error)
	FindPaymentsByUser(ctx context.Context, userID string) ([]*models.Payment, error)

	FindDownloadToken(ctx context.Context, token string) (*models.DownloadToken, error)
	FindDownloadTokensByUser(ctx context.Context, userID string) ([]*models.DownloadToken, error)

	FindLicenseByKey(ctx context.Context, key string) (*models.LicenseKey, error)
	FindLicensesByUser(ctx context.Context, userID string) ([]*models.LicenseKey, error)
	FindActiveLicense(ctx context.Context, userID string) (*models.LicenseKey, error)

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
}

// Tx is the write side. Instances only live inside Storage.WithTx.
// Unique-constraint violations surface as apperr.Conflict.
type Tx interface {
	Reader

	CreateUser(ctx context.Context, user *models.User) error
	BindStripeCustomer(ctx context.Context, userID, customerID string) error

	// UpsertSubscription inserts or, keyed by StripeSubscriptionID, overwrites
	// price, status, period bounds and cancel flag. The owning user of an
	// existing row is never changed. sub is updated with the stored id and
	// timestamps.
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	SetSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) error

	InsertPayment(ctx context.Context, payment *models.Payment) error
	InsertDownloadToken(ctx context.Context, token *models.DownloadToken) error
	InsertLicenseKey(ctx context.Context, license *models.LicenseKey) error

	// SetLicenseStatusForUser moves every license of userID in status from to status to
	// and returns how many rows changed.
	SetLicenseStatusForUser(ctx context.Context, userID, from, to string) (int64, error)

	MarkEventProcessed(ctx context.Context, event *models.ProcessedEvent) error

	// RedeemDownloadToken decrements downloads_remaining by one if the token
	// has downloads left and expires after now, returning the updated row.
	RedeemDownloadToken(ctx context.Context, token string, now time.Time) (*models.DownloadToken, error)
}

type Storage interface {
	Reader

	// WithTx runs fn in one transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// RedeemDownloadToken is the single-statement form of Tx.RedeemDownloadToken.
	RedeemDownloadToken(ctx context.Context, token string, now time.Time) (*models.DownloadToken, error)

	Ping(ctx context.Context) error
	Close() error
}
