// Package reconcile turns verified processor webhooks into local state:
// users, subscriptions, the payment ledger, download tokens and license keys.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"junior.app/backend/internal/apperr"
	"junior.app/backend/internal/email"
	"junior.app/backend/internal/keygen"
	"junior.app/backend/internal/logger"
	"junior.app/backend/internal/metrics"
	"junior.app/backend/internal/processor"
	"junior.app/backend/models"
	"junior.app/backend/storage"
)

type Outcome int

const (
	Processed Outcome = iota
	Duplicate
	Ignored
	NoOp
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Duplicate:
		return "duplicate"
	case Ignored:
		return "ignored"
	case NoOp:
		return "noop"
	default:
		return "unknown"
	}
}

type Result struct {
	EventID   string
	EventType string
	Outcome   Outcome
}

type Options struct {
	PlanType      string
	DownloadLimit int
	DownloadTTL   time.Duration
	// PublicBaseURL prefixes the download link in license emails.
	PublicBaseURL string
	Metrics       *metrics.Metrics
}

type Reconciler struct {
	store     storage.Storage
	processor processor.Processor
	mailer    email.Mailer
	opts      Options
	now       func() time.Time
}

// errDuplicate aborts the transaction when the event or its payment was
// already recorded.
var errDuplicate = errors.New("event already processed")

func New(store storage.Storage, proc processor.Processor, mailer email.Mailer, opts Options) *Reconciler {
	if opts.PlanType == "" {
		opts.PlanType = models.PlanBeta
	}
	if opts.DownloadLimit <= 0 {
		opts.DownloadLimit = models.DefaultDownloadLimit
	}
	if opts.DownloadTTL <= 0 {
		opts.DownloadTTL = models.DefaultDownloadTTL
	}
	if mailer == nil {
		mailer = email.NoopMailer{}
	}
	return &Reconciler{
		store:     store,
		processor: proc,
		mailer:    mailer,
		opts:      opts,
		now:       time.Now,
	}
}

// HandleWebhook authenticates, classifies and applies one delivery. A nil
// error means the delivery must be acknowledged; Authentication errors mean
// the request is rejected; anything else means the processor should retry.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*Result, error) {
	raw, err := r.processor.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		return nil, err
	}

	event, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	log := logger.With(map[string]interface{}{
		"event_id":      event.EventID(),
		"event_type":    event.EventType(),
		"event_created": raw.Created.Format(time.RFC3339),
	})
	log.Info("Webhook event verified")

	result := &Result{EventID: event.EventID(), EventType: event.EventType()}

	if _, ok := event.(Unrecognized); !ok {
		seen, err := r.store.IsEventProcessed(ctx, event.EventID())
		if err != nil {
			return nil, err
		}
		if seen {
			log.Info("Webhook event already processed")
			result.Outcome = Duplicate
			return result, nil
		}
	}

	switch e := event.(type) {
	case InvoicePaymentSucceeded:
		result.Outcome, err = r.applyInvoicePaid(ctx, log, e)
	case SubscriptionDeleted:
		result.Outcome, err = r.applySubscriptionDeleted(ctx, log, e)
	default:
		log.Info("Unhandled webhook event type")
		result.Outcome = Ignored
	}
	if err != nil {
		return nil, err
	}

	log.Info("Webhook processed", map[string]interface{}{"outcome": result.Outcome.String()})
	return result, nil
}

func (r *Reconciler) applyInvoicePaid(ctx context.Context, log *logger.Logger, e InvoicePaymentSucceeded) (Outcome, error) {
	// Processor calls happen before the transaction so no database lock is
	// held across the network.
	var customer *processor.Customer
	_, err := r.store.FindUserByStripeCustomerID(ctx, e.CustomerID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		customer, err = r.processor.RetrieveCustomer(ctx, e.CustomerID)
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	}

	var sub *processor.Subscription
	if e.SubscriptionID != "" {
		sub, err = r.processor.RetrieveSubscription(ctx, e.SubscriptionID)
		if err != nil {
			return 0, err
		}
	} else {
		log.Warn("Invoice has no subscription reference, skipping subscription upsert", map[string]interface{}{
			"invoice_id": e.InvoiceID,
		})
	}

	now := r.now().UTC()
	var (
		user    *models.User
		token   *models.DownloadToken
		license *models.LicenseKey
		payment *models.Payment
	)

	err = r.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := markProcessed(ctx, tx, e, now); err != nil {
			return err
		}

		var err error
		user, err = r.resolveUser(ctx, tx, log, e, customer, now)
		if err != nil {
			return err
		}

		if sub != nil {
			row := &models.Subscription{
				ID:                   uuid.NewString(),
				UserID:               user.ID,
				StripeSubscriptionID: sub.ID,
				StripePriceID:        sub.PriceID,
				Status:               sub.Status,
				CurrentPeriodStart:   sub.CurrentPeriodStart,
				CurrentPeriodEnd:     sub.CurrentPeriodEnd,
				CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if err := tx.UpsertSubscription(ctx, row); err != nil {
				return fmt.Errorf("failed to upsert subscription: %w", err)
			}
		}

		payment = &models.Payment{
			ID:                    uuid.NewString(),
			UserID:                user.ID,
			StripePaymentIntentID: e.PaymentRef,
			AmountCents:           e.AmountPaid,
			Currency:              strings.ToLower(e.Currency),
			Status:                models.PaymentSucceeded,
			Description:           "Beta subscription payment - " + now.Format("2006-01"),
			CreatedAt:             now,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				return errDuplicate
			}
			return fmt.Errorf("failed to record payment: %w", err)
		}

		token, license, err = r.mintCredentials(user, now)
		if err != nil {
			return err
		}
		if err := tx.InsertDownloadToken(ctx, token); err != nil {
			return fmt.Errorf("failed to save download token: %w", err)
		}
		if err := tx.InsertLicenseKey(ctx, license); err != nil {
			return fmt.Errorf("failed to save license key: %w", err)
		}
		return nil
	})
	if errors.Is(err, errDuplicate) {
		log.Info("Duplicate delivery detected, nothing applied", map[string]interface{}{
			"payment_ref": e.PaymentRef,
		})
		return Duplicate, nil
	}
	if err != nil {
		log.Error("Failed to apply invoice payment", map[string]interface{}{
			"error":       err.Error(),
			"customer_id": e.CustomerID,
		})
		return 0, err
	}

	log.Info("Payment recorded and credentials issued", map[string]interface{}{
		"user_id":         user.ID,
		"subscription_id": e.SubscriptionID,
		"payment_ref":     e.PaymentRef,
		"amount":          payment.Amount(),
		"currency":        payment.Currency,
	})

	r.sendLicenseEmail(ctx, log, user, token, license, payment)
	return Processed, nil
}

// resolveUser finds the user by customer id. Failing that it adopts a user
// with the same email, binding the customer if that user has none, and
// otherwise creates one. Email is informative only.
func (r *Reconciler) resolveUser(ctx context.Context, tx storage.Tx, log *logger.Logger, e InvoicePaymentSucceeded, customer *processor.Customer, now time.Time) (*models.User, error) {
	user, err := tx.FindUserByStripeCustomerID(ctx, e.CustomerID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if customer == nil {
		// Bound user vanished between the pre-check and the transaction.
		return nil, fmt.Errorf("user for customer %s disappeared, retry", e.CustomerID)
	}

	addr := strings.ToLower(strings.TrimSpace(customer.Email))
	if addr == "" {
		addr = strings.ToLower(strings.TrimSpace(e.CustomerEmail))
	}

	if addr != "" {
		existing, err := tx.FindUserByEmail(ctx, addr)
		switch {
		case err == nil && existing.StripeCustomerID == nil:
			if err := tx.BindStripeCustomer(ctx, existing.ID, e.CustomerID); err != nil {
				return nil, err
			}
			existing.StripeCustomerID = &e.CustomerID
			log.Info("Bound customer to existing user", map[string]interface{}{
				"user_id":     existing.ID,
				"customer_id": e.CustomerID,
			})
			return existing, nil
		case err == nil:
			log.Warn("Email already belongs to another customer, attributing payment to the existing user", map[string]interface{}{
				"user_id":           existing.ID,
				"bound_customer_id": existing.CustomerID(),
				"event_customer_id": e.CustomerID,
			})
			return existing, nil
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
	} else {
		addr = placeholderEmail(e.CustomerID)
		log.Warn("Customer has no email, using placeholder", map[string]interface{}{
			"customer_id": e.CustomerID,
		})
	}

	user = &models.User{
		ID:               uuid.NewString(),
		Email:            addr,
		StripeCustomerID: &e.CustomerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	log.Info("User created from webhook", map[string]interface{}{
		"user_id":     user.ID,
		"customer_id": e.CustomerID,
	})
	return user, nil
}

const placeholderDomain = "@customers.invalid"

func placeholderEmail(customerID string) string {
	return strings.ToLower(customerID) + placeholderDomain
}

func (r *Reconciler) mintCredentials(user *models.User, now time.Time) (*models.DownloadToken, *models.LicenseKey, error) {
	tokenValue, err := keygen.DownloadToken()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate download token: %w", err)
	}
	key, err := keygen.LicenseKey(user.Email, r.opts.PlanType)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate license key: %w", err)
	}

	token := &models.DownloadToken{
		ID:                 uuid.NewString(),
		UserID:             user.ID,
		Token:              tokenValue,
		DownloadsRemaining: r.opts.DownloadLimit,
		ExpiresAt:          now.Add(r.opts.DownloadTTL),
		CreatedAt:          now,
	}
	license := &models.LicenseKey{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Key:       key,
		PlanType:  r.opts.PlanType,
		Status:    models.StatusActive,
		CreatedAt: now,
	}
	return token, license, nil
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, log *logger.Logger, e SubscriptionDeleted) (Outcome, error) {
	now := r.now().UTC()
	outcome := Processed

	// An unknown subscription leaves no trace, not even in the event ledger.
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		sub, err := tx.FindSubscriptionByStripeID(ctx, e.SubscriptionID)
		if errors.Is(err, apperr.ErrNotFound) {
			outcome = NoOp
			return nil
		}
		if err != nil {
			return err
		}

		if err := markProcessed(ctx, tx, e, now); err != nil {
			return err
		}

		if err := tx.SetSubscriptionStatus(ctx, e.SubscriptionID, models.SubscriptionCanceled); err != nil {
			return fmt.Errorf("failed to cancel subscription: %w", err)
		}

		suspended, err := tx.SetLicenseStatusForUser(ctx, sub.UserID, models.StatusActive, models.StatusSuspended)
		if err != nil {
			return fmt.Errorf("failed to suspend licenses: %w", err)
		}
		log.Info("Subscription canceled", map[string]interface{}{
			"user_id":            sub.UserID,
			"subscription_id":    e.SubscriptionID,
			"licenses_suspended": suspended,
		})
		return nil
	})
	if errors.Is(err, errDuplicate) {
		return Duplicate, nil
	}
	if err != nil {
		log.Error("Failed to apply subscription deletion", map[string]interface{}{
			"error":           err.Error(),
			"subscription_id": e.SubscriptionID,
		})
		return 0, err
	}
	if outcome == NoOp {
		log.Info("Subscription not found, nothing to cancel", map[string]interface{}{
			"subscription_id": e.SubscriptionID,
		})
	}
	return outcome, nil
}

func markProcessed(ctx context.Context, tx storage.Tx, e Event, now time.Time) error {
	err := tx.MarkEventProcessed(ctx, &models.ProcessedEvent{
		EventID:     e.EventID(),
		Type:        e.EventType(),
		ProcessedAt: now,
	})
	if errors.Is(err, apperr.ErrConflict) {
		return errDuplicate
	}
	return err
}

func (r *Reconciler) sendLicenseEmail(ctx context.Context, log *logger.Logger, user *models.User, token *models.DownloadToken, license *models.LicenseKey, payment *models.Payment) {
	if strings.HasSuffix(user.Email, placeholderDomain) {
		r.countEmail("skipped")
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	err := email.SendLicense(sendCtx, r.mailer, email.License{
		Email:          user.Email,
		LicenseKey:     license.Key,
		DownloadURL:    strings.TrimRight(r.opts.PublicBaseURL, "/") + "/download/" + token.Token,
		FormattedPrice: payment.FormattedAmount(),
		Plan:           license.PlanType,
		DownloadLimit:  r.opts.DownloadLimit,
		DownloadTTL:    r.opts.DownloadTTL,
	})
	if err != nil {
		r.countEmail("failed")
		log.Error("Failed to send license email", map[string]interface{}{
			"error":   err.Error(),
			"user_id": user.ID,
		})
		return
	}
	r.countEmail("sent")
	log.Info("License email sent", map[string]interface{}{"user_id": user.ID})
}

func (r *Reconciler) countEmail(result string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.LicenseEmails.WithLabelValues(result).Inc()
	}
}
