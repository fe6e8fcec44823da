// Package checkout starts purchases: it resolves the buyer to a local user
// bound to a processor customer and asks the processor for the objects the
// client confirms (setup intent, payment intent or subscription).
package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/google/uuid"

	"junior.app/backend/internal/apperr"
	"junior.app/backend/internal/locker"
	"junior.app/backend/internal/logger"
	"junior.app/backend/internal/processor"
	"junior.app/backend/models"
	"junior.app/backend/storage"
)

const (
	// OneTimeAmountCents is the single supported price point.
	OneTimeAmountCents = 2000
	OneTimeCurrency    = "usd"

	customerSource = "junior_beta"
)

type Options struct {
	RequireEmail   bool
	PlanType       string
	DefaultPriceID string
}

type Service struct {
	store     storage.Storage
	processor processor.Processor
	locker    locker.Locker
	validate  *validator.Validate
	opts      Options
	now       func() time.Time
}

func New(store storage.Storage, proc processor.Processor, lk locker.Locker, opts Options) *Service {
	if opts.PlanType == "" {
		opts.PlanType = models.PlanBeta
	}
	return &Service{
		store:     store,
		processor: proc,
		locker:    lk,
		validate:  validator.New(),
		opts:      opts,
		now:       time.Now,
	}
}

type CheckoutRequest struct {
	Email          string
	IsSubscription bool
	// PriceID is the plan the setup intent prepares for; DefaultPriceID when empty.
	PriceID string
}

type CheckoutResult struct {
	ClientSecret string
	// CustomerID is set for subscription setup when a buyer email was given.
	CustomerID string
}

type SubscriptionResult struct {
	SubscriptionID string
	ClientSecret   string
}

// NormalizeEmail trims and lower-cases an address so one buyer maps to one user.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	const op = "checkout.CreateCheckout"

	email := NormalizeEmail(req.Email)
	if email == "" && s.opts.RequireEmail {
		return nil, apperr.Validationf(op, "customer_email is required")
	}

	var user *models.User
	if email != "" {
		if err := s.validateEmail(op, email); err != nil {
			return nil, err
		}
		var err error
		user, err = s.ensureUser(ctx, email)
		if err != nil {
			return nil, err
		}
	}

	if req.IsSubscription {
		priceID := req.PriceID
		if priceID == "" {
			priceID = s.opts.DefaultPriceID
		}
		intent, err := s.processor.CreateSetupIntent(ctx, processor.SetupIntentParams{
			CustomerID: user.CustomerID(),
			Metadata: map[string]string{
				"type":           "subscription_setup",
				"plan":           s.opts.PlanType,
				"price_id":       priceID,
				"customer_email": email,
			},
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Setup intent created", map[string]interface{}{
			"setup_intent_id": intent.ID,
			"customer_id":     user.CustomerID(),
		})
		return &CheckoutResult{ClientSecret: intent.ClientSecret, CustomerID: user.CustomerID()}, nil
	}

	intent, err := s.processor.CreatePaymentIntent(ctx, processor.PaymentIntentParams{
		CustomerID:  user.CustomerID(),
		AmountCents: OneTimeAmountCents,
		Currency:    OneTimeCurrency,
		Metadata: map[string]string{
			"type":           "one_time_payment",
			"plan":           s.opts.PlanType,
			"customer_email": email,
		},
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Payment intent created", map[string]interface{}{
		"payment_intent_id": intent.ID,
		"customer_id":       user.CustomerID(),
		"amount":            OneTimeAmountCents,
	})
	return &CheckoutResult{ClientSecret: intent.ClientSecret}, nil
}

func (s *Service) CreateSubscription(ctx context.Context, email, priceID string) (*SubscriptionResult, error) {
	const op = "checkout.CreateSubscription"

	email = NormalizeEmail(email)
	if email == "" {
		return nil, apperr.Validationf(op, "customer_email is required")
	}
	if err := s.validateEmail(op, email); err != nil {
		return nil, err
	}
	if priceID == "" {
		priceID = s.opts.DefaultPriceID
	}
	if priceID == "" {
		return nil, apperr.Validationf(op, "price_id is required")
	}

	user, err := s.ensureUser(ctx, email)
	if err != nil {
		return nil, err
	}

	sub, err := s.processor.CreateSubscription(ctx, processor.SubscriptionParams{
		CustomerID: user.CustomerID(),
		PriceID:    priceID,
		Metadata: map[string]string{
			"plan":    s.opts.PlanType,
			"user_id": user.ID,
		},
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Subscription created", map[string]interface{}{
		"subscription_id": sub.ID,
		"user_id":         user.ID,
		"price_id":        priceID,
		"status":          sub.Status,
	})
	return &SubscriptionResult{SubscriptionID: sub.ID, ClientSecret: sub.ClientSecret}, nil
}

func (s *Service) validateEmail(op, email string) error {
	if err := s.validate.Var(email, "required,email"); err != nil {
		return apperr.Validationf(op, "customer_email %q is not a valid email address", email)
	}
	return nil
}

// ensureUser returns the user for email, creating the processor customer and
// the local row when needed. Calls for one email are serialized by the locker
// and the customer create carries an idempotency key derived from the email,
// so racing requests converge on one customer.
func (s *Service) ensureUser(ctx context.Context, email string) (*models.User, error) {
	const op = "checkout.ensureUser"

	unlock, err := s.locker.Lock(ctx, "checkout:user:"+email)
	if err != nil {
		return nil, apperr.E(apperr.Internal, op, "could not acquire checkout lock", err)
	}
	defer unlock()

	user, err := s.store.FindUserByEmail(ctx, email)
	switch {
	case err == nil && user.CustomerID() != "":
		return user, nil
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}

	customer, err := s.processor.CreateCustomer(ctx, processor.CustomerParams{
		Email:          email,
		Metadata:       map[string]string{"source": customerSource},
		IdempotencyKey: customerIdempotencyKey(email),
	})
	if err != nil {
		return nil, err
	}

	if user != nil {
		// Row exists from an earlier flow but was never bound.
		err = s.store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.BindStripeCustomer(ctx, user.ID, customer.ID)
		})
		if err != nil {
			logOrphan(customer.ID, email, err)
			return nil, err
		}
		user.StripeCustomerID = &customer.ID
		return user, nil
	}

	now := s.now().UTC()
	user = &models.User{
		ID:               uuid.NewString(),
		Email:            email,
		StripeCustomerID: &customer.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.CreateUser(ctx, user)
	})
	if errors.Is(err, apperr.ErrConflict) {
		// Another replica won the race without a shared lock.
		existing, findErr := s.store.FindUserByEmail(ctx, email)
		if findErr == nil {
			return existing, nil
		}
	}
	if err != nil {
		logOrphan(customer.ID, email, err)
		return nil, err
	}

	logger.Info("User created", map[string]interface{}{
		"user_id":     user.ID,
		"customer_id": customer.ID,
	})
	return user, nil
}

func logOrphan(customerID, email string, err error) {
	logger.Warn("Processor customer created but local user was not saved", map[string]interface{}{
		"customer_id":    customerID,
		"customer_email": email,
		"error":          err.Error(),
	})
}

func customerIdempotencyKey(email string) string {
	sum := sha256.Sum256([]byte(email))
	return "customer-create-" + hex.EncodeToString(sum[:16])
}
