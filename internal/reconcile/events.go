package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"junior.app/backend/internal/apperr"
	"junior.app/backend/internal/processor"
)

const (
	TypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
	TypeSubscriptionDeleted     = "customer.subscription.deleted"
)

// Event is one of InvoicePaymentSucceeded, SubscriptionDeleted or Unrecognized.
type Event interface {
	EventID() string
	EventType() string
}

type InvoicePaymentSucceeded struct {
	ID             string
	InvoiceID      string
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	// PaymentRef is the payment intent id, or the invoice id when the
	// invoice carries none, so the ledger always has a unique key.
	PaymentRef string
	AmountPaid int64
	Currency   string
}

func (e InvoicePaymentSucceeded) EventID() string   { return e.ID }
func (e InvoicePaymentSucceeded) EventType() string { return TypeInvoicePaymentSucceeded }

type SubscriptionDeleted struct {
	ID             string
	SubscriptionID string
	CustomerID     string
}

func (e SubscriptionDeleted) EventID() string   { return e.ID }
func (e SubscriptionDeleted) EventType() string { return TypeSubscriptionDeleted }

// Unrecognized is any event type this service does not act on.
type Unrecognized struct {
	ID   string
	Type string
}

func (e Unrecognized) EventID() string   { return e.ID }
func (e Unrecognized) EventType() string { return e.Type }

// expandableID accepts either "obj_123" or {"id": "obj_123", ...}.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type invoicePayload struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	CustomerEmail string       `json:"customer_email"`
	AmountPaid    int64        `json:"amount_paid"`
	Currency      string       `json:"currency"`

	// Before 2025-03-31.
	Subscription  expandableID `json:"subscription"`
	PaymentIntent expandableID `json:"payment_intent"`

	// From 2025-03-31 on.
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Payments *struct {
		Data []struct {
			Payment struct {
				Type          string       `json:"type"`
				PaymentIntent expandableID `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
}

func (p *invoicePayload) subscriptionID() string {
	if p.Subscription != "" {
		return string(p.Subscription)
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		return string(p.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func (p *invoicePayload) paymentIntentID() string {
	if p.PaymentIntent != "" {
		return string(p.PaymentIntent)
	}
	if p.Payments != nil {
		for _, entry := range p.Payments.Data {
			if entry.Payment.PaymentIntent != "" {
				return string(entry.Payment.PaymentIntent)
			}
		}
	}
	return ""
}

type subscriptionPayload struct {
	ID       string       `json:"id"`
	Customer expandableID `json:"customer"`
}

var errMalformed = errors.New("malformed event payload")

// Parse classifies a verified envelope. Bodies of handled types that cannot
// be decoded, or lack the references needed to act on them, are reported as
// authentication failures like any other unparseable payload.
func Parse(ev *processor.Event) (Event, error) {
	const op = "reconcile.Parse"

	if ev.ID == "" || ev.Type == "" {
		return nil, apperr.AuthenticationErr(op, fmt.Errorf("%w: event id and type are required", errMalformed))
	}

	switch ev.Type {
	case TypeInvoicePaymentSucceeded:
		var p invoicePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, apperr.AuthenticationErr(op, fmt.Errorf("%w: %v", errMalformed, err))
		}
		if p.ID == "" || p.Customer == "" {
			return nil, apperr.AuthenticationErr(op, fmt.Errorf("%w: invoice id and customer are required", errMalformed))
		}
		ref := p.paymentIntentID()
		if ref == "" {
			ref = p.ID
		}
		return InvoicePaymentSucceeded{
			ID:             ev.ID,
			InvoiceID:      p.ID,
			CustomerID:     string(p.Customer),
			CustomerEmail:  p.CustomerEmail,
			SubscriptionID: p.subscriptionID(),
			PaymentRef:     ref,
			AmountPaid:     p.AmountPaid,
			Currency:       p.Currency,
		}, nil

	case TypeSubscriptionDeleted:
		var p subscriptionPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, apperr.AuthenticationErr(op, fmt.Errorf("%w: %v", errMalformed, err))
		}
		if p.ID == "" {
			return nil, apperr.AuthenticationErr(op, fmt.Errorf("%w: subscription id is required", errMalformed))
		}
		return SubscriptionDeleted{ID: ev.ID, SubscriptionID: p.ID, CustomerID: string(p.Customer)}, nil

	default:
		return Unrecognized{ID: ev.ID, Type: ev.Type}, nil
	}
}
