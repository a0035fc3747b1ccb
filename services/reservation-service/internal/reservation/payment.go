package reservation

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

// Proof references an external payment made for a booking.
type Proof struct {
	Provider  string
	Reference string
}

// PaymentVerifier checks a proof before a hold is confirmed. A failure must wrap model.ErrPaymentNotVerified.
type PaymentVerifier interface {
	Verify(ctx context.Context, b model.Booking, p Proof) error
}

// AcceptAll is used when no payment provider is configured.
type AcceptAll struct{}

func (AcceptAll) Verify(context.Context, model.Booking, Proof) error { return nil }

// StripeVerifier accepts a succeeded PaymentIntent whose booking_id metadata, when present, names the booking.
type StripeVerifier struct {
	get func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

func NewStripeVerifier(secretKey string) *StripeVerifier {
	stripe.Key = strings.TrimSpace(secretKey)
	return &StripeVerifier{get: paymentintent.Get}
}

func (v *StripeVerifier) Verify(ctx context.Context, b model.Booking, p Proof) error {
	if p.Provider != "" && p.Provider != "stripe" {
		return fmt.Errorf("provider %q: %w", p.Provider, model.ErrPaymentNotVerified)
	}
	ref := strings.TrimSpace(p.Reference)
	if ref == "" {
		return fmt.Errorf("missing payment reference: %w", model.ErrPaymentNotVerified)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := v.get(ref, params)
	if err != nil {
		return fmt.Errorf("stripe payment intent %s: %w: %w", ref, model.ErrPaymentNotVerified, err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("payment intent %s is %s: %w", ref, pi.Status, model.ErrPaymentNotVerified)
	}
	if id := pi.Metadata["booking_id"]; id != "" && id != b.ID {
		return fmt.Errorf("payment intent %s belongs to booking %s: %w", ref, id, model.ErrPaymentNotVerified)
	}
	return nil
}
