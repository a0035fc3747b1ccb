package reservation

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v79"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

func TestStripeVerifier(t *testing.T) {
	intents := map[string]*stripe.PaymentIntent{
		"pi_ok":      {ID: "pi_ok", Status: stripe.PaymentIntentStatusSucceeded, Metadata: map[string]string{"booking_id": "b1"}},
		"pi_nometa":  {ID: "pi_nometa", Status: stripe.PaymentIntentStatusSucceeded},
		"pi_pending": {ID: "pi_pending", Status: stripe.PaymentIntentStatusProcessing},
		"pi_other":   {ID: "pi_other", Status: stripe.PaymentIntentStatusSucceeded, Metadata: map[string]string{"booking_id": "b2"}},
	}
	v := &StripeVerifier{get: func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		if params.Context == nil {
			t.Fatal("expected request context to be passed")
		}
		pi, ok := intents[id]
		if !ok {
			return nil, errors.New("no such payment_intent")
		}
		return pi, nil
	}}

	tests := []struct {
		name string
		p    Proof
		ok   bool
	}{
		{"succeeded", Proof{Provider: "stripe", Reference: "pi_ok"}, true},
		{"no metadata", Proof{Reference: "pi_nometa"}, true},
		{"processing", Proof{Reference: "pi_pending"}, false},
		{"other booking", Proof{Reference: "pi_other"}, false},
		{"unknown intent", Proof{Reference: "pi_missing"}, false},
		{"missing reference", Proof{Provider: "stripe"}, false},
		{"other provider", Proof{Provider: "paypal", Reference: "pi_ok"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Verify(context.Background(), model.Booking{ID: "b1"}, tc.p)
			if tc.ok && err != nil {
				t.Fatalf("expected verified, got %v", err)
			}
			if !tc.ok && !errors.Is(err, model.ErrPaymentNotVerified) {
				t.Fatalf("expected ErrPaymentNotVerified, got %v", err)
			}
		})
	}
}
