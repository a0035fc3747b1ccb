// Package reservation coordinates holds, confirmations, expiry and cancellation on top of the slot ledger.
// Every operation runs as one unit of work: either all of its slot transitions, booking and hold changes
// and outbox events commit, or none do.
package reservation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/clock"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/ledger"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

const DefaultHoldTTL = 10 * time.Minute

// PolicyProvider is satisfied by *bizconfig.Provider.
type PolicyProvider interface {
	CancellationPolicy(ctx context.Context, businessID string) (model.CancellationPolicy, error)
}

type Coordinator struct {
	store    Store
	ledger   *ledger.Ledger
	policies PolicyProvider
	verifier PaymentVerifier
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	holdTTL  time.Duration
	retry    RetryPolicy
}

type Option func(*Coordinator)

func WithHoldTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.holdTTL = ttl
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithPaymentVerifier(v PaymentVerifier) Option {
	return func(c *Coordinator) { c.verifier = v }
}

func WithRetry(p RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = p.withDefaults() }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// New builds a coordinator. The ledger must wrap the same store.
func New(store Store, l *ledger.Ledger, policies PolicyProvider, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		ledger:   l,
		policies: policies,
		verifier: AcceptAll{},
		clock:    clock.NewSystem(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("slotkeeper/reservation"),
		holdTTL:  DefaultHoldTTL,
		retry:    RetryPolicy{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) HoldTTL() time.Duration { return c.holdTTL }

func (c *Coordinator) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	var b model.Booking
	err := c.run(ctx, "get_booking", func(ctx context.Context) error {
		var err error
		b, err = c.store.GetBooking(ctx, id)
		return err
	})
	return b, err
}

func (c *Coordinator) GetHold(ctx context.Context, id string) (model.Hold, error) {
	var h model.Hold
	err := c.run(ctx, "get_hold", func(ctx context.Context) error {
		var err error
		h, err = c.store.GetHold(ctx, id)
		return err
	})
	return h, err
}

func (c *Coordinator) ListBookings(ctx context.Context, filter model.BookingFilter) ([]model.Booking, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	var out []model.Booking
	err := c.run(ctx, "list_bookings", func(ctx context.Context) error {
		var err error
		out, err = c.store.ListBookings(ctx, filter)
		return err
	})
	return out, err
}

func (c *Coordinator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "reservation."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
