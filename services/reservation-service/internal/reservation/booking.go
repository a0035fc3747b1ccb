package reservation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/outbox"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/refund"
)

type CancellationResult struct {
	BookingID     string
	RefundPercent int
	RefundStatus  model.RefundStatus
	CancelledAt   time.Time
}

// Cancel cancels a confirmed booking, returns its capacity and records the refund owed under the
// business cancellation policy. Cancelling again returns the recorded result with model.ErrAlreadyCancelled
// and releases nothing.
func (c *Coordinator) Cancel(ctx context.Context, bookingID, actor, reason string) (res CancellationResult, err error) {
	ctx, span := c.startSpan(ctx, "Cancel", attribute.String("booking.id", bookingID))
	defer func() { endSpan(span, err) }()

	b, err := c.GetBooking(ctx, bookingID)
	if err != nil {
		return CancellationResult{}, err
	}
	if b.Status == model.BookingCancelled {
		return cancellationOf(b), fmt.Errorf("booking %s: %w", bookingID, model.ErrAlreadyCancelled)
	}
	if err := cancellable(b); err != nil {
		return CancellationResult{}, err
	}
	policy, err := c.policies.CancellationPolicy(ctx, b.BusinessID)
	if err != nil {
		return CancellationResult{}, fmt.Errorf("cancellation policy for %s: %w", b.BusinessID, err)
	}

	err = c.run(ctx, "cancel", func(ctx context.Context) error {
		var err error
		res, err = c.cancel(ctx, bookingID, policy, actorOr(actor), reason)
		return err
	})
	if err != nil {
		return res, err
	}
	c.logger.InfoContext(ctx, "booking cancelled",
		"booking_id", bookingID,
		"refund_percent", res.RefundPercent,
		"actor", actorOr(actor),
	)
	return res, nil
}

func (c *Coordinator) cancel(ctx context.Context, bookingID string, policy model.CancellationPolicy, actor, reason string) (CancellationResult, error) {
	now := c.clock.Now()
	b, err := c.store.LockBooking(ctx, bookingID)
	if err != nil {
		return CancellationResult{}, err
	}
	if b.Status == model.BookingCancelled {
		return cancellationOf(b), fmt.Errorf("booking %s: %w", bookingID, model.ErrAlreadyCancelled)
	}
	if err := cancellable(b); err != nil {
		return CancellationResult{}, err
	}

	decision := refund.Evaluate(policy, b.StartTime, now)
	if !decision.Allowed {
		return CancellationResult{}, fmt.Errorf("booking %s starts in %s: %w", bookingID, decision.Notice, model.ErrCancellationNotAllowed)
	}

	for _, id := range b.SlotIDs {
		if _, err := c.ledger.Release(ctx, id, b.Occupancy, b.Occupancy, actor, "cancel"); err != nil {
			return CancellationResult{}, fmt.Errorf("release slot %s: %w", id, err)
		}
	}

	status := model.RefundNone
	if decision.RefundPercent > 0 {
		status = model.RefundPending
	}
	b.Status, b.UpdatedAt = model.BookingCancelled, now
	b.Cancellation = &model.Cancellation{
		Reason:        reason,
		Actor:         actor,
		RefundPercent: decision.RefundPercent,
		RefundStatus:  status,
		CancelledAt:   now,
	}
	if err := c.store.UpdateBooking(ctx, b); err != nil {
		return CancellationResult{}, err
	}
	if err := c.emit(ctx, "booking", b.ID, outbox.EventBookingCancelled, now, bookingPayload(b)); err != nil {
		return CancellationResult{}, err
	}
	return cancellationOf(b), nil
}

func cancellable(b model.Booking) error {
	switch b.Status {
	case model.BookingConfirmed:
		return nil
	case model.BookingPending:
		return fmt.Errorf("booking %s is pending, release its hold instead: %w", b.ID, model.ErrBookingNotConfirmed)
	default:
		return fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, model.ErrCancellationNotAllowed)
	}
}

func cancellationOf(b model.Booking) CancellationResult {
	res := CancellationResult{BookingID: b.ID}
	if b.Cancellation != nil {
		res.RefundPercent = b.Cancellation.RefundPercent
		res.RefundStatus = b.Cancellation.RefundStatus
		res.CancelledAt = b.Cancellation.CancelledAt
	}
	return res
}

// Complete records the outcome of a confirmed booking once it has started: completed or no_show.
// The slots stay booked.
func (c *Coordinator) Complete(ctx context.Context, bookingID string, status model.BookingStatus) (booking model.Booking, err error) {
	ctx, span := c.startSpan(ctx, "Complete", attribute.String("booking.id", bookingID), attribute.String("status", string(status)))
	defer func() { endSpan(span, err) }()

	if status != model.BookingCompleted && status != model.BookingNoShow {
		return model.Booking{}, fmt.Errorf("status %q: %w", status, ErrInvalidRequest)
	}
	err = c.run(ctx, "complete", func(ctx context.Context) error {
		now := c.clock.Now()
		b, err := c.store.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.Status == status {
			booking = b
			return nil
		}
		switch b.Status {
		case model.BookingConfirmed:
		case model.BookingCancelled:
			return fmt.Errorf("booking %s: %w", bookingID, model.ErrAlreadyCancelled)
		case model.BookingPending:
			return fmt.Errorf("booking %s: %w", bookingID, model.ErrBookingNotConfirmed)
		default:
			return fmt.Errorf("booking %s is %s: %w", bookingID, b.Status, model.ErrInvalidTransition)
		}
		if now.Before(b.StartTime) {
			return fmt.Errorf("booking %s has not started: %w", bookingID, model.ErrInvalidTransition)
		}
		b.Status, b.UpdatedAt = status, now
		if err := c.store.UpdateBooking(ctx, b); err != nil {
			return err
		}
		booking = b
		return c.emit(ctx, "booking", b.ID, outbox.EventBookingCompleted, now, bookingPayload(b))
	})
	return booking, err
}
