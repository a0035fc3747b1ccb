package reservation

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/ledger"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/outbox"
)

// Store extends the slot ledger store with bookings, holds and the outbox. Lock* reads take a row
// lock for the rest of the unit of work where the backend supports it.
type Store interface {
	ledger.Store

	NextBookingNumber(ctx context.Context) (int64, error)
	InsertBooking(ctx context.Context, b model.Booking) error
	GetBooking(ctx context.Context, id string) (model.Booking, error)
	LockBooking(ctx context.Context, id string) (model.Booking, error)
	UpdateBooking(ctx context.Context, b model.Booking) error
	ListBookings(ctx context.Context, filter model.BookingFilter) ([]model.Booking, error)

	// InsertHold returns model.ErrDuplicate when the idempotency key is taken.
	InsertHold(ctx context.Context, h model.Hold) error
	GetHold(ctx context.Context, id string) (model.Hold, error)
	LockHold(ctx context.Context, id string) (model.Hold, error)
	GetHoldByIdempotencyKey(ctx context.Context, key string) (model.Hold, error)
	UpdateHold(ctx context.Context, h model.Hold) error
	// ClaimExpiredHolds returns active holds with ExpiresAt <= now, locked and skipping rows locked by others.
	ClaimExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.Hold, error)

	EnqueueEvent(ctx context.Context, e outbox.Event) error
}
