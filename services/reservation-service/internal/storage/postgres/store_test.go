package postgres_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/slotkeeper/libs/db"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/clock"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/ledger"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/outbox"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/reservation"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/storage/postgres"
)

var _ reservation.Store = (*postgres.Store)(nil)

func openStore(t *testing.T) (*postgres.Store, *db.Pool) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Migrate(ctx, postgres.Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return postgres.New(pool), pool
}

func freshSlot(capacity int) model.Slot {
	start := time.Date(2027, 1, 4, 9, 0, 0, 0, time.UTC).Add(time.Duration(time.Now().UnixNano()%100000) * time.Minute)
	biz := "pg-" + uuid.NewString()[:8]
	return model.Slot{
		ID:          model.SlotID(biz, "anna", "cut", start),
		BusinessID:  biz,
		ResourceID:  "anna",
		ServiceID:   "cut",
		StartTime:   start,
		EndTime:     start.Add(30 * time.Minute),
		CapacityMax: capacity,
	}
}

func TestSlotCompareAndSet(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	l := ledger.New(store, clock.NewSystem(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	s := freshSlot(1)
	if ok, err := l.Materialize(ctx, s); err != nil || !ok {
		t.Fatalf("materialize: %v %v", ok, err)
	}
	if ok, err := l.Materialize(ctx, s); err != nil || ok {
		t.Fatalf("expected second materialize to be a no-op, got %v %v", ok, err)
	}

	cur, err := store.GetSlot(ctx, s.ID)
	if err != nil || cur.Version != 1 || cur.State != model.SlotFree {
		t.Fatalf("get: %+v %v", cur, err)
	}
	next := cur
	next.Occupancy, next.State = 1, model.SlotHeld
	saved, err := store.UpdateSlot(ctx, next, 1)
	if err != nil || saved.Version != 2 {
		t.Fatalf("update: %+v %v", saved, err)
	}
	if _, err := store.UpdateSlot(ctx, next, 1); !errors.Is(err, model.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if _, err := store.GetSlot(ctx, uuid.NewString()); !errors.Is(err, model.ErrSlotNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetSlot(ctx, "not-a-uuid"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found for malformed id, got %v", err)
	}
}

func TestConcurrentHoldsSingleWinner(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	l := ledger.New(store, clock.NewSystem(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	s := freshSlot(1)
	if _, err := l.Materialize(ctx, s); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	var wins, losses atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := l.TryTransition(ctx, ledger.Transition{
				SlotID:         s.ID,
				From:           model.SlotFree,
				To:             model.SlotHeld,
				OccupancyDelta: 1,
				Actor:          "test",
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, model.ErrVersionConflict), errors.Is(err, model.ErrInvalidTransition):
				losses.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wins.Load() != 1 || losses.Load() != 19 {
		t.Fatalf("expected 1 winner and 19 losers, got %d/%d", wins.Load(), losses.Load())
	}

	audit, err := l.Audit(ctx, s.ID, 10)
	if err != nil || len(audit) != 1 || audit[0].ToState != model.SlotHeld {
		t.Fatalf("unexpected audit %+v %v", audit, err)
	}
}

func TestHoldsAndBookingsRoundTrip(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	s := freshSlot(1)

	var number int64
	hold := model.Hold{
		ID:             uuid.NewString(),
		BookingID:      uuid.NewString(),
		SlotIDs:        []string{s.ID},
		Occupancy:      1,
		RequesterID:    "client-1",
		IdempotencyKey: "key-" + uuid.NewString(),
		Status:         model.HoldActive,
		ExpiresAt:      now.Add(-time.Minute),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if number, err = store.NextBookingNumber(ctx); err != nil {
			return err
		}
		if err := store.InsertHold(ctx, hold); err != nil {
			return err
		}
		return store.InsertBooking(ctx, model.Booking{
			ID:          hold.BookingID,
			Number:      number,
			BusinessID:  s.BusinessID,
			ResourceID:  s.ResourceID,
			ServiceID:   s.ServiceID,
			StartTime:   s.StartTime,
			EndTime:     s.EndTime,
			SlotIDs:     hold.SlotIDs,
			RequesterID: hold.RequesterID,
			Occupancy:   1,
			Status:      model.BookingPending,
			HoldID:      hold.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup := hold
	dup.ID, dup.BookingID = uuid.NewString(), uuid.NewString()
	if err := store.InsertHold(ctx, dup); !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("expected duplicate idempotency key, got %v", err)
	}
	byKey, err := store.GetHoldByIdempotencyKey(ctx, hold.IdempotencyKey)
	if err != nil || byKey.ID != hold.ID || len(byKey.SlotIDs) != 1 || byKey.SlotIDs[0] != s.ID {
		t.Fatalf("lookup by key: %+v %v", byKey, err)
	}

	var claimed []model.Hold
	err = store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = store.ClaimExpiredHolds(ctx, now, 1000)
		if err != nil {
			return err
		}
		var inner []model.Hold
		// A second claimer in its own transaction must skip the locked rows.
		g := errgroup.Group{}
		g.Go(func() error {
			return store.WithTx(context.Background(), func(ctx context.Context) error {
				var err error
				inner, err = store.ClaimExpiredHolds(ctx, now, 1000)
				return err
			})
		})
		if err := g.Wait(); err != nil {
			return err
		}
		for _, h := range inner {
			if h.ID == hold.ID {
				t.Errorf("hold %s claimed twice", h.ID)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	found := false
	for _, h := range claimed {
		found = found || h.ID == hold.ID
	}
	if !found {
		t.Fatalf("expected expired hold to be claimed")
	}

	b, err := store.GetBooking(ctx, hold.BookingID)
	if err != nil || b.Number != number || b.Cancellation != nil {
		t.Fatalf("get booking: %+v %v", b, err)
	}
	b.Status = model.BookingCancelled
	b.Cancellation = &model.Cancellation{
		Reason:       model.ReasonHoldExpired,
		Actor:        model.ActorSystem,
		RefundStatus: model.RefundNone,
		CancelledAt:  now,
	}
	b.UpdatedAt = now
	if err := store.UpdateBooking(ctx, b); err != nil {
		t.Fatalf("update booking: %v", err)
	}
	list, err := store.ListBookings(ctx, model.BookingFilter{BusinessID: s.BusinessID, Status: model.BookingCancelled})
	if err != nil || len(list) != 1 || list[0].Cancellation == nil || list[0].Cancellation.Reason != model.ReasonHoldExpired {
		t.Fatalf("list bookings: %+v %v", list, err)
	}
}

func TestEnqueueEventJoinsTransaction(t *testing.T) {
	store, pool := openStore(t)
	ctx := context.Background()
	repo := outbox.NewRepository(pool)
	aggregate := uuid.NewString()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(ctx context.Context) error {
		if err := store.EnqueueEvent(ctx, outbox.Event{AggregateType: "booking", AggregateID: aggregate, EventType: "x", Payload: []byte(`{}`)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	records, err := repo.FetchUnpublished(ctx, 1000)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	for _, r := range records {
		if r.AggregateID == aggregate {
			t.Fatal("rolled back event must not be visible")
		}
	}
}
