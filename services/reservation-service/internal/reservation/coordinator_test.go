package reservation_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/bizconfig"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/clock"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/ledger"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/outbox"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/reservation"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/storage/memory"
)

var (
	now       = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	slotStart = time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)
)

type env struct {
	coord  *reservation.Coordinator
	store  *memory.Store
	ledger *ledger.Ledger
	clock  *clock.Manual
}

func newEnv(t *testing.T, opts ...reservation.Option) env {
	t.Helper()
	return newEnvWith(t, func(s *memory.Store) reservation.Store { return s }, opts...)
}

// newEnvWith builds the coordinator over wrap(store); the ledger keeps the bare memory store.
func newEnvWith(t *testing.T, wrap func(*memory.Store) reservation.Store, opts ...reservation.Option) env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(now)
	store := memory.New()
	l := ledger.New(store, clk, logger)
	policies := bizconfig.NewProvider(bizconfig.NewStatic(bizconfig.Document{
		BusinessID: "salon",
		CancellationPolicy: []bizconfig.RuleDoc{
			{MinNotice: "48h", RefundPercent: 100},
			{MinNotice: "24h", RefundPercent: 50},
		},
	}), logger)
	base := []reservation.Option{
		reservation.WithClock(clk),
		reservation.WithLogger(logger),
		reservation.WithRetry(reservation.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}),
	}
	return env{
		coord:  reservation.New(wrap(store), l, policies, append(base, opts...)...),
		store:  store,
		ledger: l,
		clock:  clk,
	}
}

func (e env) seed(t *testing.T, start time.Time, capacity, partyMax int) model.Slot {
	t.Helper()
	s := model.Slot{
		ID:          model.SlotID("salon", "anna", "cut", start),
		BusinessID:  "salon",
		ResourceID:  "anna",
		ServiceID:   "cut",
		StartTime:   start,
		EndTime:     start.Add(30 * time.Minute),
		CapacityMax: capacity,
		PartyMax:    partyMax,
	}
	if _, err := e.ledger.Materialize(context.Background(), s); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	got, err := e.ledger.GetSlot(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	return got
}

func (e env) slot(t *testing.T, id string) model.Slot {
	t.Helper()
	s, err := e.ledger.GetSlot(context.Background(), id)
	if err != nil {
		t.Fatalf("get slot %s: %v", id, err)
	}
	return s
}

func (e env) confirmed(t *testing.T, slot model.Slot) model.Booking {
	t.Helper()
	ctx := context.Background()
	res, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}, RequesterID: "req-1"})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	b, err := e.coord.Confirm(ctx, res.HoldID, reservation.Proof{})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return b
}

func race(t *testing.T, e env, slotID string, n int) (wins, unavailable int64) {
	t.Helper()
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := e.coord.Hold(context.Background(), reservation.HoldRequest{
				SlotIDs:     []string{slotID},
				RequesterID: fmt.Sprintf("req-%d", i),
			})
			switch {
			case err == nil:
				atomic.AddInt64(&wins, 1)
			case errors.Is(err, model.ErrSlotUnavailable):
				atomic.AddInt64(&unavailable, 1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected hold error: %v", err)
	}
	return wins, unavailable
}

func TestCapacityOneRaceHasSingleWinner(t *testing.T) {
	e := newEnv(t)
	slot := e.seed(t, slotStart, 1, 0)

	wins, lost := race(t, e, slot.ID, 50)
	if wins != 1 || lost != 49 {
		t.Fatalf("expected 1 winner and 49 losers, got %d/%d", wins, lost)
	}
	got := e.slot(t, slot.ID)
	if got.State != model.SlotHeld || got.Occupancy != 1 || got.Version != slot.Version+1 {
		t.Fatalf("unexpected slot after race: %+v", got)
	}
}

func TestCapacityKRaceAdmitsExactlyK(t *testing.T) {
	e := newEnv(t)
	slot := e.seed(t, slotStart, 5, 1)

	wins, lost := race(t, e, slot.ID, 40)
	if wins != 5 || lost != 35 {
		t.Fatalf("expected 5 winners and 35 losers, got %d/%d", wins, lost)
	}
	if got := e.slot(t, slot.ID); got.Occupancy != 5 || got.Remaining() != 0 {
		t.Fatalf("expected full slot, got %+v", got)
	}
}

func TestHoldConfirmRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slot := e.seed(t, slotStart, 1, 0)

	res, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}, RequesterID: "req-1"})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if !res.ExpiresAt.Equal(now.Add(reservation.DefaultHoldTTL)) || res.BookingNumber != 1 {
		t.Fatalf("unexpected hold result %+v", res)
	}
	if got := e.slot(t, slot.ID); got.State != model.SlotHeld {
		t.Fatalf("expected held, got %s", got.State)
	}
	pending, err := e.coord.GetBooking(ctx, res.BookingID)
	if err != nil || pending.Status != model.BookingPending || !pending.StartTime.Equal(slotStart) {
		t.Fatalf("expected pending booking, got %+v (%v)", pending, err)
	}

	b, err := e.coord.Confirm(ctx, res.HoldID, reservation.Proof{})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if b.Status != model.BookingConfirmed || b.ID != res.BookingID {
		t.Fatalf("unexpected booking %+v", b)
	}
	got := e.slot(t, slot.ID)
	if got.State != model.SlotBooked || got.Confirmed != 1 {
		t.Fatalf("expected booked slot, got %+v", got)
	}
	h, _ := e.coord.GetHold(ctx, res.HoldID)
	if h.Status != model.HoldConfirmed {
		t.Fatalf("expected confirmed hold, got %s", h.Status)
	}

	again, err := e.coord.Confirm(ctx, res.HoldID, reservation.Proof{})
	if err != nil || again.ID != b.ID {
		t.Fatalf("second confirm should return the booking, got %+v (%v)", again, err)
	}
	if v := e.slot(t, slot.ID).Version; v != got.Version {
		t.Fatalf("second confirm must not touch the slot, version %d -> %d", got.Version, v)
	}

	var types []string
	for _, ev := range e.store.Events() {
		types = append(types, ev.EventType)
	}
	if len(types) != 2 || types[0] != outbox.EventHoldCreated || types[1] != outbox.EventBookingConfirmed {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestHoldExpiresAfterOneMinute(t *testing.T) {
	e := newEnv(t, reservation.WithHoldTTL(time.Minute))
	ctx := context.Background()
	slot := e.seed(t, slotStart, 1, 0)

	res, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	e.clock.Advance(59 * time.Second)
	if n, err := e.coord.ExpireDue(ctx, 10); err != nil || n != 0 {
		t.Fatalf("nothing should expire before the TTL, got %d (%v)", n, err)
	}

	e.clock.Advance(time.Second)
	// Past expiry but before the sweep: confirm is refused and nothing changes.
	if _, err := e.coord.Confirm(ctx, res.HoldID, reservation.Proof{}); !errors.Is(err, model.ErrHoldExpired) {
		t.Fatalf("expected ErrHoldExpired, got %v", err)
	}
	if got := e.slot(t, slot.ID); got.State != model.SlotHeld {
		t.Fatalf("refused confirm must not mutate, got %s", got.State)
	}

	n, err := e.coord.ExpireDue(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired hold, got %d (%v)", n, err)
	}
	if got := e.slot(t, slot.ID); got.State != model.SlotFree || got.Occupancy != 0 {
		t.Fatalf("expected free slot after expiry, got %+v", got)
	}
	h, _ := e.coord.GetHold(ctx, res.HoldID)
	b, _ := e.coord.GetBooking(ctx, res.BookingID)
	if h.Status != model.HoldExpired || b.Status != model.BookingCancelled || b.Cancellation.Reason != model.ReasonHoldExpired || b.Cancellation.Actor != model.ActorSystem {
		t.Fatalf("unexpected hold %+v booking %+v", h, b)
	}
	if n, _ := e.coord.ExpireDue(ctx, 10); n != 0 {
		t.Fatalf("second sweep should be a no-op, got %d", n)
	}
	if _, err := e.coord.Confirm(ctx, res.HoldID, reservation.Proof{}); !errors.Is(err, model.ErrHoldExpired) {
		t.Fatalf("expected ErrHoldExpired after sweep, got %v", err)
	}

	// The freed slot can be held again.
	if _, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}}); err != nil {
		t.Fatalf("re-hold: %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slot := e.seed(t, slotStart, 1, 0)
	b := e.confirmed(t, slot)

	e.clock.Set(slotStart.Add(-30 * time.Hour))
	res, err := e.coord.Cancel(ctx, b.ID, "req-1", "changed plans")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.RefundPercent != 50 || res.RefundStatus != model.RefundPending {
		t.Fatalf("expected 50%% pending refund at 30h notice, got %+v", res)
	}
	afterFirst := e.slot(t, slot.ID)
	if afterFirst.State != model.SlotFree {
		t.Fatalf("expected free slot, got %s", afterFirst.State)
	}

	again, err := e.coord.Cancel(ctx, b.ID, "req-1", "changed plans")
	if !errors.Is(err, model.ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
	if again != res {
		t.Fatalf("second cancel should report the recorded result, got %+v want %+v", again, res)
	}
	if got := e.slot(t, slot.ID); got.Version != afterFirst.Version {
		t.Fatalf("second cancel must not release again, version %d -> %d", afterFirst.Version, got.Version)
	}
}

func TestCancelRefundTiers(t *testing.T) {
	tests := []struct {
		name    string
		notice  time.Duration
		percent int
		status  model.RefundStatus
		err     error
	}{
		{"full refund", 72 * time.Hour, 100, model.RefundPending, nil},
		{"exactly 48h", 48 * time.Hour, 100, model.RefundPending, nil},
		{"half refund", 30 * time.Hour, 50, model.RefundPending, nil},
		{"late", 2 * time.Hour, 0, model.RefundNone, nil},
		{"after start", -time.Minute, 0, "", model.ErrCancellationNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			slot := e.seed(t, slotStart, 1, 0)
			b := e.confirmed(t, slot)
			e.clock.Set(slotStart.Add(-tc.notice))

			res, err := e.coord.Cancel(context.Background(), b.ID, "", "")
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				if e.slot(t, slot.ID).State != model.SlotBooked {
					t.Fatal("refused cancel must keep the slot booked")
				}
				return
			}
			if err != nil || res.RefundPercent != tc.percent || res.RefundStatus != tc.status {
				t.Fatalf("expected %d%% %s, got %+v (%v)", tc.percent, tc.status, res, err)
			}
		})
	}
}

func TestCancelPendingBookingIsRefused(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slot := e.seed(t, slotStart, 1, 0)
	res, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := e.coord.Cancel(ctx, res.BookingID, "", ""); !errors.Is(err, model.ErrBookingNotConfirmed) {
		t.Fatalf("expected ErrBookingNotConfirmed, got %v", err)
	}
	if _, err := e.coord.Cancel(ctx, "missing", "", ""); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHoldIdempotencyKey(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slot := e.seed(t, slotStart, 3, 0)

	req := reservation.HoldRequest{SlotIDs: []string{slot.ID}, IdempotencyKey: "checkout-42"}
	first, err := e.coord.Hold(ctx, req)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	second, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}, IdempotencyKey: "checkout-42"})
	if err != nil {
		t.Fatalf("repeat hold: %v", err)
	}
	if first.HoldID != second.HoldID || first.BookingID != second.BookingID {
		t.Fatalf("expected the original hold back, got %+v and %+v", first, second)
	}
	if got := e.slot(t, slot.ID); got.Occupancy != 1 {
		t.Fatalf("repeat hold must not claim capacity, occupancy %d", got.Occupancy)
	}
}

// laggingKeyStore answers the next idempotency lookups as if the first request had not committed yet.
type laggingKeyStore struct {
	*memory.Store
	lag atomic.Int32
}

func (s *laggingKeyStore) GetHoldByIdempotencyKey(ctx context.Context, key string) (model.Hold, error) {
	if s.lag.Add(-1) >= 0 {
		return model.Hold{}, model.ErrHoldNotFound
	}
	return s.Store.GetHoldByIdempotencyKey(ctx, key)
}

func TestHoldIdempotencyKeyOnTakenExclusiveSlot(t *testing.T) {
	var lagging *laggingKeyStore
	e := newEnvWith(t, func(s *memory.Store) reservation.Store {
		lagging = &laggingKeyStore{Store: s}
		return lagging
	})
	ctx := context.Background()
	slot := e.seed(t, slotStart, 1, 0)

	first, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}, IdempotencyKey: "checkout-7"})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	// The retry misses the key up front and then loses the slot to its own earlier request.
	lagging.lag.Store(1)
	second, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}, IdempotencyKey: "checkout-7"})
	if err != nil {
		t.Fatalf("retry with the same key: %v", err)
	}
	if second.HoldID != first.HoldID || second.BookingID != first.BookingID {
		t.Fatalf("expected the original hold back, got %+v and %+v", first, second)
	}

	if _, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}, IdempotencyKey: "checkout-8"}); !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("another key must still lose the slot, got %v", err)
	}
	if got := e.slot(t, slot.ID); got.Occupancy != 1 || got.Version != slot.Version+1 {
		t.Fatalf("retries must not claim capacity, got %+v", got)
	}
}

func TestHoldOnRetiredSlotIsUnavailable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slot := e.seed(t, slotStart, 1, 0)
	if err := e.ledger.Retire(ctx, slot); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}}); !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable for a retired slot, got %v", err)
	}
}

func TestHoldOnBookedSharedSlotKeepsItBooked(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slot := e.seed(t, slotStart, 3, 0)
	e.confirmed(t, slot)

	res, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}, RequesterID: "req-2"})
	if err != nil {
		t.Fatalf("hold on booked slot with room: %v", err)
	}
	got := e.slot(t, slot.ID)
	if got.State != model.SlotBooked || got.Occupancy != 2 || got.Confirmed != 1 || got.Remaining() != 1 {
		t.Fatalf("expected booked slot with 2 occupied and 1 confirmed, got %+v", got)
	}

	if _, err := e.coord.Confirm(ctx, res.HoldID, reservation.Proof{}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := e.slot(t, slot.ID); got.State != model.SlotBooked || got.Occupancy != 2 || got.Confirmed != 2 {
		t.Fatalf("expected two confirmed, got %+v", got)
	}
	if _, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}, Occupancy: 2}); !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("expected party of 2 to exceed the remaining room, got %v", err)
	}
}

func TestGroupHoldIsAllOrNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.seed(t, slotStart, 1, 0)
	b := e.seed(t, slotStart.Add(30*time.Minute), 1, 0)

	if _, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{b.ID}}); err != nil {
		t.Fatalf("hold b: %v", err)
	}
	_, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{a.ID, b.ID}, GroupKey: "double"})
	if !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
	if got := e.slot(t, a.ID); got.State != model.SlotFree || got.Version != a.Version {
		t.Fatalf("first slot must be rolled back, got %+v", got)
	}
	audit, _ := e.ledger.Audit(ctx, a.ID, 10)
	if len(audit) != 0 {
		t.Fatalf("rolled back transition must leave no audit entry, got %d", len(audit))
	}

	c := e.seed(t, slotStart.Add(time.Hour), 1, 0)
	res, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{a.ID, c.ID}, GroupKey: "double"})
	if err != nil {
		t.Fatalf("group hold: %v", err)
	}
	booking, _ := e.coord.GetBooking(ctx, res.BookingID)
	if len(booking.SlotIDs) != 2 || !booking.EndTime.Equal(c.EndTime) {
		t.Fatalf("unexpected group booking %+v", booking)
	}
}

func TestHoldValidatesOccupancy(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slot := e.seed(t, slotStart, 8, 4)

	if _, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}, Occupancy: 5}); !errors.Is(err, model.ErrInvalidOccupancy) {
		t.Fatalf("expected ErrInvalidOccupancy above party limit, got %v", err)
	}
	if _, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}, Occupancy: 4}); err != nil {
		t.Fatalf("party of 4: %v", err)
	}
	if got := e.slot(t, slot.ID); got.Occupancy != 4 {
		t.Fatalf("expected occupancy 4, got %d", got.Occupancy)
	}
	if _, err := e.coord.Hold(ctx, reservation.HoldRequest{}); !errors.Is(err, reservation.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{"nope"}}); !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("expected unknown slot to be unavailable, got %v", err)
	}
}

func TestStorageUnavailableIsRetriedThenSurfaced(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slot := e.seed(t, slotStart, 1, 0)

	e.store.FailNext(2)
	if _, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}}); err != nil {
		t.Fatalf("hold should succeed on the third attempt: %v", err)
	}

	other := e.seed(t, slotStart.Add(time.Hour), 1, 0)
	e.store.SetUnavailable(true)
	_, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{other.ID}})
	e.store.SetUnavailable(false)
	if !errors.Is(err, model.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if got := e.slot(t, other.ID); got.Version != other.Version || got.State != model.SlotFree {
		t.Fatalf("failed unit of work must leave the slot untouched, got %+v", got)
	}
}

func TestReleaseHold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slot := e.seed(t, slotStart, 1, 0)
	res, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	h, err := e.coord.ReleaseHold(ctx, res.HoldID, "req-1")
	if err != nil || h.Status != model.HoldReleased {
		t.Fatalf("release: %+v (%v)", h, err)
	}
	if got := e.slot(t, slot.ID); got.State != model.SlotFree {
		t.Fatalf("expected free slot, got %s", got.State)
	}
	b, _ := e.coord.GetBooking(ctx, res.BookingID)
	if b.Status != model.BookingCancelled || b.Cancellation.Reason != model.ReasonHoldReleased {
		t.Fatalf("unexpected booking %+v", b)
	}

	version := e.slot(t, slot.ID).Version
	if h, err := e.coord.ReleaseHold(ctx, res.HoldID, "req-1"); err != nil || h.Status != model.HoldReleased {
		t.Fatalf("second release should be a no-op: %+v (%v)", h, err)
	}
	if e.slot(t, slot.ID).Version != version {
		t.Fatal("second release must not touch the slot")
	}
	if _, err := e.coord.Confirm(ctx, res.HoldID, reservation.Proof{}); !errors.Is(err, model.ErrHoldExpired) {
		t.Fatalf("expected released hold to be unconfirmable, got %v", err)
	}
}

func TestComplete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slot := e.seed(t, slotStart, 1, 0)
	b := e.confirmed(t, slot)

	if _, err := e.coord.Complete(ctx, b.ID, model.BookingCompleted); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected completion before start to fail, got %v", err)
	}
	e.clock.Set(slotStart.Add(10 * time.Minute))
	done, err := e.coord.Complete(ctx, b.ID, model.BookingNoShow)
	if err != nil || done.Status != model.BookingNoShow {
		t.Fatalf("complete: %+v (%v)", done, err)
	}
	if got := e.slot(t, slot.ID); got.State != model.SlotBooked {
		t.Fatalf("slot must stay booked, got %s", got.State)
	}
	if _, err := e.coord.Cancel(ctx, b.ID, "", ""); !errors.Is(err, model.ErrCancellationNotAllowed) {
		t.Fatalf("expected no-show booking to be uncancellable, got %v", err)
	}
}

type rejectAll struct{}

func (rejectAll) Verify(context.Context, model.Booking, reservation.Proof) error {
	return model.ErrPaymentNotVerified
}

func TestConfirmRequiresVerifiedPayment(t *testing.T) {
	e := newEnv(t, reservation.WithPaymentVerifier(rejectAll{}))
	ctx := context.Background()
	slot := e.seed(t, slotStart, 1, 0)
	res, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := e.coord.Confirm(ctx, res.HoldID, reservation.Proof{Provider: "stripe", Reference: "pi_123"}); !errors.Is(err, model.ErrPaymentNotVerified) {
		t.Fatalf("expected ErrPaymentNotVerified, got %v", err)
	}
	h, _ := e.coord.GetHold(ctx, res.HoldID)
	if h.Status != model.HoldActive || e.slot(t, slot.ID).State != model.SlotHeld {
		t.Fatal("unverified confirm must leave the hold active")
	}
}

func TestSweeperAndConfirmNeverBothWin(t *testing.T) {
	e := newEnv(t, reservation.WithHoldTTL(time.Minute))
	ctx := context.Background()
	slot := e.seed(t, slotStart, 1, 0)
	res, err := e.coord.Hold(ctx, reservation.HoldRequest{SlotIDs: []string{slot.ID}})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	e.clock.Advance(time.Minute)

	var g errgroup.Group
	var confirmErr error
	g.Go(func() error {
		_, confirmErr = e.coord.Confirm(ctx, res.HoldID, reservation.Proof{})
		return nil
	})
	g.Go(func() error {
		_, err := e.coord.ExpireDue(ctx, 10)
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !errors.Is(confirmErr, model.ErrHoldExpired) {
		t.Fatalf("expected ErrHoldExpired, got %v", confirmErr)
	}
	got := e.slot(t, slot.ID)
	if got.State != model.SlotFree || got.Confirmed != 0 {
		t.Fatalf("expected released slot, got %+v", got)
	}
}
