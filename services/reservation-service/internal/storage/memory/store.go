// Package memory is an in-process store with the same unit-of-work and compare-and-set semantics as
// the Postgres store. Units of work are serialized by one mutex and rolled back from an undo log.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/outbox"
)

type Store struct {
	mu sync.Mutex

	slots      map[string]model.Slot
	audit      []model.AuditEntry
	bookings   map[string]model.Booking
	holds      map[string]model.Hold
	holdKeys   map[string]string
	events     []outbox.Event
	bookingSeq int64
	auditSeq   int64

	failNext   int
	failAlways bool
}

func New() *Store {
	return &Store{
		slots:    map[string]model.Slot{},
		bookings: map[string]model.Booking{},
		holds:    map[string]model.Hold{},
		holdKeys: map[string]string{},
	}
}

type txKey struct{}

type unitOfWork struct {
	undo []func()
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*unitOfWork); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uow := &unitOfWork{}
	if err := fn(context.WithValue(ctx, txKey{}, uow)); err != nil {
		for i := len(uow.undo) - 1; i >= 0; i-- {
			uow.undo[i]()
		}
		return err
	}
	return nil
}

// FailNext makes the next n operations fail with model.ErrStorageUnavailable.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SetUnavailable makes every operation fail until reset.
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAlways = down
}

// Events returns a copy of the enqueued outbox events.
func (s *Store) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// enter locks the store unless ctx already carries a unit of work, and checks injected failures.
func (s *Store) enter(ctx context.Context) (*unitOfWork, func(), error) {
	uow, ok := ctx.Value(txKey{}).(*unitOfWork)
	unlock := func() {}
	if !ok {
		s.mu.Lock()
		unlock = s.mu.Unlock
	}
	if s.failAlways {
		unlock()
		return nil, nil, model.ErrStorageUnavailable
	}
	if s.failNext > 0 {
		s.failNext--
		unlock()
		return nil, nil, model.ErrStorageUnavailable
	}
	return uow, unlock, nil
}

func (u *unitOfWork) onRollback(fn func()) {
	if u != nil {
		u.undo = append(u.undo, fn)
	}
}

func (s *Store) GetSlot(ctx context.Context, id string) (model.Slot, error) {
	_, unlock, err := s.enter(ctx)
	if err != nil {
		return model.Slot{}, err
	}
	defer unlock()
	slot, ok := s.slots[id]
	if !ok {
		return model.Slot{}, model.ErrSlotNotFound
	}
	return slot, nil
}

func (s *Store) ListSlots(ctx context.Context, f model.SlotFilter) ([]model.Slot, error) {
	_, unlock, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []model.Slot
	for _, slot := range s.slots {
		if f.BusinessID != "" && slot.BusinessID != f.BusinessID {
			continue
		}
		if f.ResourceID != "" && slot.ResourceID != f.ResourceID {
			continue
		}
		if f.ServiceID != "" && slot.ServiceID != f.ServiceID {
			continue
		}
		if !f.To.IsZero() && !slot.StartTime.Before(f.To) {
			continue
		}
		if !f.From.IsZero() && !slot.EndTime.After(f.From) {
			continue
		}
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) InsertSlot(ctx context.Context, slot model.Slot) (bool, error) {
	uow, unlock, err := s.enter(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	if _, ok := s.slots[slot.ID]; ok {
		return false, nil
	}
	s.slots[slot.ID] = slot
	uow.onRollback(func() { delete(s.slots, slot.ID) })
	return true, nil
}

func (s *Store) UpdateSlot(ctx context.Context, slot model.Slot, expectedVersion int64) (model.Slot, error) {
	uow, unlock, err := s.enter(ctx)
	if err != nil {
		return model.Slot{}, err
	}
	defer unlock()
	prev, ok := s.slots[slot.ID]
	if !ok {
		return model.Slot{}, model.ErrSlotNotFound
	}
	if prev.Version != expectedVersion {
		return model.Slot{}, model.ErrVersionConflict
	}
	slot.Version = expectedVersion + 1
	s.slots[slot.ID] = slot
	uow.onRollback(func() { s.slots[slot.ID] = prev })
	return slot, nil
}

func (s *Store) DeleteSlot(ctx context.Context, id string, expectedVersion int64) error {
	uow, unlock, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	prev, ok := s.slots[id]
	if !ok {
		return model.ErrSlotNotFound
	}
	if prev.Version != expectedVersion {
		return model.ErrVersionConflict
	}
	delete(s.slots, id)
	uow.onRollback(func() { s.slots[id] = prev })
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	uow, unlock, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	s.auditSeq++
	e.ID = s.auditSeq
	n := len(s.audit)
	s.audit = append(s.audit, e)
	uow.onRollback(func() {
		s.audit = s.audit[:n]
		s.auditSeq--
	})
	return nil
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(ctx context.Context, slotID string, limit int) ([]model.AuditEntry, error) {
	_, unlock, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []model.AuditEntry
	for i := len(s.audit) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.audit[i].SlotID == slotID {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

func (s *Store) NextBookingNumber(ctx context.Context) (int64, error) {
	_, unlock, err := s.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	// Like a database sequence, numbers are not handed back on rollback.
	s.bookingSeq++
	return s.bookingSeq, nil
}

func (s *Store) InsertBooking(ctx context.Context, b model.Booking) error {
	uow, unlock, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return model.ErrDuplicate
	}
	s.bookings[b.ID] = cloneBooking(b)
	uow.onRollback(func() { delete(s.bookings, b.ID) })
	return nil
}

func (s *Store) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	_, unlock, err := s.enter(ctx)
	if err != nil {
		return model.Booking{}, err
	}
	defer unlock()
	b, ok := s.bookings[id]
	if !ok {
		return model.Booking{}, model.ErrBookingNotFound
	}
	return cloneBooking(b), nil
}

func (s *Store) LockBooking(ctx context.Context, id string) (model.Booking, error) {
	return s.GetBooking(ctx, id)
}

func (s *Store) UpdateBooking(ctx context.Context, b model.Booking) error {
	uow, unlock, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	prev, ok := s.bookings[b.ID]
	if !ok {
		return model.ErrBookingNotFound
	}
	s.bookings[b.ID] = cloneBooking(b)
	uow.onRollback(func() { s.bookings[b.ID] = prev })
	return nil
}

func (s *Store) ListBookings(ctx context.Context, f model.BookingFilter) ([]model.Booking, error) {
	_, unlock, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []model.Booking
	for _, b := range s.bookings {
		if f.BusinessID != "" && b.BusinessID != f.BusinessID {
			continue
		}
		if f.RequesterID != "" && b.RequesterID != f.RequesterID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && b.StartTime.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !b.StartTime.Before(f.To) {
			continue
		}
		out = append(out, cloneBooking(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].Number < out[j].Number
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) InsertHold(ctx context.Context, h model.Hold) error {
	uow, unlock, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := s.holds[h.ID]; ok {
		return model.ErrDuplicate
	}
	key := strings.TrimSpace(h.IdempotencyKey)
	if key != "" {
		if _, ok := s.holdKeys[key]; ok {
			return model.ErrDuplicate
		}
		s.holdKeys[key] = h.ID
	}
	s.holds[h.ID] = cloneHold(h)
	uow.onRollback(func() {
		delete(s.holds, h.ID)
		if key != "" {
			delete(s.holdKeys, key)
		}
	})
	return nil
}

func (s *Store) GetHold(ctx context.Context, id string) (model.Hold, error) {
	_, unlock, err := s.enter(ctx)
	if err != nil {
		return model.Hold{}, err
	}
	defer unlock()
	h, ok := s.holds[id]
	if !ok {
		return model.Hold{}, model.ErrHoldNotFound
	}
	return cloneHold(h), nil
}

func (s *Store) LockHold(ctx context.Context, id string) (model.Hold, error) {
	return s.GetHold(ctx, id)
}

func (s *Store) GetHoldByIdempotencyKey(ctx context.Context, key string) (model.Hold, error) {
	_, unlock, err := s.enter(ctx)
	if err != nil {
		return model.Hold{}, err
	}
	defer unlock()
	id, ok := s.holdKeys[strings.TrimSpace(key)]
	if !ok {
		return model.Hold{}, model.ErrHoldNotFound
	}
	return cloneHold(s.holds[id]), nil
}

func (s *Store) UpdateHold(ctx context.Context, h model.Hold) error {
	uow, unlock, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	prev, ok := s.holds[h.ID]
	if !ok {
		return model.ErrHoldNotFound
	}
	s.holds[h.ID] = cloneHold(h)
	uow.onRollback(func() { s.holds[h.ID] = prev })
	return nil
}

func (s *Store) ClaimExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.Hold, error) {
	_, unlock, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []model.Hold
	for _, h := range s.holds {
		if h.Status == model.HoldActive && h.ExpiredAt(now) {
			out = append(out, cloneHold(h))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) EnqueueEvent(ctx context.Context, e outbox.Event) error {
	uow, unlock, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	n := len(s.events)
	s.events = append(s.events, e)
	uow.onRollback(func() { s.events = s.events[:n] })
	return nil
}

func cloneBooking(b model.Booking) model.Booking {
	b.SlotIDs = slices.Clone(b.SlotIDs)
	if b.Cancellation != nil {
		c := *b.Cancellation
		b.Cancellation = &c
	}
	return b
}

func cloneHold(h model.Hold) model.Hold {
	h.SlotIDs = slices.Clone(h.SlotIDs)
	return h
}
