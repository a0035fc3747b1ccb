package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/clock"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

// Ledger is the single mutation path for slot state. Every applied transition bumps the slot
// version and appends an audit entry in the same unit of work.
type Ledger struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

func New(store Store, clk clock.Clock, logger *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, clock: clk, logger: logger}
}

// Transition describes a guarded change of a slot.
//
// For exclusive slots (CapacityMax == 1) the live state must equal From and the resulting state must
// equal To. Shared slots only require room for the delta; their resulting state follows from the
// counters. ExpectedVersion > 0 pins the caller's view of the slot.
type Transition struct {
	SlotID          string
	From            model.SlotState
	To              model.SlotState
	OccupancyDelta  int
	ConfirmedDelta  int
	ExpectedVersion int64
	Actor           string
	Reason          string
}

func (l *Ledger) GetSlot(ctx context.Context, id string) (model.Slot, error) {
	return l.store.GetSlot(ctx, id)
}

func (l *Ledger) ListSlots(ctx context.Context, filter model.SlotFilter) ([]model.Slot, error) {
	return l.store.ListSlots(ctx, filter)
}

// TryTransition applies t atomically or returns model.ErrVersionConflict when another writer got there
// first. Shared slots re-check the room guard after a lost compare-and-set unless the version is pinned;
// each such retry follows a committed transition by someone else.
func (l *Ledger) TryTransition(ctx context.Context, t Transition) (model.Slot, error) {
	var out model.Slot
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		for {
			cur, err := l.store.GetSlot(ctx, t.SlotID)
			if err != nil {
				return err
			}
			if t.ExpectedVersion > 0 && cur.Version != t.ExpectedVersion {
				return model.ErrVersionConflict
			}
			next, err := apply(cur, t)
			if err != nil {
				return err
			}
			next.UpdatedAt = l.clock.Now()
			saved, err := l.store.UpdateSlot(ctx, next, cur.Version)
			if errors.Is(err, model.ErrVersionConflict) && t.ExpectedVersion == 0 && cur.CapacityMax > 1 {
				if err := ctx.Err(); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if err := l.audit(ctx, cur, saved, t.OccupancyDelta, t.ConfirmedDelta, t.Actor, t.Reason); err != nil {
				return err
			}
			out = saved
			return nil
		}
	})
	return out, err
}

// Release returns capacity to a slot. It never conflicts: a lost compare-and-set re-reads and retries.
func (l *Ledger) Release(ctx context.Context, slotID string, occupancyDelta, confirmedDelta int, actor, reason string) (model.Slot, error) {
	if occupancyDelta < 0 || confirmedDelta < 0 || confirmedDelta > occupancyDelta {
		return model.Slot{}, fmt.Errorf("release %d/%d: %w", occupancyDelta, confirmedDelta, model.ErrInvalidOccupancy)
	}
	var out model.Slot
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		for {
			cur, err := l.store.GetSlot(ctx, slotID)
			if err != nil {
				return err
			}
			next := cur
			next.Occupancy -= occupancyDelta
			next.Confirmed -= confirmedDelta
			if next.Occupancy < 0 || next.Confirmed < 0 || next.Confirmed > next.Occupancy {
				return fmt.Errorf("release %d/%d from %d/%d: %w", occupancyDelta, confirmedDelta, cur.Occupancy, cur.Confirmed, model.ErrInvalidOccupancy)
			}
			next.State = model.DeriveState(next.Blocked, next.Occupancy, next.Confirmed)
			next.UpdatedAt = l.clock.Now()

			saved, err := l.store.UpdateSlot(ctx, next, cur.Version)
			if errors.Is(err, model.ErrVersionConflict) {
				if err := ctx.Err(); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if err := l.audit(ctx, cur, saved, -occupancyDelta, -confirmedDelta, actor, reason); err != nil {
				return err
			}
			out = saved
			return nil
		}
	})
	return out, err
}

// Block takes a free slot out of availability.
func (l *Ledger) Block(ctx context.Context, slotID, actor, reason string) (model.Slot, error) {
	return l.TryTransition(ctx, Transition{SlotID: slotID, From: model.SlotFree, To: model.SlotBlocked, Actor: actor, Reason: reason})
}

func (l *Ledger) Unblock(ctx context.Context, slotID, actor, reason string) (model.Slot, error) {
	return l.TryTransition(ctx, Transition{SlotID: slotID, From: model.SlotBlocked, To: model.SlotFree, Actor: actor, Reason: reason})
}

// Materialize stores a new free slot unless it already exists.
func (l *Ledger) Materialize(ctx context.Context, s model.Slot) (bool, error) {
	return l.store.InsertSlot(ctx, l.fresh(s, 1))
}

// Reshape swaps a free slot for want (same id, new end or capacities) in one unit of work, so no
// reader ever sees the slot missing. The version keeps counting from have.
func (l *Ledger) Reshape(ctx context.Context, have, want model.Slot) (model.Slot, error) {
	if have.ID != want.ID {
		return model.Slot{}, fmt.Errorf("reshape %s into %s: %w", have.ID, want.ID, model.ErrInvalidTransition)
	}
	var out model.Slot
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		if err := l.Retire(ctx, have); err != nil {
			return err
		}
		next := l.fresh(want, have.Version+1)
		if _, err := l.store.InsertSlot(ctx, next); err != nil {
			return err
		}
		if err := l.audit(ctx, have, next, 0, 0, model.ActorSystem, "reshape"); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (l *Ledger) fresh(s model.Slot, version int64) model.Slot {
	if s.CapacityMax < 1 {
		s.CapacityMax = 1
	}
	s.Occupancy, s.Confirmed, s.Blocked = 0, 0, false
	s.State = model.SlotFree
	s.Version = version
	s.StartTime, s.EndTime = s.StartTime.UTC(), s.EndTime.UTC()
	s.UpdatedAt = l.clock.Now()
	return s
}

// Retire deletes a slot that is free and unoccupied at the given version. Occupied slots are never retired.
func (l *Ledger) Retire(ctx context.Context, s model.Slot) error {
	if s.Occupancy != 0 || s.Blocked {
		return fmt.Errorf("retire slot %s in state %s: %w", s.ID, s.State, model.ErrInvalidTransition)
	}
	return l.store.DeleteSlot(ctx, s.ID, s.Version)
}

func (l *Ledger) Audit(ctx context.Context, slotID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListAudit(ctx, slotID, limit)
}

func (l *Ledger) audit(ctx context.Context, from, to model.Slot, occDelta, confDelta int, actor, reason string) error {
	if actor == "" {
		actor = model.ActorSystem
	}
	entry := model.AuditEntry{
		SlotID:         to.ID,
		FromState:      from.State,
		ToState:        to.State,
		OccupancyDelta: occDelta,
		ConfirmedDelta: confDelta,
		Version:        to.Version,
		Actor:          actor,
		Reason:         reason,
		At:             l.clock.Now(),
	}
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	l.logger.DebugContext(ctx, "slot transition",
		"slot_id", to.ID,
		"from", from.State,
		"to", to.State,
		"version", to.Version,
		"actor", actor,
	)
	return nil
}

func apply(cur model.Slot, t Transition) (model.Slot, error) {
	exclusive := cur.CapacityMax <= 1
	blockChange := t.From == model.SlotBlocked || t.To == model.SlotBlocked

	if exclusive || blockChange {
		if cur.State != t.From {
			return model.Slot{}, model.ErrVersionConflict
		}
	} else if cur.Blocked {
		return model.Slot{}, model.ErrSlotUnavailable
	}

	next := cur
	next.Occupancy += t.OccupancyDelta
	next.Confirmed += t.ConfirmedDelta
	switch {
	case t.To == model.SlotBlocked:
		next.Blocked = true
	case t.From == model.SlotBlocked:
		next.Blocked = false
	}

	if next.Occupancy > next.CapacityMax {
		return model.Slot{}, model.ErrSlotUnavailable
	}
	if !next.Valid() {
		if next.Blocked && next.Occupancy > 0 {
			return model.Slot{}, model.ErrSlotUnavailable
		}
		return model.Slot{}, fmt.Errorf("slot %s occupancy %d confirmed %d: %w", cur.ID, next.Occupancy, next.Confirmed, model.ErrInvalidOccupancy)
	}

	next.State = model.DeriveState(next.Blocked, next.Occupancy, next.Confirmed)
	if (exclusive || blockChange) && t.To != "" && next.State != t.To {
		return model.Slot{}, fmt.Errorf("%s -> %s yields %s: %w", t.From, t.To, next.State, model.ErrInvalidTransition)
	}
	return next, nil
}
