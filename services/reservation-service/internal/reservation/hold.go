package reservation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/ledger"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/outbox"
)

// HoldRequest claims Occupancy units on every slot in SlotIDs. Several slots form one group booking and
// are claimed all-or-nothing.
type HoldRequest struct {
	SlotIDs        []string
	RequesterID    string
	Occupancy      int
	GroupKey       string
	IdempotencyKey string
}

type HoldResult struct {
	HoldID        string
	BookingID     string
	BookingNumber int64
	SlotIDs       []string
	ExpiresAt     time.Time
}

var ErrInvalidRequest = errors.New("invalid request")

// Hold reserves capacity for the hold TTL and creates a pending booking. A lost race on any slot is
// reported as model.ErrSlotUnavailable and is not retried. Repeating an idempotency key returns the
// original hold.
func (c *Coordinator) Hold(ctx context.Context, req HoldRequest) (res HoldResult, err error) {
	ctx, span := c.startSpan(ctx, "Hold", attribute.Int("slot.count", len(req.SlotIDs)))
	defer func() { endSpan(span, err) }()

	if err := normalizeHold(&req); err != nil {
		return HoldResult{}, err
	}
	if req.IdempotencyKey != "" {
		if prev, ok, err := c.holdByKey(ctx, req.IdempotencyKey); err != nil || ok {
			return prev, err
		}
	}

	err = c.run(ctx, "hold", func(ctx context.Context) error {
		var err error
		res, err = c.hold(ctx, req)
		return err
	})
	if req.IdempotencyKey != "" && (errors.Is(err, model.ErrDuplicate) || errors.Is(err, model.ErrSlotUnavailable)) {
		// A concurrent request with the same key may have taken the slot or the key first.
		prev, ok, lookupErr := c.holdByKey(ctx, req.IdempotencyKey)
		if lookupErr != nil {
			return HoldResult{}, lookupErr
		}
		if ok {
			return prev, nil
		}
	}
	if err != nil {
		return HoldResult{}, err
	}
	c.logger.InfoContext(ctx, "hold created",
		"hold_id", res.HoldID,
		"booking_id", res.BookingID,
		"slots", len(res.SlotIDs),
		"occupancy", req.Occupancy,
		"expires_at", res.ExpiresAt,
	)
	return res, nil
}

func normalizeHold(req *HoldRequest) error {
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.Occupancy == 0 {
		req.Occupancy = 1
	}
	if req.Occupancy < 0 {
		return fmt.Errorf("occupancy %d: %w", req.Occupancy, model.ErrInvalidOccupancy)
	}
	if len(req.SlotIDs) == 0 {
		return fmt.Errorf("slot_ids required: %w", ErrInvalidRequest)
	}
	seen := map[string]bool{}
	for i, id := range req.SlotIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			return fmt.Errorf("slot id %q empty or repeated: %w", id, ErrInvalidRequest)
		}
		seen[id] = true
		req.SlotIDs[i] = id
	}
	return nil
}

func (c *Coordinator) hold(ctx context.Context, req HoldRequest) (HoldResult, error) {
	now := c.clock.Now()

	slots := make([]model.Slot, 0, len(req.SlotIDs))
	for _, id := range req.SlotIDs {
		s, err := c.ledger.GetSlot(ctx, id)
		if errors.Is(err, model.ErrSlotNotFound) {
			// Retired by regeneration or never offered: either way the caller has to re-query.
			return HoldResult{}, fmt.Errorf("slot %s no longer exists: %w", id, model.ErrSlotUnavailable)
		}
		if err != nil {
			return HoldResult{}, err
		}
		slots = append(slots, s)
	}
	if err := checkGroup(slots, req.Occupancy, now); err != nil {
		return HoldResult{}, err
	}

	for _, s := range slots {
		_, err := c.ledger.TryTransition(ctx, ledger.Transition{
			SlotID:         s.ID,
			From:           model.SlotFree,
			To:             model.SlotHeld,
			OccupancyDelta: req.Occupancy,
			Actor:          actorOr(req.RequesterID),
			Reason:         "hold",
		})
		if errors.Is(err, model.ErrVersionConflict) || errors.Is(err, model.ErrInvalidTransition) {
			return HoldResult{}, fmt.Errorf("slot %s: %w", s.ID, model.ErrSlotUnavailable)
		}
		if err != nil {
			return HoldResult{}, fmt.Errorf("slot %s: %w", s.ID, err)
		}
	}

	number, err := c.store.NextBookingNumber(ctx)
	if err != nil {
		return HoldResult{}, err
	}
	first, last := slots[0], slots[len(slots)-1]
	holdID, bookingID := uuid.NewString(), uuid.NewString()
	booking := model.Booking{
		ID:          bookingID,
		BusinessID:  first.BusinessID,
		ResourceID:  first.ResourceID,
		ServiceID:   first.ServiceID,
		StartTime:   first.StartTime,
		EndTime:     last.EndTime,
		SlotIDs:     slices.Clone(req.SlotIDs),
		GroupKey:    req.GroupKey,
		RequesterID: req.RequesterID,
		Occupancy:   req.Occupancy,
		Number:      number,
		Status:      model.BookingPending,
		HoldID:      holdID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	hold := model.Hold{
		ID:             holdID,
		BookingID:      bookingID,
		SlotIDs:        slices.Clone(req.SlotIDs),
		Occupancy:      req.Occupancy,
		RequesterID:    req.RequesterID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         model.HoldActive,
		ExpiresAt:      now.Add(c.holdTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.InsertHold(ctx, hold); err != nil {
		return HoldResult{}, err
	}
	if err := c.store.InsertBooking(ctx, booking); err != nil {
		return HoldResult{}, err
	}
	if err := c.emit(ctx, "hold", hold.ID, outbox.EventHoldCreated, now, map[string]any{
		"hold_id":        hold.ID,
		"booking_id":     booking.ID,
		"booking_number": booking.Number,
		"business_id":    booking.BusinessID,
		"slot_ids":       hold.SlotIDs,
		"occupancy":      hold.Occupancy,
		"expires_at":     hold.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		return HoldResult{}, err
	}
	return resultOf(hold, booking), nil
}

// checkGroup requires the slots to be one resource and service, in time order, in the future and sized
// for the requested occupancy.
func checkGroup(slots []model.Slot, occupancy int, now time.Time) error {
	for i, s := range slots {
		if occupancy < s.MinParty() || occupancy > s.MaxParty() {
			return fmt.Errorf("occupancy %d outside [%d,%d] for slot %s: %w", occupancy, s.MinParty(), s.MaxParty(), s.ID, model.ErrInvalidOccupancy)
		}
		if !s.StartTime.After(now) {
			return fmt.Errorf("slot %s already started: %w", s.ID, model.ErrSlotUnavailable)
		}
		if i == 0 {
			continue
		}
		prev := slots[i-1]
		if s.BusinessID != prev.BusinessID || s.ResourceID != prev.ResourceID || s.ServiceID != prev.ServiceID {
			return fmt.Errorf("group slots must share business, resource and service: %w", ErrInvalidRequest)
		}
		if !s.StartTime.After(prev.StartTime) {
			return fmt.Errorf("group slots must be in start order: %w", ErrInvalidRequest)
		}
	}
	return nil
}

func (c *Coordinator) holdByKey(ctx context.Context, key string) (HoldResult, bool, error) {
	var (
		res   HoldResult
		found bool
	)
	err := c.run(ctx, "hold_by_key", func(ctx context.Context) error {
		h, err := c.store.GetHoldByIdempotencyKey(ctx, key)
		if errors.Is(err, model.ErrNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		b, err := c.store.GetBooking(ctx, h.BookingID)
		if err != nil {
			return err
		}
		res, found = resultOf(h, b), true
		return nil
	})
	return res, found, err
}

func resultOf(h model.Hold, b model.Booking) HoldResult {
	return HoldResult{
		HoldID:        h.ID,
		BookingID:     b.ID,
		BookingNumber: b.Number,
		SlotIDs:       slices.Clone(h.SlotIDs),
		ExpiresAt:     h.ExpiresAt,
	}
}

// Confirm turns an active hold into a confirmed booking after the payment proof checks out. An expired
// hold is refused without changing anything; confirming twice returns the booking again.
func (c *Coordinator) Confirm(ctx context.Context, holdID string, proof Proof) (booking model.Booking, err error) {
	ctx, span := c.startSpan(ctx, "Confirm", attribute.String("hold.id", holdID))
	defer func() { endSpan(span, err) }()

	var h model.Hold
	err = c.run(ctx, "confirm_lookup", func(ctx context.Context) error {
		var err error
		if h, err = c.store.GetHold(ctx, holdID); err != nil {
			return err
		}
		booking, err = c.store.GetBooking(ctx, h.BookingID)
		return err
	})
	if err != nil {
		return model.Booking{}, err
	}
	if h.Status == model.HoldConfirmed {
		return booking, nil
	}
	if h.Status != model.HoldActive || h.ExpiredAt(c.clock.Now()) {
		return model.Booking{}, fmt.Errorf("hold %s: %w", holdID, model.ErrHoldExpired)
	}

	// Verified outside the unit of work so a slow provider never holds row locks.
	if err := c.verifier.Verify(ctx, booking, proof); err != nil {
		return model.Booking{}, err
	}

	err = c.run(ctx, "confirm", func(ctx context.Context) error {
		var err error
		booking, err = c.confirm(ctx, holdID)
		return err
	})
	if err != nil {
		return model.Booking{}, err
	}
	c.logger.InfoContext(ctx, "booking confirmed", "booking_id", booking.ID, "hold_id", holdID, "number", booking.Number)
	return booking, nil
}

func (c *Coordinator) confirm(ctx context.Context, holdID string) (model.Booking, error) {
	now := c.clock.Now()
	h, err := c.store.LockHold(ctx, holdID)
	if err != nil {
		return model.Booking{}, err
	}
	b, err := c.store.LockBooking(ctx, h.BookingID)
	if err != nil {
		return model.Booking{}, err
	}
	if h.Status == model.HoldConfirmed {
		return b, nil
	}
	if h.Status != model.HoldActive || h.ExpiredAt(now) {
		return model.Booking{}, fmt.Errorf("hold %s: %w", holdID, model.ErrHoldExpired)
	}

	for _, id := range h.SlotIDs {
		if _, err := c.ledger.TryTransition(ctx, ledger.Transition{
			SlotID:         id,
			From:           model.SlotHeld,
			To:             model.SlotBooked,
			ConfirmedDelta: h.Occupancy,
			Actor:          actorOr(h.RequesterID),
			Reason:         "confirm",
		}); err != nil {
			return model.Booking{}, fmt.Errorf("confirm slot %s: %w", id, err)
		}
	}

	h.Status, h.UpdatedAt = model.HoldConfirmed, now
	if err := c.store.UpdateHold(ctx, h); err != nil {
		return model.Booking{}, err
	}
	b.Status, b.UpdatedAt = model.BookingConfirmed, now
	if err := c.store.UpdateBooking(ctx, b); err != nil {
		return model.Booking{}, err
	}
	if err := c.emit(ctx, "booking", b.ID, outbox.EventBookingConfirmed, now, bookingPayload(b)); err != nil {
		return model.Booking{}, err
	}
	return b, nil
}

// ReleaseHold gives up an active hold before it expires. Releasing a hold that is no longer active
// changes nothing and returns its current state.
func (c *Coordinator) ReleaseHold(ctx context.Context, holdID, actor string) (hold model.Hold, err error) {
	ctx, span := c.startSpan(ctx, "ReleaseHold", attribute.String("hold.id", holdID))
	defer func() { endSpan(span, err) }()

	err = c.run(ctx, "release_hold", func(ctx context.Context) error {
		h, err := c.store.LockHold(ctx, holdID)
		if err != nil {
			return err
		}
		if h.Status == model.HoldActive {
			h, err = c.endHold(ctx, h, model.HoldReleased, actorOr(actor), model.ReasonHoldReleased, outbox.EventHoldReleased)
			if err != nil {
				return err
			}
		}
		hold = h
		return nil
	})
	return hold, err
}

// ExpireDue releases up to limit active holds whose expiry has passed and reports how many it ended.
// Concurrent sweepers skip each other's rows, so running it from several instances is safe.
func (c *Coordinator) ExpireDue(ctx context.Context, limit int) (n int, err error) {
	ctx, span := c.startSpan(ctx, "ExpireDue")
	defer func() { endSpan(span, err) }()
	if limit <= 0 {
		limit = 100
	}

	err = c.run(ctx, "expire_due", func(ctx context.Context) error {
		n = 0
		holds, err := c.store.ClaimExpiredHolds(ctx, c.clock.Now(), limit)
		if err != nil {
			return err
		}
		for _, h := range holds {
			if _, err := c.endHold(ctx, h, model.HoldExpired, model.ActorSystem, model.ReasonHoldExpired, outbox.EventHoldExpired); err != nil {
				return fmt.Errorf("expire hold %s: %w", h.ID, err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.InfoContext(ctx, "holds expired", "count", n)
	}
	return n, nil
}

// endHold returns the held capacity and cancels the pending booking.
func (c *Coordinator) endHold(ctx context.Context, h model.Hold, status model.HoldStatus, actor, reason, eventType string) (model.Hold, error) {
	now := c.clock.Now()
	for _, id := range h.SlotIDs {
		if _, err := c.ledger.Release(ctx, id, h.Occupancy, 0, actor, reason); err != nil {
			return model.Hold{}, fmt.Errorf("release slot %s: %w", id, err)
		}
	}
	h.Status, h.UpdatedAt = status, now
	if err := c.store.UpdateHold(ctx, h); err != nil {
		return model.Hold{}, err
	}

	b, err := c.store.LockBooking(ctx, h.BookingID)
	if err != nil {
		return model.Hold{}, err
	}
	if b.Status == model.BookingPending {
		b.Status, b.UpdatedAt = model.BookingCancelled, now
		b.Cancellation = &model.Cancellation{
			Reason:       reason,
			Actor:        actor,
			RefundStatus: model.RefundNone,
			CancelledAt:  now,
		}
		if err := c.store.UpdateBooking(ctx, b); err != nil {
			return model.Hold{}, err
		}
	}
	if err := c.emit(ctx, "hold", h.ID, eventType, now, map[string]any{
		"hold_id":     h.ID,
		"booking_id":  h.BookingID,
		"business_id": b.BusinessID,
		"slot_ids":    h.SlotIDs,
		"reason":      reason,
	}); err != nil {
		return model.Hold{}, err
	}
	return h, nil
}

func (c *Coordinator) emit(ctx context.Context, aggType, aggID, eventType string, now time.Time, payload map[string]any) error {
	evt, err := outbox.NewEvent(aggType, aggID, eventType, payload, now)
	if err != nil {
		return err
	}
	return c.store.EnqueueEvent(ctx, evt)
}

func bookingPayload(b model.Booking) map[string]any {
	p := map[string]any{
		"booking_id":     b.ID,
		"booking_number": b.Number,
		"business_id":    b.BusinessID,
		"resource_id":    b.ResourceID,
		"service_id":     b.ServiceID,
		"requester_id":   b.RequesterID,
		"slot_ids":       b.SlotIDs,
		"occupancy":      b.Occupancy,
		"start_time":     b.StartTime.Format(time.RFC3339),
		"end_time":       b.EndTime.Format(time.RFC3339),
		"status":         string(b.Status),
	}
	if b.Cancellation != nil {
		p["reason"] = b.Cancellation.Reason
		p["refund_percent"] = b.Cancellation.RefundPercent
		p["refund_status"] = string(b.Cancellation.RefundStatus)
	}
	return p
}

func actorOr(actor string) string {
	if actor == "" {
		return model.ActorSystem
	}
	return actor
}
