package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/bizconfig"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

type GenerateResult struct {
	Created int
	Updated int
	Retired int
	Kept    int
}

// Generate materializes the slots the configuration produces in [from, to) and retires future free
// slots it no longer produces. Occupied or blocked slots are never touched, so a configuration change
// can leave existing bookings outside the new working hours.
func (c *Calculator) Generate(ctx context.Context, businessID string, from, to time.Time) (GenerateResult, error) {
	var res GenerateResult
	if !to.After(from) || to.Sub(from) > MaxRange {
		return res, fmt.Errorf("range %s..%s: %w", from.Format(time.RFC3339), to.Format(time.RFC3339), ErrInvalidQuery)
	}
	sched, err := c.config.Schedule(ctx, businessID)
	if err != nil {
		return res, err
	}
	now := c.clock.Now()
	if from.Before(now) {
		from = now
	}
	if !to.After(from) {
		return res, nil
	}

	desired := c.plan(sched, from, to, now)

	existing, err := c.ledger.ListSlots(ctx, model.SlotFilter{BusinessID: businessID, From: from, To: to})
	if err != nil {
		return res, err
	}
	current := make(map[string]model.Slot, len(existing))
	for _, s := range existing {
		current[s.ID] = s
	}

	for _, want := range desired {
		have, ok := current[want.ID]
		switch {
		case !ok:
			created, err := c.ledger.Materialize(ctx, want)
			if err != nil {
				return res, err
			}
			if created {
				res.Created++
			} else {
				res.Kept++
			}
		case sameShape(have, want) || have.Occupancy > 0 || have.Blocked:
			res.Kept++
		default:
			if _, err := c.ledger.Reshape(ctx, have, want); err != nil {
				if errors.Is(err, model.ErrVersionConflict) {
					res.Kept++
					continue
				}
				return res, err
			}
			res.Updated++
		}
	}

	for _, s := range existing {
		if _, ok := desired[s.ID]; ok || s.StartTime.Before(from) || s.Occupancy > 0 || s.Blocked {
			continue
		}
		if err := c.ledger.Retire(ctx, s); err != nil {
			if errors.Is(err, model.ErrVersionConflict) {
				continue
			}
			return res, err
		}
		res.Retired++
	}

	c.logger.InfoContext(ctx, "slots generated",
		"business_id", businessID,
		"created", res.Created,
		"updated", res.Updated,
		"retired", res.Retired,
		"kept", res.Kept,
	)
	return res, nil
}

func (c *Calculator) plan(sched bizconfig.Schedule, from, to, now time.Time) map[string]model.Slot {
	out := map[string]model.Slot{}
	for day := range localDays(from, to, sched.Location) {
		for _, r := range sched.Resources {
			for _, sid := range r.ServiceIDs {
				svc := sched.Services[sid]
				for _, w := range Windows(sched, r, svc, day) {
					for _, start := range AvailableSlots(w.Start, w.End, svc.Duration, svc.Step(), nil, now) {
						if start.Before(from) || !start.Before(to) {
							continue
						}
						id := model.SlotID(sched.BusinessID, r.ID, svc.ID, start)
						out[id] = model.Slot{
							ID:          id,
							BusinessID:  sched.BusinessID,
							ResourceID:  r.ID,
							ServiceID:   svc.ID,
							StartTime:   start,
							EndTime:     start.Add(svc.Duration),
							CapacityMin: svc.MinOccupancy,
							CapacityMax: svc.Capacity(),
							PartyMax:    svc.GroupMaxSize,
						}
					}
				}
			}
		}
	}
	return out
}

func sameShape(a, b model.Slot) bool {
	return a.EndTime.Equal(b.EndTime) &&
		a.CapacityMin == b.CapacityMin &&
		a.CapacityMax == b.CapacityMax &&
		a.PartyMax == b.PartyMax
}
