// Package availability computes bookable start times from business configuration joined with live
// slot occupancy. It never mutates slot state except through Generate.
package availability

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/bizconfig"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/clock"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/ledger"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

// MaxRange bounds a single query or generation run.
const MaxRange = 62 * 24 * time.Hour

var ErrInvalidQuery = errors.New("invalid availability query")

// ScheduleProvider is satisfied by *bizconfig.Provider.
type ScheduleProvider interface {
	Schedule(ctx context.Context, businessID string) (bizconfig.Schedule, error)
}

type Calculator struct {
	config ScheduleProvider
	ledger *ledger.Ledger
	clock  clock.Clock
	logger *slog.Logger
}

func NewCalculator(config ScheduleProvider, l *ledger.Ledger, clk clock.Clock, logger *slog.Logger) *Calculator {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{config: config, ledger: l, clock: clk, logger: logger}
}

// Query selects candidate starts in [From, To). ResourceID is optional; Occupancy defaults to 1.
type Query struct {
	BusinessID string
	ServiceID  string
	ResourceID string
	From       time.Time
	To         time.Time
	Occupancy  int
}

type Candidate struct {
	SlotID     string
	BusinessID string
	ResourceID string
	ServiceID  string
	Start      time.Time
	End        time.Time
	Capacity   int
	Remaining  int
}

// Query validates q and loads the business configuration, then returns a lazy sequence of candidates
// ordered by (start, resource). Each range over the sequence recomputes from the current ledger, one
// local day at a time. A ledger error is yielded once and ends the sequence.
func (c *Calculator) Query(ctx context.Context, q Query) (iter.Seq2[Candidate, error], error) {
	if q.BusinessID == "" || q.ServiceID == "" {
		return nil, fmt.Errorf("business_id and service_id are required: %w", ErrInvalidQuery)
	}
	if !q.To.After(q.From) || q.To.Sub(q.From) > MaxRange {
		return nil, fmt.Errorf("range %s..%s: %w", q.From.Format(time.RFC3339), q.To.Format(time.RFC3339), ErrInvalidQuery)
	}
	if q.Occupancy <= 0 {
		q.Occupancy = 1
	}

	sched, err := c.config.Schedule(ctx, q.BusinessID)
	if err != nil {
		return nil, err
	}
	svc, ok := sched.Services[q.ServiceID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", q.ServiceID, model.ErrServiceNotFound)
	}
	resources := offering(sched, q.ServiceID, q.ResourceID)
	if q.ResourceID != "" && len(resources) == 0 {
		return nil, fmt.Errorf("resource %s does not offer %s: %w", q.ResourceID, q.ServiceID, model.ErrNotFound)
	}

	return func(yield func(Candidate, error) bool) {
		now := c.clock.Now()
		for day := range localDays(q.From, q.To, sched.Location) {
			if ctx.Err() != nil {
				yield(Candidate{}, ctx.Err())
				return
			}
			out, err := c.dayCandidates(ctx, sched, svc, resources, day, q, now)
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			for _, cand := range out {
				if !yield(cand, nil) {
					return
				}
			}
		}
	}, nil
}

// Collect drains a candidate sequence.
func Collect(seq iter.Seq2[Candidate, error]) ([]Candidate, error) {
	var out []Candidate
	for cand, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, cand)
	}
	return out, nil
}

func (c *Calculator) dayCandidates(ctx context.Context, sched bizconfig.Schedule, svc bizconfig.Service, resources []bizconfig.Resource, day time.Time, q Query, now time.Time) ([]Candidate, error) {
	if sched.IsHoliday(day) {
		return nil, nil
	}
	dayStart := day.UTC()
	dayEnd := day.AddDate(0, 0, 1).UTC()

	// Buffers of neighbouring bookings can reach across midnight.
	slots, err := c.ledger.ListSlots(ctx, model.SlotFilter{
		BusinessID: sched.BusinessID,
		From:       dayStart.Add(-maxBuffer(sched)),
		To:         dayEnd.Add(maxBuffer(sched)),
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Slot, len(slots))
	for _, s := range slots {
		byID[s.ID] = s
	}

	var out []Candidate
	for _, res := range resources {
		busy := busyFor(sched, svc, res.ID, slots)
		for _, w := range Windows(sched, res, svc, day) {
			for _, start := range AvailableSlots(w.Start, w.End, svc.Duration, svc.Step(), busy, now) {
				if start.Before(q.From) || !start.Before(q.To) {
					continue
				}
				slot, ok := byID[model.SlotID(sched.BusinessID, res.ID, svc.ID, start)]
				if !ok || slot.Blocked {
					continue
				}
				if slot.Remaining() < q.Occupancy || q.Occupancy > slot.MaxParty() || q.Occupancy < slot.MinParty() {
					continue
				}
				if overlapsSibling(svc, slot, slots) {
					continue
				}
				out = append(out, Candidate{
					SlotID:     slot.ID,
					BusinessID: sched.BusinessID,
					ResourceID: res.ID,
					ServiceID:  svc.ID,
					Start:      slot.StartTime,
					End:        slot.EndTime,
					Capacity:   slot.CapacityMax,
					Remaining:  slot.Remaining(),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out, nil
}

// Windows returns the UTC intervals of one local day in which a start of svc on res is allowed:
// working hours minus blocks, each shrunk by the service buffers. Windows shorter than the service
// duration are dropped. A holiday yields none.
func Windows(sched bizconfig.Schedule, res bizconfig.Resource, svc bizconfig.Service, day time.Time) []Interval {
	loc := sched.Location
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := day.In(loc).Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, loc)
	if sched.IsHoliday(date) {
		return nil
	}

	blocks := make([]Interval, 0, len(sched.Blocks)+len(res.Blocks))
	for _, b := range sched.Blocks {
		blocks = append(blocks, Interval{Start: b.Start, End: b.End})
	}
	for _, b := range res.Blocks {
		blocks = append(blocks, Interval{Start: b.Start, End: b.End})
	}

	var out []Interval
	for _, span := range res.Hours[date.Weekday()] {
		// time.Date normalizes minute overflow against the wall clock of loc, so DST days stay correct.
		start := time.Date(y, m, d, 0, span.StartMinute, 0, 0, loc).UTC()
		end := time.Date(y, m, d, 0, span.EndMinute, 0, 0, loc).UTC()
		for _, free := range subtractBlocks(start, end, blocks) {
			w := Interval{Start: free.Start.Add(svc.BufferBefore), End: free.End.Add(-svc.BufferAfter)}
			if w.End.Sub(w.Start) < svc.Duration {
				continue
			}
			out = append(out, w)
		}
	}
	sortIntervals(out)
	return out
}

// busyFor lists occupied slots of other services on the same resource, widened so that a plain overlap
// test against a candidate [start, start+duration) also covers both sides' buffers.
func busyFor(sched bizconfig.Schedule, svc bizconfig.Service, resourceID string, slots []model.Slot) []Interval {
	var busy []Interval
	for _, s := range slots {
		if s.ResourceID != resourceID || s.ServiceID == svc.ID || s.Occupancy == 0 {
			continue
		}
		other := sched.Services[s.ServiceID]
		busy = append(busy, Interval{
			Start: s.StartTime.Add(-other.BufferBefore - svc.BufferAfter),
			End:   s.EndTime.Add(other.BufferAfter + svc.BufferBefore),
		})
	}
	return busy
}

// overlapsSibling reports an occupied slot of the same service and resource whose buffered footprint
// overlaps slot. Only possible when the configured step is shorter than the footprint.
func overlapsSibling(svc bizconfig.Service, slot model.Slot, slots []model.Slot) bool {
	if svc.Step() >= svc.BufferBefore+svc.Duration+svc.BufferAfter {
		return false
	}
	start := slot.StartTime.Add(-svc.BufferBefore)
	end := slot.EndTime.Add(svc.BufferAfter)
	for _, s := range slots {
		if s.ID == slot.ID || s.ServiceID != slot.ServiceID || s.ResourceID != slot.ResourceID || s.Occupancy == 0 {
			continue
		}
		if start.Before(s.EndTime.Add(svc.BufferAfter)) && s.StartTime.Add(-svc.BufferBefore).Before(end) {
			return true
		}
	}
	return false
}

func maxBuffer(sched bizconfig.Schedule) time.Duration {
	var m time.Duration
	for _, s := range sched.Services {
		m = max(m, s.BufferBefore+s.BufferAfter+s.Duration)
	}
	return m
}

func offering(sched bizconfig.Schedule, serviceID, resourceID string) []bizconfig.Resource {
	var out []bizconfig.Resource
	for _, r := range sched.Resources {
		if resourceID != "" && r.ID != resourceID {
			continue
		}
		if r.Offers(serviceID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// localDays yields local midnights of every calendar day touched by [from, to).
func localDays(from, to time.Time, loc *time.Location) iter.Seq[time.Time] {
	if loc == nil {
		loc = time.UTC
	}
	return func(yield func(time.Time) bool) {
		y, m, d := from.In(loc).Date()
		for day := time.Date(y, m, d, 0, 0, 0, 0, loc); day.Before(to); day = day.AddDate(0, 0, 1) {
			if !yield(day) {
				return
			}
		}
	}
}
