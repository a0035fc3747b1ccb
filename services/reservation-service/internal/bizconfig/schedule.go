// Package bizconfig supplies per-business scheduling configuration: timezone, services, resources with
// recurring working hours, holidays, blocked intervals and the cancellation policy.
package bizconfig

import (
	"time"
	_ "time/tzdata"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

// Schedule is the parsed, validated configuration of one business.
type Schedule struct {
	BusinessID string
	Location   *time.Location
	Policy     model.CancellationPolicy
	Services   map[string]Service
	Resources  []Resource
	// Holidays are local calendar dates (YYYY-MM-DD) on which nothing is offered.
	Holidays map[string]bool
	// Blocks apply to every resource.
	Blocks []Block
	// Version increases with every stored change of the document.
	Version int64
}

type Service struct {
	ID            string
	Duration      time.Duration
	BufferBefore  time.Duration
	BufferAfter   time.Duration
	SlotStep      time.Duration
	MaxConcurrent int
	MinOccupancy  int
	GroupMaxSize  int
}

// Step is the distance between candidate starts; it defaults to the full buffered footprint.
func (s Service) Step() time.Duration {
	if s.SlotStep > 0 {
		return s.SlotStep
	}
	return s.BufferBefore + s.Duration + s.BufferAfter
}

func (s Service) Capacity() int {
	if s.MaxConcurrent < 1 {
		return 1
	}
	return s.MaxConcurrent
}

type Resource struct {
	ID         string
	ServiceIDs []string
	Hours      map[time.Weekday][]Span
	Blocks     []Block
}

func (r Resource) Offers(serviceID string) bool {
	for _, id := range r.ServiceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}

// Span is a working period in minutes after local midnight, [StartMinute, EndMinute).
type Span struct {
	StartMinute int
	EndMinute   int
}

// Block is an absolute unavailable interval, [Start, End).
type Block struct {
	Start  time.Time
	End    time.Time
	Reason string
}

func (s Schedule) IsHoliday(localDate time.Time) bool {
	return s.Holidays[localDate.Format(time.DateOnly)]
}

func (s Schedule) Resource(id string) (Resource, bool) {
	for _, r := range s.Resources {
		if r.ID == id {
			return r, true
		}
	}
	return Resource{}, false
}
