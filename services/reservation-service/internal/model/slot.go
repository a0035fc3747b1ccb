package model

import (
	"time"

	"github.com/google/uuid"
)

type SlotState string

const (
	SlotFree    SlotState = "free"
	SlotHeld    SlotState = "held"
	SlotBooked  SlotState = "booked"
	SlotBlocked SlotState = "blocked"
)

// Slot is a capacity-bounded bookable window for one resource and service.
// Occupancy counts held and confirmed units; Confirmed is the confirmed share of it.
type Slot struct {
	ID          string
	BusinessID  string
	ResourceID  string
	ServiceID   string
	StartTime   time.Time
	EndTime     time.Time
	CapacityMin int
	CapacityMax int
	// PartyMax caps the occupancy of a single booking. Zero means CapacityMax.
	PartyMax  int
	Occupancy int
	Confirmed int
	Blocked   bool
	State     SlotState
	Version   int64
	UpdatedAt time.Time
}

// DeriveState computes the state implied by the counters.
func DeriveState(blocked bool, occupancy, confirmed int) SlotState {
	switch {
	case blocked:
		return SlotBlocked
	case occupancy == 0:
		return SlotFree
	case confirmed > 0:
		return SlotBooked
	default:
		return SlotHeld
	}
}

func (s Slot) Remaining() int {
	if s.Blocked {
		return 0
	}
	if r := s.CapacityMax - s.Occupancy; r > 0 {
		return r
	}
	return 0
}

func (s Slot) MaxParty() int {
	if s.PartyMax > 0 && s.PartyMax < s.CapacityMax {
		return s.PartyMax
	}
	return s.CapacityMax
}

func (s Slot) MinParty() int {
	if s.CapacityMin > 0 {
		return s.CapacityMin
	}
	return 1
}

// Valid reports whether the counters respect 0 <= Confirmed <= Occupancy <= CapacityMax and a blocked slot is empty.
func (s Slot) Valid() bool {
	if s.Confirmed < 0 || s.Confirmed > s.Occupancy || s.Occupancy > s.CapacityMax {
		return false
	}
	return !s.Blocked || s.Occupancy == 0
}

var slotNamespace = uuid.MustParse("6f1c9f53-2b0e-4d57-9a43-3f1b8c2d7e10")

// SlotID is deterministic so regenerating the same configuration yields the same slots.
func SlotID(businessID, resourceID, serviceID string, start time.Time) string {
	key := businessID + "|" + resourceID + "|" + serviceID + "|" + start.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(slotNamespace, []byte(key)).String()
}

// SlotFilter selects slots overlapping [From, To). Empty fields match everything.
type SlotFilter struct {
	BusinessID string
	ResourceID string
	ServiceID  string
	From       time.Time
	To         time.Time
}
