package model

import "time"

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldConfirmed HoldStatus = "confirmed"
	HoldExpired   HoldStatus = "expired"
	HoldReleased  HoldStatus = "released"
)

// Hold is a time-boxed claim on slot capacity that exists between hold creation and confirm, expiry or release.
type Hold struct {
	ID             string
	BookingID      string
	SlotIDs        []string
	Occupancy      int
	RequesterID    string
	IdempotencyKey string
	Status         HoldStatus
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExpiredAt reports whether the hold can no longer be confirmed at now.
func (h Hold) ExpiredAt(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}
