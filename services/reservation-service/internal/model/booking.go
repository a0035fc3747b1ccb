package model

import "time"

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
	BookingNoShow    BookingStatus = "no_show"
)

const (
	ReasonHoldExpired  = "hold_expired"
	ReasonHoldReleased = "hold_released"

	ActorSystem = "system"
)

type RefundStatus string

const (
	RefundNone    RefundStatus = "none"
	RefundPending RefundStatus = "pending"
)

// Booking covers one or more consecutive slots of a single resource and service.
type Booking struct {
	ID          string
	BusinessID  string
	ResourceID  string
	ServiceID   string
	StartTime   time.Time
	EndTime     time.Time
	SlotIDs     []string
	GroupKey    string
	RequesterID string
	Occupancy   int
	Number      int64
	Status      BookingStatus
	HoldID      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// Cancellation is set only when Status is cancelled.
	Cancellation *Cancellation
}

type Cancellation struct {
	Reason        string
	Actor         string
	RefundPercent int
	RefundStatus  RefundStatus
	CancelledAt   time.Time
}

func (b Booking) Active() bool {
	return b.Status == BookingPending || b.Status == BookingConfirmed
}

// BookingFilter selects bookings; empty fields match everything. Results are ordered by StartTime.
type BookingFilter struct {
	BusinessID  string
	RequesterID string
	Status      BookingStatus
	From        time.Time
	To          time.Time
	Limit       int
}
