package model

import "time"

// AuditEntry records one applied slot transition.
type AuditEntry struct {
	ID             int64
	SlotID         string
	FromState      SlotState
	ToState        SlotState
	OccupancyDelta int
	ConfirmedDelta int
	Version        int64
	Actor          string
	Reason         string
	At             time.Time
}
