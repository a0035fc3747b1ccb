package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrSlotNotFound     = fmt.Errorf("slot %w", ErrNotFound)
	ErrBookingNotFound  = fmt.Errorf("booking %w", ErrNotFound)
	ErrHoldNotFound     = fmt.Errorf("hold %w", ErrNotFound)
	ErrBusinessNotFound = fmt.Errorf("business %w", ErrNotFound)
	ErrServiceNotFound  = fmt.Errorf("service %w", ErrNotFound)

	// ErrVersionConflict is returned by a store when a compare-and-set lost to a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")

	ErrSlotUnavailable        = errors.New("slot unavailable")
	ErrHoldExpired            = errors.New("hold expired")
	ErrAlreadyCancelled       = errors.New("booking already cancelled")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrInvalidOccupancy       = errors.New("invalid occupancy")
	ErrInvalidTransition      = errors.New("invalid slot transition")
	ErrBookingNotConfirmed    = errors.New("booking not confirmed")
	ErrCancellationNotAllowed = errors.New("cancellation not allowed")
	ErrPaymentNotVerified     = errors.New("payment not verified")
)

// ErrDuplicate is returned by stores when a unique key (such as a hold idempotency key) already exists.
var ErrDuplicate = errors.New("duplicate key")
