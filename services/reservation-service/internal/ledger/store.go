package ledger

import (
	"context"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

// Store is the durable slot record. UpdateSlot and DeleteSlot are compare-and-set on Version and
// return model.ErrVersionConflict when the stored version differs from expectedVersion.
type Store interface {
	// WithTx runs fn as one unit of work; nested calls join the outer one.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetSlot(ctx context.Context, id string) (model.Slot, error)
	ListSlots(ctx context.Context, filter model.SlotFilter) ([]model.Slot, error)
	// InsertSlot stores s unless a slot with the same id exists and reports whether it inserted.
	InsertSlot(ctx context.Context, s model.Slot) (bool, error)
	// UpdateSlot writes s with Version = expectedVersion+1 and returns the stored row.
	UpdateSlot(ctx context.Context, s model.Slot, expectedVersion int64) (model.Slot, error)
	DeleteSlot(ctx context.Context, id string, expectedVersion int64) error

	AppendAudit(ctx context.Context, e model.AuditEntry) error
	ListAudit(ctx context.Context, slotID string, limit int) ([]model.AuditEntry, error)
}
