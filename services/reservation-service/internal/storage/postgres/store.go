// Package postgres is the durable reservation store. Slot updates are compare-and-set on the version
// column; bookings and holds are row-locked inside a unit of work.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/slotkeeper/libs/db"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/outbox"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the schema files in apply order.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type Store struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func New(pool *db.Pool) *Store {
	return &Store{pool: pool, outbox: outbox.NewRepository(pool)}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return classify(s.pool.WithTx(ctx, fn))
}

// classify maps connection-level failures to model.ErrStorageUnavailable. Errors that already carry a
// domain meaning pass through.
func classify(err error) error {
	if err == nil || errors.Is(err, model.ErrStorageUnavailable) {
		return err
	}
	if db.IsUnavailable(err) {
		return fmt.Errorf("%w: %w", model.ErrStorageUnavailable, err)
	}
	return err
}

func notFound(err error, sentinel error) error {
	if db.IsNotFound(err) || db.IsInvalidUUID(err) {
		return sentinel
	}
	return classify(err)
}

const slotColumns = `id::text, business_id, resource_id, service_id, start_time, end_time, capacity_min, capacity_max,
	party_max, occupancy, confirmed, blocked, state, version, updated_at`

func scanSlot(row pgx.Row) (model.Slot, error) {
	var (
		sl    model.Slot
		state string
	)
	err := row.Scan(&sl.ID, &sl.BusinessID, &sl.ResourceID, &sl.ServiceID, &sl.StartTime, &sl.EndTime, &sl.CapacityMin,
		&sl.CapacityMax, &sl.PartyMax, &sl.Occupancy, &sl.Confirmed, &sl.Blocked, &state, &sl.Version, &sl.UpdatedAt)
	if err != nil {
		return model.Slot{}, err
	}
	sl.State = model.SlotState(state)
	sl.StartTime, sl.EndTime, sl.UpdatedAt = sl.StartTime.UTC(), sl.EndTime.UTC(), sl.UpdatedAt.UTC()
	return sl, nil
}

func (s *Store) GetSlot(ctx context.Context, id string) (model.Slot, error) {
	sl, err := scanSlot(s.pool.Conn(ctx).QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id))
	if err != nil {
		return model.Slot{}, notFound(err, model.ErrSlotNotFound)
	}
	return sl, nil
}

func (s *Store) ListSlots(ctx context.Context, f model.SlotFilter) ([]model.Slot, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.BusinessID != "" {
		add("business_id = $%d", f.BusinessID)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.ServiceID != "" {
		add("service_id = $%d", f.ServiceID)
	}
	if !f.To.IsZero() {
		add("start_time < $%d", f.To)
	}
	if !f.From.IsZero() {
		add("end_time > $%d", f.From)
	}
	q := `SELECT ` + slotColumns + ` FROM slots`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY start_time, id`

	rows, err := s.pool.Conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, classify(rows.Err())
}

func (s *Store) InsertSlot(ctx context.Context, sl model.Slot) (bool, error) {
	tag, err := s.pool.Conn(ctx).Exec(ctx, `
		INSERT INTO slots (id, business_id, resource_id, service_id, start_time, end_time, capacity_min, capacity_max,
			party_max, occupancy, confirmed, blocked, state, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`, sl.ID, sl.BusinessID, sl.ResourceID, sl.ServiceID, sl.StartTime, sl.EndTime, sl.CapacityMin, sl.CapacityMax,
		sl.PartyMax, sl.Occupancy, sl.Confirmed, sl.Blocked, string(sl.State), sl.Version, sl.UpdatedAt)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateSlot(ctx context.Context, sl model.Slot, expectedVersion int64) (model.Slot, error) {
	saved, err := scanSlot(s.pool.Conn(ctx).QueryRow(ctx, `
		UPDATE slots
		SET occupancy = $3, confirmed = $4, blocked = $5, state = $6, updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+slotColumns,
		sl.ID, expectedVersion, sl.Occupancy, sl.Confirmed, sl.Blocked, string(sl.State), sl.UpdatedAt))
	if err == nil {
		return saved, nil
	}
	if !db.IsNotFound(err) {
		return model.Slot{}, notFound(err, model.ErrSlotNotFound)
	}
	return model.Slot{}, s.missingOrConflict(ctx, sl.ID)
}

func (s *Store) DeleteSlot(ctx context.Context, id string, expectedVersion int64) error {
	tag, err := s.pool.Conn(ctx).Exec(ctx, `
		DELETE FROM slots
		WHERE id = $1 AND version = $2
	`, id, expectedVersion)
	if err != nil {
		return notFound(err, model.ErrSlotNotFound)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrConflict(ctx, id)
}

func (s *Store) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.Conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM slots WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classify(err)
	}
	if !exists {
		return model.ErrSlotNotFound
	}
	return model.ErrVersionConflict
}

func (s *Store) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	_, err := s.pool.Conn(ctx).Exec(ctx, `
		INSERT INTO slot_audit (slot_id, from_state, to_state, occupancy_delta, confirmed_delta, version, actor, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.SlotID, string(e.FromState), string(e.ToState), e.OccupancyDelta, e.ConfirmedDelta, e.Version, e.Actor, e.Reason, e.At)
	return classify(err)
}

func (s *Store) ListAudit(ctx context.Context, slotID string, limit int) ([]model.AuditEntry, error) {
	rows, err := s.pool.Conn(ctx).Query(ctx, `
		SELECT id, slot_id::text, from_state, to_state, occupancy_delta, confirmed_delta, version, actor, reason, at
		FROM slot_audit
		WHERE slot_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, slotID, limit)
	if err != nil {
		if db.IsInvalidUUID(err) {
			return nil, nil
		}
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var (
			e        model.AuditEntry
			from, to string
		)
		if err := rows.Scan(&e.ID, &e.SlotID, &from, &to, &e.OccupancyDelta, &e.ConfirmedDelta, &e.Version, &e.Actor, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		e.FromState, e.ToState, e.At = model.SlotState(from), model.SlotState(to), e.At.UTC()
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func (s *Store) EnqueueEvent(ctx context.Context, e outbox.Event) error {
	return classify(s.outbox.Insert(ctx, e))
}

func utc(t time.Time) time.Time { return t.UTC() }
