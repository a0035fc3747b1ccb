package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/slotkeeper/libs/db"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

const holdColumns = `id::text, booking_id::text, slot_ids::text[], occupancy, requester_id, COALESCE(idempotency_key, ''),
	status, expires_at, created_at, updated_at`

func scanHold(row pgx.Row) (model.Hold, error) {
	var (
		h      model.Hold
		status string
	)
	err := row.Scan(&h.ID, &h.BookingID, &h.SlotIDs, &h.Occupancy, &h.RequesterID, &h.IdempotencyKey,
		&status, &h.ExpiresAt, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return model.Hold{}, err
	}
	h.Status = model.HoldStatus(status)
	h.ExpiresAt, h.CreatedAt, h.UpdatedAt = utc(h.ExpiresAt), utc(h.CreatedAt), utc(h.UpdatedAt)
	return h, nil
}

func (s *Store) InsertHold(ctx context.Context, h model.Hold) error {
	var key *string
	if k := strings.TrimSpace(h.IdempotencyKey); k != "" {
		key = &k
	}
	_, err := s.pool.Conn(ctx).Exec(ctx, `
		INSERT INTO holds (id, booking_id, slot_ids, occupancy, requester_id, idempotency_key, status, expires_at,
			created_at, updated_at)
		VALUES ($1, $2, $3::text[]::uuid[], $4, $5, $6, $7, $8, $9, $10)
	`, h.ID, h.BookingID, h.SlotIDs, h.Occupancy, h.RequesterID, key, string(h.Status), h.ExpiresAt, h.CreatedAt, h.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return model.ErrDuplicate
	}
	return classify(err)
}

func (s *Store) GetHold(ctx context.Context, id string) (model.Hold, error) {
	h, err := scanHold(s.pool.Conn(ctx).QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1`, id))
	if err != nil {
		return model.Hold{}, notFound(err, model.ErrHoldNotFound)
	}
	return h, nil
}

func (s *Store) LockHold(ctx context.Context, id string) (model.Hold, error) {
	h, err := scanHold(s.pool.Conn(ctx).QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.Hold{}, notFound(err, model.ErrHoldNotFound)
	}
	return h, nil
}

func (s *Store) GetHoldByIdempotencyKey(ctx context.Context, key string) (model.Hold, error) {
	h, err := scanHold(s.pool.Conn(ctx).QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE idempotency_key = $1`, strings.TrimSpace(key)))
	if err != nil {
		return model.Hold{}, notFound(err, model.ErrHoldNotFound)
	}
	return h, nil
}

func (s *Store) UpdateHold(ctx context.Context, h model.Hold) error {
	tag, err := s.pool.Conn(ctx).Exec(ctx, `
		UPDATE holds SET status = $2, updated_at = $3 WHERE id = $1
	`, h.ID, string(h.Status), h.UpdatedAt)
	if err != nil {
		return notFound(err, model.ErrHoldNotFound)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrHoldNotFound
	}
	return nil
}

// ClaimExpiredHolds locks due holds and skips rows another sweeper or a confirm already holds.
func (s *Store) ClaimExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.Hold, error) {
	rows, err := s.pool.Conn(ctx).Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, classify(rows.Err())
}
