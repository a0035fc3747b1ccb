package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/slotkeeper/libs/db"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

func (s *Store) NextBookingNumber(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.Conn(ctx).QueryRow(ctx, `SELECT nextval('booking_number_seq')`).Scan(&n)
	return n, classify(err)
}

const bookingColumns = `id::text, number, business_id, resource_id, service_id, start_time, end_time, slot_ids::text[],
	group_key, requester_id, occupancy, status, hold_id::text, cancel_reason, cancel_actor, refund_percent,
	refund_status, cancelled_at, created_at, updated_at`

func scanBooking(row pgx.Row) (model.Booking, error) {
	var (
		b             model.Booking
		status        string
		reason, actor *string
		percent       *int
		refundStatus  *string
		cancelledAt   *time.Time
	)
	err := row.Scan(&b.ID, &b.Number, &b.BusinessID, &b.ResourceID, &b.ServiceID, &b.StartTime, &b.EndTime, &b.SlotIDs,
		&b.GroupKey, &b.RequesterID, &b.Occupancy, &status, &b.HoldID, &reason, &actor, &percent,
		&refundStatus, &cancelledAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return model.Booking{}, err
	}
	b.Status = model.BookingStatus(status)
	b.StartTime, b.EndTime = utc(b.StartTime), utc(b.EndTime)
	b.CreatedAt, b.UpdatedAt = utc(b.CreatedAt), utc(b.UpdatedAt)
	if cancelledAt != nil {
		c := &model.Cancellation{CancelledAt: utc(*cancelledAt), RefundStatus: model.RefundNone}
		if reason != nil {
			c.Reason = *reason
		}
		if actor != nil {
			c.Actor = *actor
		}
		if percent != nil {
			c.RefundPercent = *percent
		}
		if refundStatus != nil {
			c.RefundStatus = model.RefundStatus(*refundStatus)
		}
		b.Cancellation = c
	}
	return b, nil
}

func cancellationArgs(c *model.Cancellation) (reason, actor *string, percent *int, status *string, at *time.Time) {
	if c == nil {
		return nil, nil, nil, nil, nil
	}
	rs := string(c.RefundStatus)
	return &c.Reason, &c.Actor, &c.RefundPercent, &rs, &c.CancelledAt
}

func (s *Store) InsertBooking(ctx context.Context, b model.Booking) error {
	reason, actor, percent, refundStatus, cancelledAt := cancellationArgs(b.Cancellation)
	_, err := s.pool.Conn(ctx).Exec(ctx, `
		INSERT INTO bookings (id, number, business_id, resource_id, service_id, start_time, end_time, slot_ids,
			group_key, requester_id, occupancy, status, hold_id, cancel_reason, cancel_actor, refund_percent,
			refund_status, cancelled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text[]::uuid[], $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, b.ID, b.Number, b.BusinessID, b.ResourceID, b.ServiceID, b.StartTime, b.EndTime, b.SlotIDs,
		b.GroupKey, b.RequesterID, b.Occupancy, string(b.Status), b.HoldID, reason, actor, percent,
		refundStatus, cancelledAt, b.CreatedAt, b.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return model.ErrDuplicate
	}
	return classify(err)
}

func (s *Store) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	b, err := scanBooking(s.pool.Conn(ctx).QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return model.Booking{}, notFound(err, model.ErrBookingNotFound)
	}
	return b, nil
}

func (s *Store) LockBooking(ctx context.Context, id string) (model.Booking, error) {
	b, err := scanBooking(s.pool.Conn(ctx).QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.Booking{}, notFound(err, model.ErrBookingNotFound)
	}
	return b, nil
}

func (s *Store) UpdateBooking(ctx context.Context, b model.Booking) error {
	reason, actor, percent, refundStatus, cancelledAt := cancellationArgs(b.Cancellation)
	tag, err := s.pool.Conn(ctx).Exec(ctx, `
		UPDATE bookings
		SET status = $2, cancel_reason = $3, cancel_actor = $4, refund_percent = $5, refund_status = $6,
			cancelled_at = $7, updated_at = $8
		WHERE id = $1
	`, b.ID, string(b.Status), reason, actor, percent, refundStatus, cancelledAt, b.UpdatedAt)
	if err != nil {
		return notFound(err, model.ErrBookingNotFound)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrBookingNotFound
	}
	return nil
}

func (s *Store) ListBookings(ctx context.Context, f model.BookingFilter) ([]model.Booking, error) {
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
	if f.RequesterID != "" {
		add("requester_id = $%d", f.RequesterID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.From.IsZero() {
		add("start_time >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("start_time < $%d", f.To)
	}
	q := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY start_time, number`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, classify(rows.Err())
}
