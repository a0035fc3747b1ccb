package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/reservation"
)

type holdRequest struct {
	SlotIDs        []string `json:"slot_ids"`
	RequesterID    string   `json:"requester_id"`
	Occupancy      int      `json:"occupancy"`
	GroupKey       string   `json:"group_key"`
	IdempotencyKey string   `json:"idempotency_key"`
}

type holdResponse struct {
	HoldID        string   `json:"hold_id"`
	BookingID     string   `json:"booking_id"`
	BookingNumber int64    `json:"booking_number"`
	SlotIDs       []string `json:"slot_ids"`
	ExpiresAt     string   `json:"expires_at"`
}

type holdItem struct {
	HoldID      string   `json:"hold_id"`
	BookingID   string   `json:"booking_id"`
	SlotIDs     []string `json:"slot_ids"`
	Occupancy   int      `json:"occupancy"`
	RequesterID string   `json:"requester_id,omitempty"`
	Status      string   `json:"status"`
	ExpiresAt   string   `json:"expires_at"`
}

type confirmRequest struct {
	HoldID           string `json:"hold_id"`
	PaymentProvider  string `json:"payment_provider"`
	PaymentReference string `json:"payment_reference"`
}

type releaseRequest struct {
	HoldID string `json:"hold_id"`
}

type cancelRequest struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
}

type cancelResponse struct {
	BookingID     string `json:"booking_id"`
	Status        string `json:"status"`
	RefundPercent int    `json:"refund_percent"`
	RefundStatus  string `json:"refund_status"`
	CancelledAt   string `json:"cancelled_at"`
	Error         string `json:"error,omitempty"`
}

type completeRequest struct {
	BookingID string `json:"booking_id"`
	Status    string `json:"status"`
}

type bookingItem struct {
	BookingID     string   `json:"booking_id"`
	Number        int64    `json:"number"`
	BusinessID    string   `json:"business_id"`
	ResourceID    string   `json:"resource_id"`
	ServiceID     string   `json:"service_id"`
	StartTime     string   `json:"start_time"`
	EndTime       string   `json:"end_time"`
	SlotIDs       []string `json:"slot_ids"`
	GroupKey      string   `json:"group_key,omitempty"`
	RequesterID   string   `json:"requester_id,omitempty"`
	Occupancy     int      `json:"occupancy"`
	Status        string   `json:"status"`
	HoldID        string   `json:"hold_id"`
	CancelReason  string   `json:"cancel_reason,omitempty"`
	RefundPercent *int     `json:"refund_percent,omitempty"`
	RefundStatus  string   `json:"refund_status,omitempty"`
	CancelledAt   string   `json:"cancelled_at,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

func toBookingItem(b model.Booking) bookingItem {
	item := bookingItem{
		BookingID:   b.ID,
		Number:      b.Number,
		BusinessID:  b.BusinessID,
		ResourceID:  b.ResourceID,
		ServiceID:   b.ServiceID,
		StartTime:   formatTime(b.StartTime),
		EndTime:     formatTime(b.EndTime),
		SlotIDs:     b.SlotIDs,
		GroupKey:    b.GroupKey,
		RequesterID: b.RequesterID,
		Occupancy:   b.Occupancy,
		Status:      string(b.Status),
		HoldID:      b.HoldID,
		CreatedAt:   formatTime(b.CreatedAt),
	}
	if c := b.Cancellation; c != nil {
		percent := c.RefundPercent
		item.CancelReason = c.Reason
		item.RefundPercent = &percent
		item.RefundStatus = string(c.RefundStatus)
		item.CancelledAt = formatTime(c.CancelledAt)
	}
	return item
}

func (h *Handler) CreateHold(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req holdRequest
	if !decode(w, r, &req) {
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = req.IdempotencyKey
	}

	res, err := h.coord.Hold(r.Context(), reservation.HoldRequest{
		SlotIDs:        req.SlotIDs,
		RequesterID:    req.RequesterID,
		Occupancy:      req.Occupancy,
		GroupKey:       req.GroupKey,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, holdResponse{
		HoldID:        res.HoldID,
		BookingID:     res.BookingID,
		BookingNumber: res.BookingNumber,
		SlotIDs:       res.SlotIDs,
		ExpiresAt:     formatTime(res.ExpiresAt),
	})
}

func (h *Handler) ConfirmHold(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req confirmRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.HoldID) == "" {
		badRequest(w, "hold_id required")
		return
	}
	b, err := h.coord.Confirm(r.Context(), strings.TrimSpace(req.HoldID), reservation.Proof{
		Provider:  strings.TrimSpace(req.PaymentProvider),
		Reference: strings.TrimSpace(req.PaymentReference),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingItem(b))
}

func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.HoldID) == "" {
		badRequest(w, "hold_id required")
		return
	}
	hold, err := h.coord.ReleaseHold(r.Context(), strings.TrimSpace(req.HoldID), actor(r, "requester"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, holdItem{
		HoldID:      hold.ID,
		BookingID:   hold.BookingID,
		SlotIDs:     hold.SlotIDs,
		Occupancy:   hold.Occupancy,
		RequesterID: hold.RequesterID,
		Status:      string(hold.Status),
		ExpiresAt:   formatTime(hold.ExpiresAt),
	})
}

// CancelBooking answers a repeated cancel with 409 and the originally recorded refund.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.BookingID) == "" {
		badRequest(w, "booking_id required")
		return
	}
	res, err := h.coord.Cancel(r.Context(), strings.TrimSpace(req.BookingID), actor(r, "requester"), strings.TrimSpace(req.Reason))
	if err != nil && !errors.Is(err, model.ErrAlreadyCancelled) {
		h.writeError(w, r, err)
		return
	}
	resp := cancelResponse{
		BookingID:     res.BookingID,
		Status:        string(model.BookingCancelled),
		RefundPercent: res.RefundPercent,
		RefundStatus:  string(res.RefundStatus),
		CancelledAt:   formatTime(res.CancelledAt),
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusConflict
		resp.Error = err.Error()
	}
	writeJSON(w, code, resp)
}

func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.BookingID) == "" {
		badRequest(w, "booking_id required")
		return
	}
	status := model.BookingStatus(strings.TrimSpace(req.Status))
	if status == "" {
		status = model.BookingCompleted
	}
	b, err := h.coord.Complete(r.Context(), strings.TrimSpace(req.BookingID), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingItem(b))
}

// ListBookings returns one booking when booking_id is given, otherwise a filtered list.
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	if id := strings.TrimSpace(q.Get("booking_id")); id != "" {
		b, err := h.coord.GetBooking(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toBookingItem(b))
		return
	}

	businessID := strings.TrimSpace(r.Header.Get("X-Business-Id"))
	if businessID == "" {
		businessID = strings.TrimSpace(q.Get("business_id"))
	}
	filter := model.BookingFilter{
		BusinessID:  businessID,
		RequesterID: strings.TrimSpace(q.Get("requester_id")),
		Status:      model.BookingStatus(strings.TrimSpace(q.Get("status"))),
		Limit:       queryInt(r, "limit", 50, 200),
	}
	if filter.BusinessID == "" && filter.RequesterID == "" {
		badRequest(w, "business_id or requester_id required")
		return
	}
	var err error
	if raw := q.Get("from"); raw != "" {
		if filter.From, err = parseTime(raw); err != nil {
			badRequest(w, "invalid from")
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if filter.To, err = parseTime(raw); err != nil {
			badRequest(w, "invalid to")
			return
		}
	}

	bookings, err := h.coord.ListBookings(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]bookingItem, 0, len(bookings))
	for _, b := range bookings {
		items = append(items, toBookingItem(b))
	}
	writeJSON(w, http.StatusOK, items)
}
