package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/bizconfig"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/clock"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/ledger"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/reservation"
)

// ConfigStore persists business configuration documents.
type ConfigStore interface {
	Put(ctx context.Context, doc bizconfig.Document) (bizconfig.Document, error)
}

// CacheInvalidator drops a cached configuration document.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, businessID string) error
}

type Handler struct {
	coord   *reservation.Coordinator
	calc    *availability.Calculator
	ledger  *ledger.Ledger
	configs ConfigStore
	cache   CacheInvalidator
	clock   clock.Clock
	logger  *slog.Logger
	horizon time.Duration
}

type Config struct {
	Configs ConfigStore
	// Cache is optional.
	Cache CacheInvalidator
	Clock clock.Clock
	// Horizon bounds slot regeneration after a configuration change.
	Horizon time.Duration
}

func New(coord *reservation.Coordinator, calc *availability.Calculator, l *ledger.Ledger, logger *slog.Logger, cfg Config) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Horizon <= 0 || cfg.Horizon > availability.MaxRange {
		cfg.Horizon = 14 * 24 * time.Hour
	}
	return &Handler{
		coord:   coord,
		calc:    calc,
		ledger:  l,
		configs: cfg.Configs,
		cache:   cfg.Cache,
		clock:   cfg.Clock,
		logger:  logger,
		horizon: cfg.Horizon,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/availability", h.Availability)
	mux.HandleFunc("/api/v1/holds", h.CreateHold)
	mux.HandleFunc("/api/v1/holds/confirm", h.ConfirmHold)
	mux.HandleFunc("/api/v1/holds/release", h.ReleaseHold)
	mux.HandleFunc("/api/v1/bookings", h.ListBookings)
	mux.HandleFunc("/api/v1/bookings/cancel", h.CancelBooking)
	mux.HandleFunc("/api/v1/bookings/complete", h.CompleteBooking)
	mux.HandleFunc("/api/v1/slots", h.ListSlots)
	mux.HandleFunc("/api/v1/slots/audit", h.SlotAudit)
	mux.HandleFunc("/api/v1/admin/slots/block", h.BlockSlot)
	mux.HandleFunc("/api/v1/admin/slots/generate", h.GenerateSlots)
	mux.HandleFunc("/api/v1/admin/config", h.PutConfig)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, reservation.ErrInvalidRequest),
		errors.Is(err, availability.ErrInvalidQuery),
		errors.Is(err, model.ErrInvalidOccupancy):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrPaymentNotVerified):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrSlotUnavailable),
		errors.Is(err, model.ErrVersionConflict),
		errors.Is(err, model.ErrAlreadyCancelled):
		return http.StatusConflict
	case errors.Is(err, model.ErrHoldExpired):
		return http.StatusGone
	case errors.Is(err, model.ErrCancellationNotAllowed),
		errors.Is(err, model.ErrBookingNotConfirmed),
		errors.Is(err, model.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "err", err, "path", r.URL.Path)
		msg = "internal error"
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// parseTime accepts RFC3339 timestamps.
func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(raw))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func queryInt(r *http.Request, key string, fallback, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}

// actor names who performs a mutation: the authenticated user from the gateway, else fallback.
func actor(r *http.Request, fallback string) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-Id")); id != "" {
		return id
	}
	return fallback
}
