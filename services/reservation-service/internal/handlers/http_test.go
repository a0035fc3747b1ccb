package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/bizconfig"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/clock"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/handlers"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/ledger"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/reservation"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/storage/memory"
)

// Wednesday morning; Monday 2026-04-06 is more than 48h away.
var now = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func salon(end string) bizconfig.Document {
	return bizconfig.Document{
		BusinessID: "salon",
		Timezone:   "UTC",
		CancellationPolicy: []bizconfig.RuleDoc{
			{MinNotice: "48h", RefundPercent: 100},
			{MinNotice: "24h", RefundPercent: 50},
		},
		Services: []bizconfig.ServiceDoc{{ID: "cut", Duration: "30m"}},
		Resources: []bizconfig.ResourceDoc{{
			ID:           "anna",
			Services:     []string{"cut"},
			WorkingHours: []bizconfig.HoursDoc{{Days: []string{"mon", "tue", "wed", "thu", "fri"}, Start: "09:00", End: end}},
		}},
	}
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(now)
	store := memory.New()
	l := ledger.New(store, clk, logger)
	static := bizconfig.NewStatic(salon("12:00"))
	provider := bizconfig.NewProvider(static, logger)
	calc := availability.NewCalculator(provider, l, clk, logger)
	coord := reservation.New(store, l, provider, reservation.WithClock(clk), reservation.WithLogger(logger))
	if _, err := calc.Generate(context.Background(), "salon", now, now.Add(14*24*time.Hour)); err != nil {
		t.Fatalf("generate: %v", err)
	}

	mux := http.NewServeMux()
	handlers.New(coord, calc, l, logger, handlers.Config{Configs: static, Clock: clk}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 || out != nil && resp.StatusCode == http.StatusConflict {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type candidate struct {
	SlotID    string `json:"slot_id"`
	StartTime string `json:"start_time"`
	Remaining int    `json:"remaining"`
}

const mondayQuery = "/api/v1/availability?business_id=salon&service_id=cut&from=2026-04-06T00:00:00Z&to=2026-04-07T00:00:00Z"

func TestBookingLifecycleOverHTTP(t *testing.T) {
	srv := newServer(t)

	var cands []candidate
	if code := do(t, srv, http.MethodGet, mondayQuery, nil, &cands); code != http.StatusOK {
		t.Fatalf("availability: %d", code)
	}
	if len(cands) != 6 || cands[0].StartTime != "2026-04-06T09:00:00Z" {
		t.Fatalf("expected 6 Monday candidates from 09:00, got %+v", cands)
	}

	var hold struct {
		HoldID    string `json:"hold_id"`
		BookingID string `json:"booking_id"`
		ExpiresAt string `json:"expires_at"`
	}
	req := map[string]any{"slot_ids": []string{cands[0].SlotID}, "requester_id": "client-1"}
	if code := do(t, srv, http.MethodPost, "/api/v1/holds", req, &hold); code != http.StatusCreated {
		t.Fatalf("hold: %d", code)
	}
	if hold.ExpiresAt != "2026-04-01T08:10:00Z" {
		t.Fatalf("unexpected expiry %s", hold.ExpiresAt)
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/holds", req, nil); code != http.StatusConflict {
		t.Fatalf("expected 409 for taken slot, got %d", code)
	}
	if code := do(t, srv, http.MethodGet, mondayQuery, nil, &cands); code != http.StatusOK || len(cands) != 5 {
		t.Fatalf("expected held slot to disappear, got %d candidates (%d)", len(cands), code)
	}

	var booking struct {
		BookingID string `json:"booking_id"`
		Status    string `json:"status"`
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/holds/confirm", map[string]string{"hold_id": hold.HoldID}, &booking); code != http.StatusOK {
		t.Fatalf("confirm: %d", code)
	}
	if booking.Status != "confirmed" || booking.BookingID != hold.BookingID {
		t.Fatalf("unexpected booking %+v", booking)
	}

	var cancel struct {
		RefundPercent int    `json:"refund_percent"`
		RefundStatus  string `json:"refund_status"`
		Error         string `json:"error"`
	}
	body := map[string]string{"booking_id": hold.BookingID, "reason": "sick"}
	if code := do(t, srv, http.MethodPost, "/api/v1/bookings/cancel", body, &cancel); code != http.StatusOK {
		t.Fatalf("cancel: %d", code)
	}
	if cancel.RefundPercent != 100 || cancel.RefundStatus != "pending" {
		t.Fatalf("unexpected cancellation %+v", cancel)
	}
	cancel.RefundPercent = 0
	if code := do(t, srv, http.MethodPost, "/api/v1/bookings/cancel", body, &cancel); code != http.StatusConflict {
		t.Fatalf("expected 409 on repeated cancel, got %d", code)
	}
	if cancel.RefundPercent != 100 || cancel.Error == "" {
		t.Fatalf("repeated cancel must return the recorded result, got %+v", cancel)
	}

	var list []struct {
		BookingID string `json:"booking_id"`
		Status    string `json:"status"`
	}
	if code := do(t, srv, http.MethodGet, "/api/v1/bookings?business_id=salon", nil, &list); code != http.StatusOK {
		t.Fatalf("list: %d", code)
	}
	if len(list) != 1 || list[0].Status != "cancelled" {
		t.Fatalf("unexpected bookings %+v", list)
	}
	if code := do(t, srv, http.MethodGet, mondayQuery, nil, &cands); code != http.StatusOK || len(cands) != 6 {
		t.Fatalf("expected released slot back, got %d candidates (%d)", len(cands), code)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newServer(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"wrong method", http.MethodGet, "/api/v1/holds", nil, http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "/api/v1/holds", "nope", http.StatusBadRequest},
		{"no slots", http.MethodPost, "/api/v1/holds", map[string]any{"slot_ids": []string{}}, http.StatusBadRequest},
		{"unknown slot", http.MethodPost, "/api/v1/holds", map[string]any{"slot_ids": []string{"missing"}}, http.StatusConflict},
		{"unknown hold", http.MethodPost, "/api/v1/holds/confirm", map[string]string{"hold_id": "missing"}, http.StatusNotFound},
		{"unknown booking", http.MethodPost, "/api/v1/bookings/cancel", map[string]string{"booking_id": "missing"}, http.StatusNotFound},
		{"missing service", http.MethodGet, "/api/v1/availability?business_id=salon", nil, http.StatusBadRequest},
		{"unknown service", http.MethodGet, "/api/v1/availability?business_id=salon&service_id=perm", nil, http.StatusNotFound},
		{"unknown business", http.MethodGet, "/api/v1/availability?business_id=spa&service_id=cut", nil, http.StatusNotFound},
		{"range too long", http.MethodGet, "/api/v1/availability?business_id=salon&service_id=cut&from=2026-04-01T00:00:00Z&to=2026-12-01T00:00:00Z", nil, http.StatusBadRequest},
		{"bad complete status", http.MethodPost, "/api/v1/bookings/complete", map[string]string{"booking_id": "missing", "status": "done"}, http.StatusBadRequest},
		{"unknown booking complete", http.MethodPost, "/api/v1/bookings/complete", map[string]string{"booking_id": "missing"}, http.StatusNotFound},
		{"list without filter", http.MethodGet, "/api/v1/bookings", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := do(t, srv, tc.method, tc.path, tc.body, nil); code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, code)
			}
		})
	}
}

func TestBlockSlotAndAudit(t *testing.T) {
	srv := newServer(t)
	var cands []candidate
	do(t, srv, http.MethodGet, mondayQuery, nil, &cands)
	if len(cands) == 0 {
		t.Fatal("expected candidates")
	}
	slotID := cands[0].SlotID

	var slot struct {
		State   string `json:"state"`
		Version int64  `json:"version"`
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/admin/slots/block", map[string]any{"slot_id": slotID, "reason": "training"}, &slot); code != http.StatusOK {
		t.Fatalf("block: %d", code)
	}
	if slot.State != "blocked" || slot.Version != 2 {
		t.Fatalf("unexpected slot %+v", slot)
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/holds", map[string]any{"slot_ids": []string{slotID}}, nil); code != http.StatusConflict {
		t.Fatalf("expected blocked slot to refuse holds, got %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/admin/slots/block", map[string]any{"slot_id": slotID, "unblock": true}, &slot); code != http.StatusOK || slot.State != "free" {
		t.Fatalf("unblock: %d %+v", code, slot)
	}

	var audit []struct {
		FromState string `json:"from_state"`
		ToState   string `json:"to_state"`
		Actor     string `json:"actor"`
	}
	if code := do(t, srv, http.MethodGet, "/api/v1/slots/audit?slot_id="+slotID, nil, &audit); code != http.StatusOK {
		t.Fatalf("audit: %d", code)
	}
	if len(audit) != 2 || audit[0].ToState != "free" || audit[1].ToState != "blocked" || audit[1].Actor != "admin" {
		t.Fatalf("unexpected audit %+v", audit)
	}
}

func TestPutConfigRegeneratesSlots(t *testing.T) {
	srv := newServer(t)

	var resp struct {
		Version   int64 `json:"version"`
		Generated struct {
			Retired int `json:"retired"`
		} `json:"generated"`
	}
	if code := do(t, srv, http.MethodPut, "/api/v1/admin/config", salon("10:00"), &resp); code != http.StatusOK {
		t.Fatalf("put config: %d", code)
	}
	if resp.Version != 2 || resp.Generated.Retired == 0 {
		t.Fatalf("expected a new version and retired slots, got %+v", resp)
	}

	var cands []candidate
	if code := do(t, srv, http.MethodGet, mondayQuery, nil, &cands); code != http.StatusOK || len(cands) != 2 {
		t.Fatalf("expected 2 Monday candidates after shortening hours, got %d (%d)", len(cands), code)
	}

	if code := do(t, srv, http.MethodPut, "/api/v1/admin/config", bizconfig.Document{}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for document without id, got %d", code)
	}
}
