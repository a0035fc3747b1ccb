package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/bizconfig"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

const maxCandidates = 500

type candidateItem struct {
	SlotID     string `json:"slot_id"`
	ResourceID string `json:"resource_id"`
	ServiceID  string `json:"service_id"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Capacity   int    `json:"capacity"`
	Remaining  int    `json:"remaining"`
}

type slotItem struct {
	SlotID      string `json:"slot_id"`
	BusinessID  string `json:"business_id"`
	ResourceID  string `json:"resource_id"`
	ServiceID   string `json:"service_id"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	State       string `json:"state"`
	CapacityMax int    `json:"capacity_max"`
	Occupancy   int    `json:"occupancy"`
	Confirmed   int    `json:"confirmed"`
	Version     int64  `json:"version"`
}

type auditItem struct {
	SlotID         string `json:"slot_id"`
	FromState      string `json:"from_state"`
	ToState        string `json:"to_state"`
	OccupancyDelta int    `json:"occupancy_delta"`
	ConfirmedDelta int    `json:"confirmed_delta"`
	Version        int64  `json:"version"`
	Actor          string `json:"actor"`
	Reason         string `json:"reason,omitempty"`
	At             string `json:"at"`
}

type blockRequest struct {
	SlotID  string `json:"slot_id"`
	Reason  string `json:"reason"`
	Unblock bool   `json:"unblock"`
}

type generateRequest struct {
	BusinessID string `json:"business_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type generateResponse struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Retired int `json:"retired"`
	Kept    int `json:"kept"`
}

type configResponse struct {
	BusinessID string            `json:"business_id"`
	Version    int64             `json:"version"`
	Warnings   []string          `json:"warnings,omitempty"`
	Generated  *generateResponse `json:"generated,omitempty"`
}

func toSlotItem(s model.Slot) slotItem {
	return slotItem{
		SlotID:      s.ID,
		BusinessID:  s.BusinessID,
		ResourceID:  s.ResourceID,
		ServiceID:   s.ServiceID,
		StartTime:   formatTime(s.StartTime),
		EndTime:     formatTime(s.EndTime),
		State:       string(s.State),
		CapacityMax: s.CapacityMax,
		Occupancy:   s.Occupancy,
		Confirmed:   s.Confirmed,
		Version:     s.Version,
	}
}

// rangeParams reads from/to, defaulting to one day from now.
func (h *Handler) rangeParams(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	from := h.clock.Now()
	if raw := q.Get("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid from")
		}
		from = t
	}
	to := from.Add(24 * time.Hour)
	if raw := q.Get("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid to")
		}
		to = t
	}
	return from, to, nil
}

// Availability lists bookable starts. The result is cut at limit candidates.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	from, to, err := h.rangeParams(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	occupancy := 1
	if raw := strings.TrimSpace(q.Get("occupancy")); raw != "" {
		if occupancy, err = strconv.Atoi(raw); err != nil || occupancy <= 0 {
			badRequest(w, "invalid occupancy")
			return
		}
	}
	seq, err := h.calc.Query(r.Context(), availability.Query{
		BusinessID: strings.TrimSpace(q.Get("business_id")),
		ServiceID:  strings.TrimSpace(q.Get("service_id")),
		ResourceID: strings.TrimSpace(q.Get("resource_id")),
		From:       from,
		To:         to,
		Occupancy:  occupancy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	limit := queryInt(r, "limit", maxCandidates, maxCandidates)
	items := make([]candidateItem, 0)
	for cand, err := range seq {
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		items = append(items, candidateItem{
			SlotID:     cand.SlotID,
			ResourceID: cand.ResourceID,
			ServiceID:  cand.ServiceID,
			StartTime:  formatTime(cand.Start),
			EndTime:    formatTime(cand.End),
			Capacity:   cand.Capacity,
			Remaining:  cand.Remaining,
		})
		if len(items) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	businessID := strings.TrimSpace(q.Get("business_id"))
	if businessID == "" {
		badRequest(w, "business_id required")
		return
	}
	from, to, err := h.rangeParams(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if !to.After(from) || to.Sub(from) > availability.MaxRange {
		badRequest(w, "invalid range")
		return
	}
	slots, err := h.ledger.ListSlots(r.Context(), model.SlotFilter{
		BusinessID: businessID,
		ResourceID: strings.TrimSpace(q.Get("resource_id")),
		ServiceID:  strings.TrimSpace(q.Get("service_id")),
		From:       from,
		To:         to,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, toSlotItem(s))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) SlotAudit(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	slotID := strings.TrimSpace(r.URL.Query().Get("slot_id"))
	if slotID == "" {
		badRequest(w, "slot_id required")
		return
	}
	if _, err := h.ledger.GetSlot(r.Context(), slotID); err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.ledger.Audit(r.Context(), slotID, queryInt(r, "limit", 100, 500))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]auditItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, auditItem{
			SlotID:         e.SlotID,
			FromState:      string(e.FromState),
			ToState:        string(e.ToState),
			OccupancyDelta: e.OccupancyDelta,
			ConfirmedDelta: e.ConfirmedDelta,
			Version:        e.Version,
			Actor:          e.Actor,
			Reason:         e.Reason,
			At:             formatTime(e.At),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) BlockSlot(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req blockRequest
	if !decode(w, r, &req) {
		return
	}
	req.SlotID = strings.TrimSpace(req.SlotID)
	if req.SlotID == "" {
		badRequest(w, "slot_id required")
		return
	}
	who := actor(r, "admin")
	var (
		slot model.Slot
		err  error
	)
	if req.Unblock {
		slot, err = h.ledger.Unblock(r.Context(), req.SlotID, who, strings.TrimSpace(req.Reason))
	} else {
		slot, err = h.ledger.Block(r.Context(), req.SlotID, who, strings.TrimSpace(req.Reason))
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotItem(slot))
}

func (h *Handler) GenerateSlots(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req generateRequest
	if !decode(w, r, &req) {
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	if req.BusinessID == "" {
		badRequest(w, "business_id required")
		return
	}
	from := h.clock.Now()
	to := from.Add(h.horizon)
	var err error
	if req.From != "" {
		if from, err = parseTime(req.From); err != nil {
			badRequest(w, "invalid from")
			return
		}
		to = from.Add(h.horizon)
	}
	if req.To != "" {
		if to, err = parseTime(req.To); err != nil {
			badRequest(w, "invalid to")
			return
		}
	}
	res, err := h.calc.Generate(r.Context(), req.BusinessID, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{Created: res.Created, Updated: res.Updated, Retired: res.Retired, Kept: res.Kept})
}

// PutConfig stores a business configuration document and regenerates its slots over the horizon.
// Malformed entries are dropped by the parser and returned as warnings.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPut) {
		return
	}
	if h.configs == nil {
		http.Error(w, "configuration is read-only", http.StatusNotImplemented)
		return
	}
	var doc bizconfig.Document
	if !decode(w, r, &doc) {
		return
	}
	if id := strings.TrimSpace(r.URL.Query().Get("business_id")); id != "" && doc.BusinessID == "" {
		doc.BusinessID = id
	}
	_, warnings := bizconfig.Parse(doc)
	if strings.TrimSpace(doc.BusinessID) == "" {
		badRequest(w, "business id required")
		return
	}

	saved, err := h.configs.Put(r.Context(), doc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.cache != nil {
		if err := h.cache.Invalidate(r.Context(), saved.BusinessID); err != nil {
			h.logger.Warn("config cache invalidate failed", "business_id", saved.BusinessID, "err", err)
		}
	}

	resp := configResponse{BusinessID: saved.BusinessID, Version: saved.Version}
	for _, w := range warnings {
		resp.Warnings = append(resp.Warnings, w.Error())
	}
	now := h.clock.Now()
	res, err := h.calc.Generate(r.Context(), saved.BusinessID, now, now.Add(h.horizon))
	if err != nil {
		h.logger.Warn("slot regeneration after config change failed", "business_id", saved.BusinessID, "err", err)
	} else {
		resp.Generated = &generateResponse{Created: res.Created, Updated: res.Updated, Retired: res.Retired, Kept: res.Kept}
	}
	writeJSON(w, http.StatusOK, resp)
}
