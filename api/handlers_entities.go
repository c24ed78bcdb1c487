package api

import (
	"net/http"
	"strings"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
)

// =============================================================================
// POINTS HOLDERS
// =============================================================================
//
// Each handler is built per entity type; the router mounts one group for
// users, distributors and customers.

// ListEntities returns a page of points holders.
// GET /api/{kind}
func (h *Handler) ListEntities(t engine.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := parsePage(w, r)
		if !ok {
			return
		}
		entities, total, err := h.Engine.ListEntities(r.Context(), t, page)
		if err != nil {
			respondError(w, "Failed to list entities", err)
			return
		}
		dtos := make([]EntityDTO, len(entities))
		for i, e := range entities {
			dtos[i] = toEntityDTO(e)
		}
		writeJSON(w, http.StatusOK, newPage(r.URL, page, total, dtos))
	}
}

// CreateEntity registers a points holder with zero points.
// POST /api/{kind}
func (h *Handler) CreateEntity(t engine.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateEntityRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		e, err := h.Engine.CreateEntity(r.Context(), t, strings.TrimSpace(req.Name))
		if err != nil {
			respondError(w, "Failed to create entity", err)
			return
		}
		writeJSON(w, http.StatusCreated, toEntityDTO(*e))
	}
}

// GetEntity returns one points holder.
// GET /api/{kind}/{id}
func (h *Handler) GetEntity(t engine.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}
		e, err := h.Engine.Ledger.Balance(r.Context(), engine.EntityRef{Type: t, ID: id})
		if err != nil {
			respondError(w, "Failed to get entity", err)
			return
		}
		writeJSON(w, http.StatusOK, toEntityDTO(*e))
	}
}

// SetPoints sets an absolute balance.
// PUT /api/{kind}/{id}/points
func (h *Handler) SetPoints(t engine.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}
		var req SetPointsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Points == nil {
			writeError(w, http.StatusBadRequest, "points is required", nil)
			return
		}

		ref := engine.EntityRef{Type: t, ID: id}
		log, err := h.Engine.Ledger.ApplyIndividualSet(r.Context(), ref, *req.Points, actor, req.Reason)
		if err != nil {
			respondError(w, "Failed to set points", err)
			return
		}
		e, err := h.Engine.Ledger.Balance(r.Context(), ref)
		if err != nil {
			respondError(w, "Failed to load entity", err)
			return
		}

		resp := SetPointsResponse{Entity: toEntityDTO(*e)}
		if log != nil {
			dto := toAuditLogDTO(*log)
			resp.Audit = &dto
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// BatchUpdatePoints applies independent absolute sets.
// POST /api/{kind}/batch_update_points
func (h *Handler) BatchUpdatePoints(t engine.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req BatchPointsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		updates := make([]engine.PointsUpdate, len(req.Updates))
		for i, u := range req.Updates {
			updates[i] = engine.PointsUpdate{ID: u.ID, Points: u.Points}
		}

		report, err := h.Engine.Ledger.BatchSet(r.Context(), t, updates, actor, req.Reason)
		if err != nil {
			respondError(w, "Failed to update points", err)
			return
		}
		writeJSON(w, http.StatusOK, toBatchResponse("updated", report))
	}
}

// BulkUpdatePoints adds one signed delta to every listed entity.
// POST /api/{kind}/bulk_update_points
func (h *Handler) BulkUpdatePoints(t engine.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req BulkPointsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		refs := make([]engine.EntityRef, len(req.IDs))
		for i, id := range req.IDs {
			refs[i] = engine.EntityRef{Type: t, ID: id}
		}

		report, err := h.Engine.Ledger.ApplyBulkDelta(r.Context(), refs, req.Delta, actor, req.Password)
		if err != nil {
			respondError(w, "Failed to apply bulk points", err)
			return
		}
		writeJSON(w, http.StatusOK, toBatchResponse("updated", report))
	}
}
