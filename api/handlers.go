/*
handlers.go - HTTP API handlers for the redemption dashboard

PURPOSE:
  Exposes the redemption engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to package engine.

FILES:
  handlers.go           Handler, shared helpers, dashboard and audit endpoints
  handlers_entities.go  Points holders and their balances
  handlers_catalogue.go Catalogue items and stock
  handlers_requests.go  Redemption request lifecycle

REQUEST FLOW:
  1. Parse HTTP request (path params, query, JSON body)
  2. Read the actor from X-Actor
  3. Call the engine
  4. Serialize response
  5. Map errors through statusFor

ERROR HANDLING:
  Errors are returned as JSON {error, details} with:
  - 400: Validation errors, malformed input
  - 401: Step-up password missing or wrong
  - 403: CSRF token missing or incorrect
  - 404: Resource not found
  - 409: Insufficient stock/points, invalid state, already finalized,
         concurrent modification
  - 429: Rate limited
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
)

const actorHeader = "X-Actor"

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
}

// NewHandler creates a new handler over the given engine.
func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{Engine: eng}
}

// =============================================================================
// HEALTH, DASHBOARD, AUDIT
// =============================================================================

// Health reports liveness, including the database when the store can be pinged.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Engine.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DashboardStats returns request and inventory aggregates.
// GET /api/dashboard/stats
func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Engine.DashboardStats(r.Context())
	if err != nil {
		respondError(w, "Failed to load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(*stats))
}

// ResetAllPoints zeroes every balance of one entity type.
// POST /api/dashboard/reset-all-points
func (h *Handler) ResetAllPoints(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ResetPointsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	report, err := h.Engine.Ledger.ResetAll(r.Context(), engine.EntityType(strings.ToUpper(req.EntityType)), actor, req.Password)
	if err != nil {
		respondError(w, "Failed to reset points", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse("reset", report))
}

// ListPointsAudit returns one entity's points history, newest first.
// GET /api/points-audit?entity_type=USER&entity_id=1
func (h *Handler) ListPointsAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := strconv.ParseInt(q.Get("entity_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "entity_id query parameter is required", err)
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	ref := engine.EntityRef{Type: engine.EntityType(strings.ToUpper(q.Get("entity_type"))), ID: id}

	logs, total, err := h.Engine.Ledger.History(r.Context(), ref, page)
	if err != nil {
		respondError(w, "Failed to load points history", err)
		return
	}
	dtos := make([]AuditLogDTO, len(logs))
	for i, l := range logs {
		dtos[i] = toAuditLogDTO(l)
	}
	writeJSON(w, http.StatusOK, newPage(r.URL, page, total, dtos))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInsufficientStock),
		errors.Is(err, engine.ErrInsufficientPoints),
		errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrAlreadyFinalized),
		errors.Is(err, engine.ErrAlreadyProcessed),
		errors.Is(err, engine.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Client errors carry the
// engine's message; internal errors are logged and reported generically.
func respondError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= 500 {
		zap.L().Error(message, zap.Error(err))
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, err.Error(), nil)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func actorFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(actorHeader))
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := actorFrom(r)
	if actor == "" {
		writeError(w, http.StatusBadRequest, actorHeader+" header is required", nil)
		return "", false
	}
	return actor, true
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", param), err)
		return 0, false
	}
	return id, true
}

// parsePage reads page and page_size. Missing values take the defaults;
// non-numeric values are rejected.
func parsePage(w http.ResponseWriter, r *http.Request) (engine.PageRequest, bool) {
	var page engine.PageRequest
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &page.Page}, {"page_size", &page.PageSize}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name, err)
			return page, false
		}
		*p.dst = n
	}
	return page.Normalize(), true
}
