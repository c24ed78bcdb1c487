package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
)

// =============================================================================
// REDEMPTION REQUESTS
// =============================================================================

// ListRequests returns requests newest first.
// GET /api/redemption-requests?status=PENDING&processing_status=NOT_PROCESSED&requested_by=3
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := engine.RequestFilter{
		Status:           engine.RequestStatus(strings.ToUpper(q.Get("status"))),
		ProcessingStatus: engine.ProcessingStatus(strings.ToUpper(q.Get("processing_status"))),
	}
	if v := q.Get("requested_by"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid requested_by", err)
			return
		}
		filter.RequestedBy = id
	}

	requests, total, err := h.Engine.Requests.List(r.Context(), filter, page)
	if err != nil {
		respondError(w, "Failed to list requests", err)
		return
	}
	dtos := make([]RequestDTO, len(requests))
	for i, req := range requests {
		dtos[i] = toRequestDTO(req)
	}
	writeJSON(w, http.StatusOK, newPage(r.URL, page, total, dtos))
}

// CreateRequest prices, reserves and records a new request.
// POST /api/redemption-requests
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreateRedemptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := engine.CreateRequestInput{
		RequestedBy:               req.RequestedBy,
		RequestedFor:              req.RequestedFor,
		Team:                      req.Team,
		PointsDeductedFrom:        engine.PointsSource(strings.ToUpper(req.PointsDeductedFrom)),
		RequiresSalesApproval:     req.RequiresSalesApproval,
		RequiresMarketingApproval: req.RequiresMarketingApproval,
		Remarks:                   req.Remarks,
		Items:                     make([]engine.LineInput, len(req.Items)),
		Actor:                     actor,
	}
	for i, it := range req.Items {
		in.Items[i] = engine.LineInput{
			CatalogueItemID: it.CatalogueItemID,
			Quantity:        it.Quantity,
			DynamicQuantity: it.DynamicQuantity,
		}
	}

	created, err := h.Engine.Requests.Create(r.Context(), in)
	if err != nil {
		respondError(w, "Failed to create request", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*created))
}

// GetRequest returns one request with its items.
// GET /api/redemption-requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	req, err := h.Engine.Requests.Get(r.Context(), id)
	if err != nil {
		respondError(w, "Failed to get request", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// DecideRequest records a sales, marketing or reviewer decision.
// POST /api/redemption-requests/{id}/decisions
func (h *Handler) DecideRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req DecisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	channel := engine.GateKind(strings.ToUpper(req.Channel))
	decision := engine.Decision(strings.ToUpper(req.Decision))
	updated, err := h.Engine.Requests.RecordApprovalDecision(r.Context(), id, channel, decision, actor, req.Reason)
	if err != nil {
		respondError(w, "Failed to record decision", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*updated))
}

// CancelRequest cancels a request and returns its stock and points.
// POST /api/redemption-requests/{id}/cancel
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req CancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updated, err := h.Engine.Requests.Cancel(r.Context(), id, actor, req.Reason)
	if err != nil {
		respondError(w, "Failed to cancel request", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*updated))
}

// ProcessItem marks one line item processed. Repeating the call reports
// already_processed with 200.
// POST /api/redemption-requests/{id}/items/{itemID}/process
func (h *Handler) ProcessItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := parseID(w, r, "itemID")
	if !ok {
		return
	}

	outcome, err := h.Engine.Requests.MarkItemProcessed(r.Context(), id, itemID, actor)
	if err != nil {
		respondError(w, "Failed to process item", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemOutcomeDTO(outcome))
}

// ProcessRequest marks every item of one request.
// POST /api/redemption-requests/{id}/process
func (h *Handler) ProcessRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	outcomes, err := h.Engine.Requests.ProcessRequest(r.Context(), id, actor)
	if err != nil {
		respondError(w, "Failed to process request", err)
		return
	}
	writeJSON(w, http.StatusOK, toProcessResponse(outcomes))
}

// ProcessItems marks items across requests; each item is independent.
// POST /api/redemption-requests/process-items
func (h *Handler) ProcessItems(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ProcessItemsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items: at least one item is required", nil)
		return
	}
	refs := make([]engine.ItemRef, len(req.Items))
	for i, it := range req.Items {
		refs[i] = engine.ItemRef{RequestID: it.RequestID, ItemID: it.ItemID}
	}

	outcomes := h.Engine.Requests.MarkItemsProcessed(r.Context(), refs, actor)
	writeJSON(w, http.StatusOK, toProcessResponse(outcomes))
}
