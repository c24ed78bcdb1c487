package api

import (
	"net/http"
	"strconv"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
)

// =============================================================================
// CATALOGUE
// =============================================================================

// ListCatalogue returns a page of catalogue items.
// GET /api/catalogue?include_archived=true
func (h *Handler) ListCatalogue(w http.ResponseWriter, r *http.Request) {
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	var filter engine.ItemFilter
	if v := r.URL.Query().Get("include_archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid include_archived", err)
			return
		}
		filter.IncludeArchived = b
	}

	items, total, err := h.Engine.Inventory.List(r.Context(), filter, page)
	if err != nil {
		respondError(w, "Failed to list catalogue", err)
		return
	}
	dtos := make([]CatalogueItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toCatalogueItemDTO(it)
	}
	writeJSON(w, http.StatusOK, newPage(r.URL, page, total, dtos))
}

// CreateCatalogueItem adds an item to the catalogue.
// POST /api/catalogue
func (h *Handler) CreateCatalogueItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreateCatalogueItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	item := &engine.InventoryItem{
		Name:          req.Name,
		HasStock:      req.HasStock == nil || *req.HasStock,
		Stock:         req.Stock,
		PricingType:   engine.PricingType(req.PricingType),
		PointsPerItem: req.PointsPerItem,
		MinOrderQty:   req.MinOrderQty,
		MaxOrderQty:   req.MaxOrderQty,
		IsArchived:    req.IsArchived,
	}
	if err := h.Engine.Inventory.Create(r.Context(), item, actor); err != nil {
		respondError(w, "Failed to create catalogue item", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCatalogueItemDTO(*item))
}

// GetCatalogueItem returns one item with its stock split.
// GET /api/catalogue/{id}
func (h *Handler) GetCatalogueItem(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	item, err := h.Engine.Inventory.Get(r.Context(), id)
	if err != nil {
		respondError(w, "Failed to get catalogue item", err)
		return
	}
	writeJSON(w, http.StatusOK, toCatalogueItemDTO(*item))
}

// =============================================================================
// STOCK
// =============================================================================

// BatchUpdateStock sets absolute stock per item.
// POST /api/inventory/batch_update_stock
func (h *Handler) BatchUpdateStock(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req BatchStockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	updates := make([]engine.StockUpdate, len(req.Updates))
	for i, u := range req.Updates {
		updates[i] = engine.StockUpdate{ID: u.ID, Stock: u.Stock}
	}

	report, err := h.Engine.Inventory.BatchUpdateStock(r.Context(), updates, actor)
	if err != nil {
		respondError(w, "Failed to update stock", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse("updated", report))
}

// BulkUpdateStock applies a delta or a reset to every active tracked item.
// POST /api/inventory/bulk_update_stock
func (h *Handler) BulkUpdateStock(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req BulkStockRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	change := engine.BulkStockChange{Delta: req.Delta, ResetToZero: req.ResetToZero}
	report, err := h.Engine.Inventory.BulkUpdateStock(r.Context(), change, actor, req.Password)
	if err != nil {
		respondError(w, "Failed to apply bulk stock change", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse("updated", report))
}
