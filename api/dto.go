/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Envelopes and wrappers

ENVELOPES:
  Listings:     {count, next, previous, results}
  Batch writes: {message, updated_count, failed_count, updated_ids, failed:[{id, error}]}
  Errors:       {error, details}

GATES:
  Requests expose each gate as flat fields (sales_approval_status,
  marketing_approved_by, ...) so dashboards can sort and filter on them.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
)

// =============================================================================
// ENVELOPES
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// PageResponse is the paginated listing envelope.
type PageResponse[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// newPage builds the envelope, deriving next/previous links from the request
// URL so any filters are carried over.
func newPage[T any](u *url.URL, page engine.PageRequest, total int, results []T) PageResponse[T] {
	page = page.Normalize()
	if results == nil {
		results = []T{}
	}
	resp := PageResponse[T]{Count: total, Results: results}
	link := func(p int) *string {
		q := u.Query()
		q.Set("page", strconv.Itoa(p))
		q.Set("page_size", strconv.Itoa(page.PageSize))
		s := u.Path + "?" + q.Encode()
		return &s
	}
	if page.Page*page.PageSize < total {
		resp.Next = link(page.Page + 1)
	}
	if page.Page > 1 {
		resp.Previous = link(page.Page - 1)
	}
	return resp
}

type BatchFailureDTO struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

// BatchResponse reports a batch or bulk write. Skipped ids are neither
// updated nor failed; total_affected counts every id the operation visited.
type BatchResponse struct {
	Message       string            `json:"message"`
	BatchID       string            `json:"batch_id,omitempty"`
	UpdatedCount  int               `json:"updated_count"`
	FailedCount   int               `json:"failed_count"`
	SkippedCount  int               `json:"skipped_count"`
	TotalAffected int               `json:"total_affected"`
	UpdatedIDs    []int64           `json:"updated_ids"`
	Failed        []BatchFailureDTO `json:"failed"`
}

func toBatchResponse(verb string, r engine.BatchReport) BatchResponse {
	resp := BatchResponse{
		Message:       fmt.Sprintf("%s %d, failed %d", verb, r.UpdatedCount(), r.FailedCount()),
		BatchID:       r.BatchID,
		UpdatedCount:  r.UpdatedCount(),
		FailedCount:   r.FailedCount(),
		SkippedCount:  len(r.SkippedIDs),
		TotalAffected: r.TotalAffected(),
		UpdatedIDs:    r.UpdatedIDs,
		Failed:        make([]BatchFailureDTO, len(r.Failed)),
	}
	if resp.UpdatedIDs == nil {
		resp.UpdatedIDs = []int64{}
	}
	for i, f := range r.Failed {
		resp.Failed[i] = BatchFailureDTO{ID: f.ID, Error: f.Error}
	}
	return resp
}

// =============================================================================
// ENTITIES AND POINTS
// =============================================================================

type EntityDTO struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	Name       string    `json:"name"`
	Points     int64     `json:"points"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toEntityDTO(e engine.Entity) EntityDTO {
	return EntityDTO{
		ID:         e.ID,
		EntityType: string(e.Type),
		Name:       e.Name,
		Points:     e.Points,
		Version:    e.Version,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

type CreateEntityRequest struct {
	Name string `json:"name"`
}

type SetPointsRequest struct {
	Points *int64 `json:"points"`
	Reason string `json:"reason"`
}

type SetPointsResponse struct {
	Entity EntityDTO    `json:"entity"`
	Audit  *AuditLogDTO `json:"audit"` // null when the balance already matched
}

type PointsUpdateDTO struct {
	ID     int64 `json:"id"`
	Points int64 `json:"points"`
}

type BatchPointsRequest struct {
	Updates []PointsUpdateDTO `json:"updates"`
	Reason  string            `json:"reason"`
}

type BulkPointsRequest struct {
	IDs      []int64 `json:"ids"`
	Delta    int64   `json:"points"`
	Password string  `json:"password"`
}

type ResetPointsRequest struct {
	EntityType string `json:"entity_type"`
	Password   string `json:"password"`
}

type AuditLogDTO struct {
	ID             string    `json:"id"` // snowflake ids overflow JS numbers
	EntityType     string    `json:"entity_type"`
	EntityID       int64     `json:"entity_id"`
	ActionType     string    `json:"action_type"`
	PointsDelta    int64     `json:"points_delta"`
	PreviousPoints int64     `json:"previous_points"`
	NewPoints      int64     `json:"new_points"`
	ChangedBy      string    `json:"changed_by"`
	Reason         string    `json:"reason,omitempty"`
	BatchID        string    `json:"batch_id,omitempty"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toAuditLogDTO(l engine.AuditLog) AuditLogDTO {
	return AuditLogDTO{
		ID:             strconv.FormatInt(l.ID, 10),
		EntityType:     string(l.EntityType),
		EntityID:       l.EntityID,
		ActionType:     string(l.Action),
		PointsDelta:    l.PointsDelta,
		PreviousPoints: l.PreviousPoints,
		NewPoints:      l.NewPoints,
		ChangedBy:      l.ChangedBy,
		Reason:         l.Reason,
		BatchID:        l.BatchID,
		ReferenceID:    l.ReferenceID,
		CreatedAt:      l.CreatedAt,
	}
}

// =============================================================================
// CATALOGUE AND INVENTORY
// =============================================================================

type CatalogueItemDTO struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	HasStock       bool            `json:"has_stock"`
	Stock          int64           `json:"stock"`
	CommittedStock int64           `json:"committed_stock"`
	AvailableStock int64           `json:"available_stock"`
	PricingType    string          `json:"pricing_type"`
	PointsPerItem  decimal.Decimal `json:"points_per_item"`
	MinOrderQty    int64           `json:"min_order_qty"`
	MaxOrderQty    int64           `json:"max_order_qty"`
	IsArchived     bool            `json:"is_archived"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toCatalogueItemDTO(it engine.InventoryItem) CatalogueItemDTO {
	return CatalogueItemDTO{
		ID:             it.ID,
		Name:           it.Name,
		HasStock:       it.HasStock,
		Stock:          it.Stock,
		CommittedStock: it.CommittedStock,
		AvailableStock: it.AvailableStock(),
		PricingType:    string(it.PricingType),
		PointsPerItem:  it.PointsPerItem,
		MinOrderQty:    it.MinOrderQty,
		MaxOrderQty:    it.MaxOrderQty,
		IsArchived:     it.IsArchived,
		Version:        it.Version,
		CreatedAt:      it.CreatedAt,
		UpdatedAt:      it.UpdatedAt,
	}
}

type CreateCatalogueItemRequest struct {
	Name          string          `json:"name"`
	HasStock      *bool           `json:"has_stock"` // defaults to true
	Stock         int64           `json:"stock"`
	PricingType   string          `json:"pricing_type"`
	PointsPerItem decimal.Decimal `json:"points_per_item"`
	MinOrderQty   int64           `json:"min_order_qty"`
	MaxOrderQty   int64           `json:"max_order_qty"`
	IsArchived    bool            `json:"is_archived"`
}

type StockUpdateDTO struct {
	ID    int64 `json:"id"`
	Stock int64 `json:"stock"`
}

type BatchStockRequest struct {
	Updates []StockUpdateDTO `json:"updates"`
}

type BulkStockRequest struct {
	Delta       int64  `json:"delta"`
	ResetToZero bool   `json:"reset_to_zero"`
	Password    string `json:"password"`
}

// =============================================================================
// REDEMPTION REQUESTS
// =============================================================================

type RequestItemDTO struct {
	ID              int64            `json:"id"`
	CatalogueItemID int64            `json:"catalogue_item_id"`
	Quantity        int64            `json:"quantity"`
	DynamicQuantity *decimal.Decimal `json:"dynamic_quantity"`
	PointsPerItem   decimal.Decimal  `json:"points_per_item"`
	TotalPoints     int64            `json:"total_points"`
	ItemProcessedBy string           `json:"item_processed_by,omitempty"`
	ItemProcessedAt *time.Time       `json:"item_processed_at"`
}

type RequestDTO struct {
	ID                 int64  `json:"id"`
	RequestedBy        int64  `json:"requested_by"`
	RequestedFor       int64  `json:"requested_for,omitempty"`
	Team               string `json:"team,omitempty"`
	PointsDeductedFrom string `json:"points_deducted_from"`
	Status             string `json:"status"`
	ProcessingStatus   string `json:"processing_status"`
	TotalPoints        int64  `json:"total_points"`
	Remarks            string `json:"remarks,omitempty"`

	RequiresSalesApproval     bool       `json:"requires_sales_approval"`
	SalesApprovalStatus       string     `json:"sales_approval_status,omitempty"`
	SalesApprovedBy           string     `json:"sales_approved_by,omitempty"`
	SalesApprovalDate         *time.Time `json:"sales_approval_date,omitempty"`
	SalesRejectionReason      string     `json:"sales_rejection_reason,omitempty"`
	RequiresMarketingApproval bool       `json:"requires_marketing_approval"`
	MarketingApprovalStatus   string     `json:"marketing_approval_status,omitempty"`
	MarketingApprovedBy       string     `json:"marketing_approved_by,omitempty"`
	MarketingApprovalDate     *time.Time `json:"marketing_approval_date,omitempty"`
	MarketingRejectionReason  string     `json:"marketing_rejection_reason,omitempty"`

	DateRequested      time.Time  `json:"date_requested"`
	ReviewedAt         *time.Time `json:"reviewed_at"`
	ReviewedBy         string     `json:"reviewed_by,omitempty"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	ProcessedAt        *time.Time `json:"date_processed"`
	ProcessedBy        string     `json:"processed_by,omitempty"`
	CancelledAt        *time.Time `json:"date_cancelled"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`

	Items   []RequestItemDTO `json:"items"`
	Version int64            `json:"version"`
}

func toRequestDTO(r engine.Request) RequestDTO {
	dto := RequestDTO{
		ID:                 r.ID,
		RequestedBy:        r.RequestedBy,
		RequestedFor:       r.RequestedFor,
		Team:               r.Team,
		PointsDeductedFrom: string(r.PointsDeductedFrom),
		Status:             string(r.Status),
		ProcessingStatus:   string(r.ProcessingStatus),
		TotalPoints:        r.TotalPoints,
		Remarks:            r.Remarks,
		DateRequested:      r.DateRequested,
		ReviewedAt:         r.ReviewedAt,
		ReviewedBy:         r.ReviewedBy,
		RejectionReason:    r.RejectionReason,
		ProcessedAt:        r.ProcessedAt,
		ProcessedBy:        r.ProcessedBy,
		CancelledAt:        r.CancelledAt,
		CancelledBy:        r.CancelledBy,
		CancellationReason: r.CancellationReason,
		Items:              make([]RequestItemDTO, len(r.Items)),
		Version:            r.Version,
	}
	if g := r.Gate(engine.GateSales); g != nil {
		dto.RequiresSalesApproval = true
		dto.SalesApprovalStatus = string(g.Status)
		dto.SalesApprovedBy = g.DecidedBy
		dto.SalesApprovalDate = g.DecidedAt
		dto.SalesRejectionReason = g.RejectionReason
	}
	if g := r.Gate(engine.GateMarketing); g != nil {
		dto.RequiresMarketingApproval = true
		dto.MarketingApprovalStatus = string(g.Status)
		dto.MarketingApprovedBy = g.DecidedBy
		dto.MarketingApprovalDate = g.DecidedAt
		dto.MarketingRejectionReason = g.RejectionReason
	}
	for i, it := range r.Items {
		dto.Items[i] = RequestItemDTO{
			ID:              it.ID,
			CatalogueItemID: it.CatalogueItemID,
			Quantity:        it.Quantity,
			DynamicQuantity: it.DynamicQuantity,
			PointsPerItem:   it.PointsPerItem,
			TotalPoints:     it.TotalPoints,
			ItemProcessedBy: it.ItemProcessedBy,
			ItemProcessedAt: it.ItemProcessedAt,
		}
	}
	return dto
}

type LineItemRequest struct {
	CatalogueItemID int64            `json:"catalogue_item_id"`
	Quantity        int64            `json:"quantity"`
	DynamicQuantity *decimal.Decimal `json:"dynamic_quantity"`
}

type CreateRedemptionRequest struct {
	RequestedBy               int64             `json:"requested_by"`
	RequestedFor              int64             `json:"requested_for"`
	Team                      string            `json:"team"`
	PointsDeductedFrom        string            `json:"points_deducted_from"`
	RequiresSalesApproval     bool              `json:"requires_sales_approval"`
	RequiresMarketingApproval bool              `json:"requires_marketing_approval"`
	Remarks                   string            `json:"remarks"`
	Items                     []LineItemRequest `json:"items"`
}

type DecisionRequest struct {
	Channel  string `json:"channel"`  // SALES, MARKETING or REVIEWER
	Decision string `json:"decision"` // APPROVED or REJECTED
	Reason   string `json:"reason"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type ItemRefDTO struct {
	RequestID int64 `json:"request_id"`
	ItemID    int64 `json:"item_id"`
}

type ProcessItemsRequest struct {
	Items []ItemRefDTO `json:"items"`
}

type ItemOutcomeDTO struct {
	RequestID        int64  `json:"request_id"`
	ItemID           int64  `json:"item_id"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
	RequestProcessed bool   `json:"request_processed"`
}

func toItemOutcomeDTO(o engine.ItemOutcome) ItemOutcomeDTO {
	dto := ItemOutcomeDTO{
		RequestID:        o.RequestID,
		ItemID:           o.ItemID,
		Status:           string(o.Status),
		RequestProcessed: o.RequestProcessed,
	}
	if o.Err != nil {
		dto.Error = o.Err.Error()
	}
	return dto
}

// ProcessResponse reports per-item outcomes of a processing call.
type ProcessResponse struct {
	Message        string           `json:"message"`
	ProcessedCount int              `json:"processed_count"`
	FailedCount    int              `json:"failed_count"`
	Results        []ItemOutcomeDTO `json:"results"`
}

func toProcessResponse(outcomes []engine.ItemOutcome) ProcessResponse {
	resp := ProcessResponse{Results: make([]ItemOutcomeDTO, len(outcomes))}
	for i, o := range outcomes {
		resp.Results[i] = toItemOutcomeDTO(o)
		switch o.Status {
		case engine.ItemProcessed:
			resp.ProcessedCount++
		case engine.ItemFailed:
			resp.FailedCount++
		}
	}
	resp.Message = fmt.Sprintf("processed %d, failed %d", resp.ProcessedCount, resp.FailedCount)
	return resp
}

// =============================================================================
// DASHBOARD
// =============================================================================

type StatsDTO struct {
	PendingRequests     int              `json:"pending_requests"`
	ApprovedUnprocessed int              `json:"approved_unprocessed"`
	ProcessedRequests   int              `json:"processed_requests"`
	RejectedRequests    int              `json:"rejected_requests"`
	CancelledRequests   int              `json:"cancelled_requests"`
	PointsOutstanding   map[string]int64 `json:"points_outstanding"`
	LowStockItems       int              `json:"low_stock_items"`
}

func toStatsDTO(s engine.Stats) StatsDTO {
	dto := StatsDTO{
		PendingRequests:     s.PendingRequests,
		ApprovedUnprocessed: s.ApprovedUnprocessed,
		ProcessedRequests:   s.ProcessedRequests,
		RejectedRequests:    s.RejectedRequests,
		CancelledRequests:   s.CancelledRequests,
		PointsOutstanding:   make(map[string]int64, len(s.PointsOutstanding)),
		LowStockItems:       s.LowStockItems,
	}
	for t, v := range s.PointsOutstanding {
		dto.PointsOutstanding[string(t)] = v
	}
	return dto
}
