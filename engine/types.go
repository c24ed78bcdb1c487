/*
Package engine implements the redemption-request lifecycle and the points and
inventory reconciliation that backs it.

PURPOSE:
  A dashboard lets admins, sales and marketing approve redemption requests for
  catalogue items, paid for with user or distributor points. This package owns
  every rule that keeps three things consistent under concurrent writes:
  - the points balance of each entity and its append-only audit ledger
  - the stock / committed stock split of each catalogue item
  - the status of each request and each of its line items

KEY CONCEPTS IN THIS FILE (types.go):
  - Entity:        a points holder (user, distributor, customer)
  - AuditLog:      an immutable record of one points mutation
  - PointsHold:    points deducted for a pending request, reversible until final
  - InventoryItem: a catalogue item with stock and committed stock
  - Request:       a redemption request with gates and line items

DESIGN PRINCIPLES:
  1. Versioned rows: every mutable counter carries a version; writes are
     compare-and-swap on that version.
  2. Append-only history: audit rows and stock movements are never updated.
  3. Derived values are never stored: available stock is computed.

SEE ALSO:
  - errors.go:    error taxonomy
  - store.go:     persistence interfaces
  - ledger.go:    PointsLedger
  - inventory.go: InventoryManager
  - gates.go:     GateCoordinator
  - request.go:   RequestService (the state machine)
*/
package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTITIES - Points holders
// =============================================================================

type EntityType string

const (
	EntityUser        EntityType = "USER"
	EntityDistributor EntityType = "DISTRIBUTOR"
	EntityCustomer    EntityType = "CUSTOMER"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityUser, EntityDistributor, EntityCustomer:
		return true
	}
	return false
}

// EntityRef identifies a points holder. IDs are only unique within a type.
type EntityRef struct {
	Type EntityType `json:"entity_type"`
	ID   int64      `json:"entity_id"`
}

func (r EntityRef) String() string { return fmt.Sprintf("%s:%d", r.Type, r.ID) }

type Entity struct {
	Type      EntityType
	ID        int64
	Name      string
	Points    int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e Entity) Ref() EntityRef { return EntityRef{Type: e.Type, ID: e.ID} }

// =============================================================================
// POINTS AUDIT LOG - One immutable row per accepted points mutation
// =============================================================================

type AuditAction string

const (
	ActionIndividualSet  AuditAction = "INDIVIDUAL_SET"
	ActionBulkDelta      AuditAction = "BULK_DELTA"
	ActionBulkReset      AuditAction = "BULK_RESET"
	ActionRedemptionHold AuditAction = "REDEMPTION_HOLD" // points deducted when a request is created
	ActionHoldReversal   AuditAction = "HOLD_REVERSAL"   // refund on reject or cancel
)

type AuditLog struct {
	ID             int64
	EntityType     EntityType
	EntityID       int64
	Action         AuditAction
	PointsDelta    int64
	PreviousPoints int64
	NewPoints      int64
	ChangedBy      string
	Reason         string
	BatchID        string // shared by every row of one bulk operation
	ReferenceID    string // e.g. "request:42" for holds
	CreatedAt      time.Time
}

// Consistent reports whether the row satisfies the ledger arithmetic.
func (l AuditLog) Consistent() bool {
	return l.NewPoints == l.PreviousPoints+l.PointsDelta && l.NewPoints >= 0
}

// =============================================================================
// POINTS HOLD - Deduction placed for a point-funded request
// =============================================================================

type HoldStatus string

const (
	HoldHeld     HoldStatus = "HELD"
	HoldCaptured HoldStatus = "CAPTURED"
	HoldReleased HoldStatus = "RELEASED"
)

// PointsHold tracks how much of a request's deduction has been captured by
// processed items and how much was refunded. Amount = Captured + Released +
// Outstanding at all times.
type PointsHold struct {
	RequestID int64
	Entity    EntityRef
	Amount    int64
	Captured  int64
	Released  int64
	Status    HoldStatus
	UpdatedAt time.Time
}

func (h PointsHold) Outstanding() int64 { return h.Amount - h.Captured - h.Released }

// =============================================================================
// INVENTORY
// =============================================================================

type PricingType string

const (
	PricingFixed   PricingType = "FIXED"
	PricingDynamic PricingType = "DYNAMIC" // priced per unit of a caller-supplied dynamic quantity
)

type InventoryItem struct {
	ID             int64
	Name           string
	HasStock       bool // false: made to order, never reserved
	Stock          int64
	CommittedStock int64
	PricingType    PricingType
	PointsPerItem  decimal.Decimal
	MinOrderQty    int64
	MaxOrderQty    int64 // 0 means no upper bound
	IsArchived     bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (i InventoryItem) AvailableStock() int64 { return i.Stock - i.CommittedStock }

type MovementKind string

const (
	MovementCommit   MovementKind = "COMMIT"
	MovementRelease  MovementKind = "RELEASE"
	MovementFinalize MovementKind = "FINALIZE"
	MovementSet      MovementKind = "SET"
	MovementDelta    MovementKind = "DELTA"
	MovementReset    MovementKind = "RESET"
)

// StockMovement is the append-only trail of inventory mutations.
type StockMovement struct {
	ID             int64
	ItemID         int64
	Kind           MovementKind
	Quantity       int64
	StockAfter     int64
	CommittedAfter int64
	ReferenceID    string
	Actor          string
	CreatedAt      time.Time
}

// =============================================================================
// REDEMPTION REQUESTS
// =============================================================================

type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

type ProcessingStatus string

const (
	NotProcessed ProcessingStatus = "NOT_PROCESSED"
	Processed    ProcessingStatus = "PROCESSED"
	Cancelled    ProcessingStatus = "CANCELLED"
)

// PointsSource says whose balance funds a request.
type PointsSource string

const (
	PointsFromSelf        PointsSource = "SELF"        // the requesting user
	PointsFromDistributor PointsSource = "DISTRIBUTOR" // the distributor the request is for
	PointsFromNone        PointsSource = "NONE"
)

func (s PointsSource) Valid() bool {
	switch s {
	case PointsFromSelf, PointsFromDistributor, PointsFromNone:
		return true
	}
	return false
}

type Request struct {
	ID                 int64
	RequestedBy        int64 // user id
	RequestedFor       int64 // distributor id
	Team               string
	PointsDeductedFrom PointsSource
	Status             RequestStatus
	ProcessingStatus   ProcessingStatus
	Gates              []Gate
	TotalPoints        int64
	Remarks            string

	DateRequested      time.Time
	ReviewedAt         *time.Time
	ReviewedBy         string
	RejectionReason    string
	ProcessedAt        *time.Time
	ProcessedBy        string
	CancelledAt        *time.Time
	CancelledBy        string
	CancellationReason string

	Items     []RequestItem
	Version   int64
	UpdatedAt time.Time
}

type RequestItem struct {
	ID              int64
	RequestID       int64
	CatalogueItemID int64
	Quantity        int64
	DynamicQuantity *decimal.Decimal
	PointsPerItem   decimal.Decimal
	TotalPoints     int64
	ItemProcessedBy string
	ItemProcessedAt *time.Time
}

func (i RequestItem) Processed() bool { return i.ItemProcessedAt != nil }

// PointsEntity returns the entity whose balance funds the request.
func (r *Request) PointsEntity() (EntityRef, bool) {
	switch r.PointsDeductedFrom {
	case PointsFromSelf:
		return EntityRef{Type: EntityUser, ID: r.RequestedBy}, true
	case PointsFromDistributor:
		return EntityRef{Type: EntityDistributor, ID: r.RequestedFor}, true
	}
	return EntityRef{}, false
}

func (r *Request) Gate(kind GateKind) *Gate {
	for i := range r.Gates {
		if r.Gates[i].Kind == kind {
			return &r.Gates[i]
		}
	}
	return nil
}

func (r *Request) Item(id int64) *RequestItem {
	for i := range r.Items {
		if r.Items[i].ID == id {
			return &r.Items[i]
		}
	}
	return nil
}

func (r *Request) AllItemsProcessed() bool {
	for _, it := range r.Items {
		if !it.Processed() {
			return false
		}
	}
	return true
}

// Final reports whether the request can no longer change.
func (r *Request) Final() bool {
	return r.ProcessingStatus == Processed || r.ProcessingStatus == Cancelled
}

// Clone returns a deep copy. Stores hand out clones so callers never alias
// stored state.
func (r *Request) Clone() *Request {
	c := *r
	c.Gates = make([]Gate, len(r.Gates))
	for i, g := range r.Gates {
		c.Gates[i] = g
		c.Gates[i].DecidedAt = cloneTime(g.DecidedAt)
	}
	c.Items = make([]RequestItem, len(r.Items))
	for i, it := range r.Items {
		c.Items[i] = it
		c.Items[i].ItemProcessedAt = cloneTime(it.ItemProcessedAt)
		if it.DynamicQuantity != nil {
			d := *it.DynamicQuantity
			c.Items[i].DynamicQuantity = &d
		}
	}
	c.ReviewedAt = cloneTime(r.ReviewedAt)
	c.ProcessedAt = cloneTime(r.ProcessedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// =============================================================================
// QUERIES
// =============================================================================

// ListOptions pages a listing. AfterID gives a restartable cursor for
// enumerations whose underlying set may change between pages.
type ListOptions struct {
	AfterID int64
	Offset  int
	Limit   int
}

type ItemFilter struct {
	IncludeArchived  bool
	StockTrackedOnly bool
}

type RequestFilter struct {
	Status           RequestStatus
	ProcessingStatus ProcessingStatus
	RequestedBy      int64
}

// Stats is a lock-free dashboard aggregate; it may be slightly stale.
type Stats struct {
	PendingRequests     int
	ApprovedUnprocessed int
	ProcessedRequests   int
	RejectedRequests    int
	CancelledRequests   int
	PointsOutstanding   map[EntityType]int64
	LowStockItems       int
}
