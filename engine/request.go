package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// REQUEST LIFECYCLE STATE MACHINE
// =============================================================================

// RequestService is the only writer of redemption requests. Each transition
// runs in one transaction together with the stock and points effects it
// implies, so a failed transition leaves no trace.
//
//	status:            PENDING -> APPROVED | REJECTED
//	processing_status: NOT_PROCESSED -> PROCESSED | CANCELLED
//
// PROCESSED requires APPROVED. Both axes are terminal once left.
type RequestService struct {
	store       TxStore
	ledger      *PointsLedger
	inventory   *InventoryManager
	gates       *GateCoordinator
	now         func() time.Time
	concurrency int
}

// LineInput is one requested catalogue item.
type LineInput struct {
	CatalogueItemID int64
	Quantity        int64
	DynamicQuantity *decimal.Decimal
}

type CreateRequestInput struct {
	RequestedBy               int64
	RequestedFor              int64
	Team                      string
	PointsDeductedFrom        PointsSource
	RequiresSalesApproval     bool
	RequiresMarketingApproval bool
	Remarks                   string
	Items                     []LineInput
	Actor                     string
}

func (in *CreateRequestInput) validate() error {
	if strings.TrimSpace(in.Actor) == "" {
		return invalid("actor", "required")
	}
	if in.RequestedBy <= 0 {
		return invalid("requested_by", "required")
	}
	if in.PointsDeductedFrom == "" {
		in.PointsDeductedFrom = PointsFromSelf
	}
	if !in.PointsDeductedFrom.Valid() {
		return invalid("points_deducted_from", "unknown source %q", in.PointsDeductedFrom)
	}
	if in.PointsDeductedFrom == PointsFromDistributor && in.RequestedFor <= 0 {
		return invalid("requested_for", "required when points come from the distributor")
	}
	if len(in.Items) == 0 {
		return invalid("items", "at least one item is required")
	}
	seen := make(map[int64]bool, len(in.Items))
	for _, line := range in.Items {
		if seen[line.CatalogueItemID] {
			return invalid("items", "catalogue item %d appears more than once", line.CatalogueItemID)
		}
		seen[line.CatalogueItemID] = true
		if line.Quantity < 1 {
			return invalid("quantity", "must be at least 1 for item %d", line.CatalogueItemID)
		}
	}
	return nil
}

// Create validates, prices, reserves stock and places the points hold in one
// transaction. Ungated requests may come out APPROVED.
func (rs *RequestService) Create(ctx context.Context, in CreateRequestInput) (*Request, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var created *Request
	err := withRetry(ctx, "request.create", func() error {
		return rs.store.WithTx(ctx, func(s Store) error {
			r, err := rs.create(ctx, s, in)
			created = r
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	requestTransitions.WithLabelValues(string(created.Status)).Inc()
	zap.L().Info("redemption request created",
		zap.Int64("request_id", created.ID),
		zap.Int64("total_points", created.TotalPoints),
		zap.String("status", string(created.Status)),
		zap.String("actor", in.Actor))
	return created, nil
}

func (rs *RequestService) create(ctx context.Context, s Store, in CreateRequestInput) (*Request, error) {
	if _, err := s.GetEntity(ctx, EntityRef{Type: EntityUser, ID: in.RequestedBy}); err != nil {
		return nil, fmt.Errorf("requested_by: %w", err)
	}
	if in.RequestedFor > 0 {
		if _, err := s.GetEntity(ctx, EntityRef{Type: EntityDistributor, ID: in.RequestedFor}); err != nil {
			return nil, fmt.Errorf("requested_for: %w", err)
		}
	}

	now := rs.now()
	r := &Request{
		RequestedBy:        in.RequestedBy,
		RequestedFor:       in.RequestedFor,
		Team:               strings.TrimSpace(in.Team),
		PointsDeductedFrom: in.PointsDeductedFrom,
		ProcessingStatus:   NotProcessed,
		Remarks:            in.Remarks,
		DateRequested:      now,
		UpdatedAt:          now,
	}

	var kinds []GateKind
	if in.RequiresSalesApproval {
		kinds = append(kinds, GateSales)
	}
	if in.RequiresMarketingApproval {
		kinds = append(kinds, GateMarketing)
	}
	r.Gates = RequiredGates(kinds...)

	for _, line := range in.Items {
		item, err := s.GetItem(ctx, line.CatalogueItemID)
		if err != nil {
			return nil, err
		}
		if item.IsArchived {
			return nil, invalid("items", "catalogue item %d is archived", item.ID)
		}
		if line.Quantity < item.MinOrderQty {
			return nil, invalid("quantity", "item %d requires at least %d", item.ID, item.MinOrderQty)
		}
		if item.MaxOrderQty > 0 && line.Quantity > item.MaxOrderQty {
			return nil, invalid("quantity", "item %d allows at most %d", item.ID, item.MaxOrderQty)
		}
		total, err := PriceLine(*item, line.Quantity, line.DynamicQuantity)
		if err != nil {
			return nil, err
		}
		if r.TotalPoints > math.MaxInt64-total {
			return nil, invalid("items", "request total exceeds the points range")
		}
		r.Items = append(r.Items, RequestItem{
			CatalogueItemID: item.ID,
			Quantity:        line.Quantity,
			DynamicQuantity: line.DynamicQuantity,
			PointsPerItem:   item.PointsPerItem,
			TotalPoints:     total,
		})
		r.TotalPoints += total
	}

	rs.gates.Initialize(r, now)
	if err := s.CreateRequest(ctx, r); err != nil {
		return nil, err
	}

	ref := requestReference(r.ID)
	for _, it := range r.Items {
		if err := rs.inventory.commit(ctx, s, it.CatalogueItemID, it.Quantity, ref, in.Actor); err != nil {
			return nil, err
		}
	}
	if entity, ok := r.PointsEntity(); ok {
		if err := rs.ledger.hold(ctx, s, r.ID, entity, r.TotalPoints, in.Actor); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// =============================================================================
// READS
// =============================================================================

func (rs *RequestService) Get(ctx context.Context, id int64) (*Request, error) {
	return rs.store.GetRequest(ctx, id)
}

func (rs *RequestService) List(ctx context.Context, filter RequestFilter, page PageRequest) ([]Request, int, error) {
	return rs.store.ListRequests(ctx, filter, page.Options())
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// transition loads a request, lets fn mutate it and persists it against the
// version that was read, all inside one retried transaction.
func (rs *RequestService) transition(ctx context.Context, op string, id int64, fn func(s Store, r *Request) error) (*Request, error) {
	var out *Request
	err := withRetry(ctx, op, func() error {
		return rs.store.WithTx(ctx, func(s Store) error {
			r, err := s.GetRequest(ctx, id)
			if err != nil {
				return err
			}
			version := r.Version
			if err := fn(s, r); err != nil {
				return err
			}
			r.UpdatedAt = rs.now()
			if err := s.UpdateRequest(ctx, r, version); err != nil {
				return err
			}
			out = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordApprovalDecision applies one gate (or reviewer) decision. A rejection
// releases the request's committed stock and refunds its hold in the same
// transaction.
func (rs *RequestService) RecordApprovalDecision(ctx context.Context, id int64, channel GateKind, decision Decision, actor, reason string) (*Request, error) {
	var before RequestStatus
	r, err := rs.transition(ctx, "request.decide", id, func(s Store, r *Request) error {
		before = r.Status
		after, err := rs.gates.Decide(r, channel, decision, actor, reason, rs.now())
		if err != nil {
			return err
		}
		if after == RequestRejected {
			return rs.unwind(ctx, s, r, actor, "request rejected: "+strings.TrimSpace(reason))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.Status != before {
		requestTransitions.WithLabelValues(string(r.Status)).Inc()
		zap.L().Info("redemption request reviewed",
			zap.Int64("request_id", r.ID),
			zap.String("status", string(r.Status)),
			zap.String("channel", string(channel)),
			zap.String("actor", actor))
	}
	return r, nil
}

// unwind releases committed stock of every unprocessed item and refunds the
// outstanding hold.
func (rs *RequestService) unwind(ctx context.Context, s Store, r *Request, actor, reason string) error {
	ref := requestReference(r.ID)
	for _, it := range r.Items {
		if it.Processed() {
			continue
		}
		if err := rs.inventory.release(ctx, s, it.CatalogueItemID, it.Quantity, ref, actor); err != nil {
			return err
		}
	}
	return rs.ledger.reverseHold(ctx, s, r.ID, actor, reason)
}

// Cancel stops a request before it is fully processed. Items already
// processed stay processed; their points stay captured.
func (rs *RequestService) Cancel(ctx context.Context, id int64, actor, reason string) (*Request, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, invalid("actor", "required")
	}
	r, err := rs.transition(ctx, "request.cancel", id, func(s Store, r *Request) error {
		if r.Final() || r.Status == RequestRejected {
			return alreadyFinal(r)
		}
		reason = strings.TrimSpace(reason)
		refund := "request cancelled"
		if reason != "" {
			refund += ": " + reason
		}
		if err := rs.unwind(ctx, s, r, actor, refund); err != nil {
			return err
		}
		at := rs.now()
		r.ProcessingStatus = Cancelled
		r.CancelledAt = &at
		r.CancelledBy = actor
		r.CancellationReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	requestTransitions.WithLabelValues(string(Cancelled)).Inc()
	zap.L().Info("redemption request cancelled",
		zap.Int64("request_id", r.ID),
		zap.String("actor", actor))
	return r, nil
}

// =============================================================================
// PROCESSING
// =============================================================================

type ItemOutcomeStatus string

const (
	ItemProcessed        ItemOutcomeStatus = "processed"
	ItemAlreadyProcessed ItemOutcomeStatus = "already_processed"
	ItemFailed           ItemOutcomeStatus = "failed"
)

type ItemRef struct {
	RequestID int64
	ItemID    int64
}

type ItemOutcome struct {
	RequestID int64
	ItemID    int64
	Status    ItemOutcomeStatus
	Err       error
	// RequestProcessed is set when this item completed its request.
	RequestProcessed bool
}

// MarkItemProcessed finalizes one item's stock and captures its points.
// Marking an item twice yields ItemAlreadyProcessed and no second effect.
// The error is non-nil only when the outcome is ItemFailed.
func (rs *RequestService) MarkItemProcessed(ctx context.Context, requestID, itemID int64, actor string) (ItemOutcome, error) {
	out := ItemOutcome{RequestID: requestID, ItemID: itemID}
	if strings.TrimSpace(actor) == "" {
		out.Status, out.Err = ItemFailed, invalid("actor", "required")
		return out, out.Err
	}

	r, err := rs.transition(ctx, "request.process_item", requestID, func(s Store, r *Request) error {
		if r.ProcessingStatus == Cancelled {
			return invalidState("request %d is cancelled", r.ID)
		}
		if r.Status != RequestApproved {
			return invalidState("request %d is %s, not APPROVED", r.ID, r.Status)
		}
		it := r.Item(itemID)
		if it == nil {
			return notFound("request item", itemID)
		}
		if it.Processed() {
			return fmt.Errorf("request %d item %d: %w", r.ID, itemID, ErrAlreadyProcessed)
		}

		ref := requestReference(r.ID)
		if err := rs.inventory.finalize(ctx, s, it.CatalogueItemID, it.Quantity, ref, actor); err != nil {
			return err
		}
		if err := rs.ledger.captureHold(ctx, s, r.ID, it.TotalPoints); err != nil {
			return err
		}
		at := rs.now()
		it.ItemProcessedAt = &at
		it.ItemProcessedBy = actor
		if r.AllItemsProcessed() {
			r.ProcessingStatus = Processed
			r.ProcessedAt = &at
			r.ProcessedBy = actor
		}
		return nil
	})

	switch {
	case errors.Is(err, ErrAlreadyProcessed):
		out.Status = ItemAlreadyProcessed
		return out, nil
	case err != nil:
		out.Status, out.Err = ItemFailed, err
		return out, err
	}

	out.Status = ItemProcessed
	out.RequestProcessed = r.ProcessingStatus == Processed
	if out.RequestProcessed {
		requestTransitions.WithLabelValues(string(Processed)).Inc()
		zap.L().Info("redemption request processed",
			zap.Int64("request_id", r.ID),
			zap.String("actor", actor))
	}
	return out, nil
}

// MarkItemsProcessed processes each item independently. Items of one request
// run in order; different requests run concurrently. The outcome slice lines
// up with refs.
func (rs *RequestService) MarkItemsProcessed(ctx context.Context, refs []ItemRef, actor string) []ItemOutcome {
	outcomes := make([]ItemOutcome, len(refs))

	groups := make(map[int64][]int)
	var order []int64
	for i, ref := range refs {
		if _, ok := groups[ref.RequestID]; !ok {
			order = append(order, ref.RequestID)
		}
		groups[ref.RequestID] = append(groups[ref.RequestID], i)
	}
	sort.Slice(order, func(a, b int) bool { return order[a] < order[b] })

	fanOut(ctx, rs.concurrency, len(order), func(ctx context.Context, g int) {
		for _, i := range groups[order[g]] {
			outcomes[i], _ = rs.MarkItemProcessed(ctx, refs[i].RequestID, refs[i].ItemID, actor)
		}
	})
	return outcomes
}

// ProcessRequest marks every item of one request.
func (rs *RequestService) ProcessRequest(ctx context.Context, id int64, actor string) ([]ItemOutcome, error) {
	r, err := rs.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	refs := make([]ItemRef, len(r.Items))
	for i, it := range r.Items {
		refs[i] = ItemRef{RequestID: id, ItemID: it.ID}
	}
	return rs.MarkItemsProcessed(ctx, refs, actor), nil
}
