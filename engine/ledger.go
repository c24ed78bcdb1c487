package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// POINTS LEDGER
// =============================================================================

// PointsLedger is the only writer of entity balances. Every accepted mutation
// lands as exactly one audit row in the same transaction as the balance
// update, so the ledger replays to the stored balance.
type PointsLedger struct {
	store       TxStore
	stepUp      StepUpVerifier
	ids         *snowflake.Node
	now         func() time.Time
	concurrency int
}

// pointsChange is the audit metadata for one mutation.
type pointsChange struct {
	action    AuditAction
	actor     string
	reason    string
	batchID   string
	reference string
}

// nextFunc decides the delta from the current balance. skip means the
// mutation is a no-op and no row is written.
type nextFunc func(current int64) (delta int64, skip bool, err error)

// apply is the single read-check-write path. It must run inside a transaction.
func (l *PointsLedger) apply(ctx context.Context, s Store, ref EntityRef, change pointsChange, next nextFunc) (*AuditLog, error) {
	e, err := s.GetEntity(ctx, ref)
	if err != nil {
		return nil, err
	}
	delta, skip, err := next(e.Points)
	if err != nil {
		return nil, err
	}
	if skip {
		return nil, nil
	}
	if delta > 0 && e.Points > math.MaxInt64-delta {
		return nil, invalid("points", "balance overflow for %s", ref)
	}
	newPoints := e.Points + delta
	if newPoints < 0 {
		return nil, &InsufficientPointsError{Entity: ref, Balance: e.Points, Requested: delta}
	}
	if err := s.UpdateEntityPoints(ctx, ref, newPoints, e.Version); err != nil {
		return nil, err
	}

	log := &AuditLog{
		ID:             l.ids.Generate().Int64(),
		EntityType:     ref.Type,
		EntityID:       ref.ID,
		Action:         change.action,
		PointsDelta:    delta,
		PreviousPoints: e.Points,
		NewPoints:      newPoints,
		ChangedBy:      change.actor,
		Reason:         change.reason,
		BatchID:        change.batchID,
		ReferenceID:    change.reference,
		CreatedAt:      l.now(),
	}
	if err := s.AppendAudit(ctx, log); err != nil {
		return nil, fmt.Errorf("append audit for %s: %w", ref, err)
	}
	pointsMutations.WithLabelValues(string(change.action)).Inc()
	return log, nil
}

// applyOne runs apply in its own transaction with one retry on conflict.
func (l *PointsLedger) applyOne(ctx context.Context, op string, ref EntityRef, change pointsChange, next nextFunc) (*AuditLog, error) {
	var log *AuditLog
	err := withRetry(ctx, op, func() error {
		return l.store.WithTx(ctx, func(s Store) error {
			var err error
			log, err = l.apply(ctx, s, ref, change, next)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return log, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *PointsLedger) Balance(ctx context.Context, ref EntityRef) (*Entity, error) {
	if !ref.Type.Valid() {
		return nil, invalid("entity_type", "unknown entity type %q", ref.Type)
	}
	return l.store.GetEntity(ctx, ref)
}

// History returns the audit rows of one entity, newest first, and the total.
func (l *PointsLedger) History(ctx context.Context, ref EntityRef, page PageRequest) ([]AuditLog, int, error) {
	if !ref.Type.Valid() {
		return nil, 0, invalid("entity_type", "unknown entity type %q", ref.Type)
	}
	if _, err := l.store.GetEntity(ctx, ref); err != nil {
		return nil, 0, err
	}
	return l.store.ListAudit(ctx, ref, page.Options())
}

// =============================================================================
// INDIVIDUAL AND BATCH SETS
// =============================================================================

// ApplyIndividualSet sets an absolute balance. Setting the current value is a
// no-op and returns a nil log.
func (l *PointsLedger) ApplyIndividualSet(ctx context.Context, ref EntityRef, newPoints int64, actor, reason string) (*AuditLog, error) {
	if !ref.Type.Valid() {
		return nil, invalid("entity_type", "unknown entity type %q", ref.Type)
	}
	if newPoints < 0 {
		return nil, invalid("points", "must not be negative")
	}
	change := pointsChange{action: ActionIndividualSet, actor: actor, reason: reason}
	return l.applyOne(ctx, "points.set", ref, change, func(current int64) (int64, bool, error) {
		return newPoints - current, newPoints == current, nil
	})
}

// PointsUpdate is one row of a batch set.
type PointsUpdate struct {
	ID     int64
	Points int64
}

// BatchSet applies absolute sets to entities of one type. Each row is an
// independent INDIVIDUAL_SET; a failed row changes nothing.
func (l *PointsLedger) BatchSet(ctx context.Context, t EntityType, updates []PointsUpdate, actor, reason string) (BatchReport, error) {
	if !t.Valid() {
		return BatchReport{}, invalid("entity_type", "unknown entity type %q", t)
	}
	if len(updates) == 0 {
		return BatchReport{}, invalid("updates", "at least one update is required")
	}

	outcomes := make([]Outcome, len(updates))
	seen := make(map[int64]bool, len(updates))
	dup := make([]bool, len(updates))
	for i, u := range updates {
		dup[i] = seen[u.ID]
		seen[u.ID] = true
	}

	fanOut(ctx, l.concurrency, len(updates), func(ctx context.Context, i int) {
		u := updates[i]
		if dup[i] {
			outcomes[i] = outcomeOf(u.ID, false, invalid("id", "duplicate entity %d in batch", u.ID))
			return
		}
		log, err := l.ApplyIndividualSet(ctx, EntityRef{Type: t, ID: u.ID}, u.Points, actor, reason)
		outcomes[i] = outcomeOf(u.ID, log != nil, err)
	})

	var report BatchReport
	report.add(outcomes)
	zap.L().Info("batch points set",
		zap.String("entity_type", string(t)),
		zap.String("actor", actor),
		zap.Int("updated", report.UpdatedCount()),
		zap.Int("failed", report.FailedCount()))
	return report, nil
}

// =============================================================================
// BULK OPERATIONS - step-up required
// =============================================================================

// ApplyBulkDelta adds delta to every listed entity. All rows written share one
// batch id. Entities that would go negative are reported as failed.
func (l *PointsLedger) ApplyBulkDelta(ctx context.Context, refs []EntityRef, delta int64, actor, password string) (BatchReport, error) {
	if err := l.stepUp.Verify(ctx, actor, password); err != nil {
		return BatchReport{}, err
	}
	if delta == 0 {
		return BatchReport{}, invalid("points", "delta must not be zero")
	}
	if len(refs) == 0 {
		return BatchReport{}, invalid("entities", "at least one entity is required")
	}
	for _, ref := range refs {
		if !ref.Type.Valid() {
			return BatchReport{}, invalid("entity_type", "unknown entity type %q", ref.Type)
		}
	}
	refs = dedupeRefs(refs)

	report := BatchReport{BatchID: uuid.NewString()}
	change := pointsChange{action: ActionBulkDelta, actor: actor, batchID: report.BatchID}
	outcomes := make([]Outcome, len(refs))
	fanOut(ctx, l.concurrency, len(refs), func(ctx context.Context, i int) {
		log, err := l.applyOne(ctx, "points.bulk_delta", refs[i], change, func(int64) (int64, bool, error) {
			return delta, false, nil
		})
		outcomes[i] = outcomeOf(refs[i].ID, log != nil, err)
	})
	report.add(outcomes)

	zap.L().Info("bulk points delta",
		zap.String("batch_id", report.BatchID),
		zap.Int64("delta", delta),
		zap.String("actor", actor),
		zap.Int("updated", report.UpdatedCount()),
		zap.Int("failed", report.FailedCount()))
	return report, nil
}

// ResetAll zeroes every balance of one entity type and writes one BULK_RESET
// row per entity, a zero-delta row for balances already at zero. Entities are
// enumerated by id cursor so a rerun after partial failure covers them all.
func (l *PointsLedger) ResetAll(ctx context.Context, t EntityType, actor, password string) (BatchReport, error) {
	if err := l.stepUp.Verify(ctx, actor, password); err != nil {
		return BatchReport{}, err
	}
	if !t.Valid() {
		return BatchReport{}, invalid("entity_type", "unknown entity type %q", t)
	}

	report := BatchReport{BatchID: uuid.NewString()}
	change := pointsChange{action: ActionBulkReset, actor: actor, batchID: report.BatchID}
	reset := func(current int64) (int64, bool, error) {
		return -current, false, nil
	}

	var cursor int64
	for {
		page, _, err := l.store.ListEntities(ctx, t, ListOptions{AfterID: cursor, Limit: scanPageSize})
		if err != nil {
			return report, fmt.Errorf("list %s after %d: %w", t, cursor, err)
		}
		if len(page) == 0 {
			break
		}
		outcomes := make([]Outcome, len(page))
		fanOut(ctx, l.concurrency, len(page), func(ctx context.Context, i int) {
			ref := page[i].Ref()
			log, err := l.applyOne(ctx, "points.reset", ref, change, reset)
			outcomes[i] = outcomeOf(ref.ID, log != nil, err)
		})
		report.add(outcomes)
		cursor = page[len(page)-1].ID
		if len(page) < scanPageSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
	}

	zap.L().Warn("reset all points",
		zap.String("batch_id", report.BatchID),
		zap.String("entity_type", string(t)),
		zap.String("actor", actor),
		zap.Int("reset", report.UpdatedCount()),
		zap.Int("failed", report.FailedCount()))
	return report, nil
}

func dedupeRefs(refs []EntityRef) []EntityRef {
	seen := make(map[EntityRef]bool, len(refs))
	out := make([]EntityRef, 0, len(refs))
	for _, r := range refs {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// =============================================================================
// HOLDS - called by the request state machine inside its transaction
// =============================================================================

func requestReference(id int64) string { return fmt.Sprintf("request:%d", id) }

// hold deducts amount for a request and records the hold. A zero amount
// places nothing.
func (l *PointsLedger) hold(ctx context.Context, s Store, requestID int64, ref EntityRef, amount int64, actor string) error {
	if amount < 0 {
		return invalidState("request %d: negative hold %d", requestID, amount)
	}
	if amount == 0 {
		return nil
	}
	change := pointsChange{
		action:    ActionRedemptionHold,
		actor:     actor,
		reason:    "redemption request hold",
		reference: requestReference(requestID),
	}
	if _, err := l.apply(ctx, s, ref, change, func(int64) (int64, bool, error) {
		return -amount, false, nil
	}); err != nil {
		return err
	}
	return s.SaveHold(ctx, &PointsHold{
		RequestID: requestID,
		Entity:    ref,
		Amount:    amount,
		Status:    HoldHeld,
		UpdatedAt: l.now(),
	})
}

// captureHold makes up to amount of the hold permanent. The points already
// left the balance at hold time, so no audit row is written.
func (l *PointsLedger) captureHold(ctx context.Context, s Store, requestID, amount int64) error {
	h, err := s.GetHold(ctx, requestID)
	if err != nil || h == nil {
		return err
	}
	if amount > h.Outstanding() {
		amount = h.Outstanding()
	}
	if amount <= 0 {
		return nil
	}
	h.Captured += amount
	if h.Outstanding() == 0 {
		h.Status = HoldCaptured
	}
	h.UpdatedAt = l.now()
	return s.SaveHold(ctx, h)
}

// reverseHold refunds the uncaptured remainder with a HOLD_REVERSAL row.
func (l *PointsLedger) reverseHold(ctx context.Context, s Store, requestID int64, actor, reason string) error {
	h, err := s.GetHold(ctx, requestID)
	if err != nil || h == nil {
		return err
	}
	refund := h.Outstanding()
	if refund <= 0 {
		return nil
	}
	change := pointsChange{
		action:    ActionHoldReversal,
		actor:     actor,
		reason:    reason,
		reference: requestReference(requestID),
	}
	if _, err := l.apply(ctx, s, h.Entity, change, func(int64) (int64, bool, error) {
		return refund, false, nil
	}); err != nil {
		return err
	}
	h.Released += refund
	h.Status = HoldReleased
	h.UpdatedAt = l.now()
	return s.SaveHold(ctx, h)
}
