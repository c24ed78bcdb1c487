package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// INVENTORY RESERVATION MANAGER
// =============================================================================

// InventoryManager owns stock and committed stock. Available stock is always
// stock - committed, and 0 <= committed <= stock holds after every write.
// Items with HasStock = false are made to order and skip reservation.
type InventoryManager struct {
	store       TxStore
	stepUp      StepUpVerifier
	ids         *snowflake.Node
	now         func() time.Time
	concurrency int
}

// stockFunc computes the next (stock, committed) pair. skip leaves the row
// untouched and writes no movement.
type stockFunc func(item *InventoryItem) (stock, committed int64, skip bool, err error)

type movement struct {
	kind      MovementKind
	quantity  int64
	reference string
	actor     string
}

// move is the single read-check-write path for stock. It must run inside a
// transaction. Returns nil when the change was skipped.
func (m *InventoryManager) move(ctx context.Context, s Store, itemID int64, mv movement, next stockFunc) (*StockMovement, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	stock, committed, skip, err := next(item)
	if err != nil || skip {
		return nil, err
	}
	if committed < 0 || committed > stock {
		return nil, invalidState("item %d: committed %d outside [0, %d]", itemID, committed, stock)
	}
	if err := s.UpdateItemStock(ctx, itemID, stock, committed, item.Version); err != nil {
		return nil, err
	}

	rec := &StockMovement{
		ID:             m.ids.Generate().Int64(),
		ItemID:         itemID,
		Kind:           mv.kind,
		Quantity:       mv.quantity,
		StockAfter:     stock,
		CommittedAfter: committed,
		ReferenceID:    mv.reference,
		Actor:          mv.actor,
		CreatedAt:      m.now(),
	}
	if err := s.AppendMovement(ctx, rec); err != nil {
		return nil, fmt.Errorf("append movement for item %d: %w", itemID, err)
	}
	stockMovements.WithLabelValues(string(mv.kind)).Inc()
	return rec, nil
}

func (m *InventoryManager) moveOne(ctx context.Context, op string, itemID int64, mv movement, next stockFunc) (*StockMovement, error) {
	var rec *StockMovement
	err := withRetry(ctx, op, func() error {
		return m.store.WithTx(ctx, func(s Store) error {
			var err error
			rec, err = m.move(ctx, s, itemID, mv, next)
			return err
		})
	})
	return rec, err
}

// =============================================================================
// CATALOGUE
// =============================================================================

// Create registers a catalogue item. Initial stock is recorded as a SET
// movement.
func (m *InventoryManager) Create(ctx context.Context, item *InventoryItem, actor string) error {
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		return invalid("name", "required")
	}
	if item.PricingType == "" {
		item.PricingType = PricingFixed
	}
	if item.PricingType != PricingFixed && item.PricingType != PricingDynamic {
		return invalid("pricing_type", "unknown pricing type %q", item.PricingType)
	}
	if item.PointsPerItem.IsNegative() {
		return invalid("points_per_item", "must not be negative")
	}
	if item.Stock < 0 {
		return invalid("stock", "must not be negative")
	}
	if !item.HasStock && item.Stock != 0 {
		return invalid("stock", "items without stock tracking carry no stock")
	}
	if item.MinOrderQty == 0 {
		item.MinOrderQty = 1
	}
	if item.MinOrderQty < 1 {
		return invalid("min_order_qty", "must be at least 1")
	}
	if item.MaxOrderQty != 0 && item.MaxOrderQty < item.MinOrderQty {
		return invalid("max_order_qty", "must be at least min_order_qty")
	}
	item.CommittedStock = 0
	now := m.now()
	item.CreatedAt, item.UpdatedAt = now, now

	return m.store.WithTx(ctx, func(s Store) error {
		if err := s.CreateItem(ctx, item); err != nil {
			return err
		}
		if !item.HasStock {
			return nil
		}
		rec := &StockMovement{
			ID:          m.ids.Generate().Int64(),
			ItemID:      item.ID,
			Kind:        MovementSet,
			Quantity:    item.Stock,
			StockAfter:  item.Stock,
			ReferenceID: "catalogue:create",
			Actor:       actor,
			CreatedAt:   now,
		}
		return s.AppendMovement(ctx, rec)
	})
}

func (m *InventoryManager) Get(ctx context.Context, id int64) (*InventoryItem, error) {
	return m.store.GetItem(ctx, id)
}

func (m *InventoryManager) List(ctx context.Context, filter ItemFilter, page PageRequest) ([]InventoryItem, int, error) {
	return m.store.ListItems(ctx, filter, page.Options())
}

// =============================================================================
// RESERVATION - transaction-level operations used by the state machine
// =============================================================================

func (m *InventoryManager) commit(ctx context.Context, s Store, itemID, qty int64, ref, actor string) error {
	if qty < 1 {
		return invalid("quantity", "must be at least 1")
	}
	_, err := m.move(ctx, s, itemID, movement{MovementCommit, qty, ref, actor}, func(it *InventoryItem) (int64, int64, bool, error) {
		if !it.HasStock {
			return 0, 0, true, nil
		}
		if it.AvailableStock() < qty {
			return 0, 0, false, &InsufficientStockError{ItemID: it.ID, Available: it.AvailableStock(), Requested: qty}
		}
		return it.Stock, it.CommittedStock + qty, false, nil
	})
	return err
}

// release returns committed stock. Releasing more than is committed is a
// bookkeeping bug upstream; it is logged, counted and clamped to zero.
func (m *InventoryManager) release(ctx context.Context, s Store, itemID, qty int64, ref, actor string) error {
	if qty < 1 {
		return invalid("quantity", "must be at least 1")
	}
	_, err := m.move(ctx, s, itemID, movement{MovementRelease, qty, ref, actor}, func(it *InventoryItem) (int64, int64, bool, error) {
		if !it.HasStock {
			return 0, 0, true, nil
		}
		committed := it.CommittedStock - qty
		if committed < 0 {
			releaseUnderflow.Inc()
			zap.L().Error("stock release underflow",
				zap.Int64("item_id", it.ID),
				zap.Int64("committed", it.CommittedStock),
				zap.Int64("release", qty),
				zap.String("reference", ref))
			committed = 0
		}
		if committed == it.CommittedStock {
			return 0, 0, true, nil
		}
		return it.Stock, committed, false, nil
	})
	return err
}

func (m *InventoryManager) finalize(ctx context.Context, s Store, itemID, qty int64, ref, actor string) error {
	if qty < 1 {
		return invalid("quantity", "must be at least 1")
	}
	_, err := m.move(ctx, s, itemID, movement{MovementFinalize, qty, ref, actor}, func(it *InventoryItem) (int64, int64, bool, error) {
		if !it.HasStock {
			return 0, 0, true, nil
		}
		if it.CommittedStock < qty {
			return 0, 0, false, invalidState("item %d: finalize %d exceeds committed %d", it.ID, qty, it.CommittedStock)
		}
		return it.Stock - qty, it.CommittedStock - qty, false, nil
	})
	return err
}

// Commit reserves qty units of an item in its own transaction.
func (m *InventoryManager) Commit(ctx context.Context, itemID, qty int64, ref, actor string) error {
	return withRetry(ctx, "stock.commit", func() error {
		return m.store.WithTx(ctx, func(s Store) error { return m.commit(ctx, s, itemID, qty, ref, actor) })
	})
}

// Release returns qty committed units in its own transaction.
func (m *InventoryManager) Release(ctx context.Context, itemID, qty int64, ref, actor string) error {
	return withRetry(ctx, "stock.release", func() error {
		return m.store.WithTx(ctx, func(s Store) error { return m.release(ctx, s, itemID, qty, ref, actor) })
	})
}

// Finalize consumes qty committed units in its own transaction.
func (m *InventoryManager) Finalize(ctx context.Context, itemID, qty int64, ref, actor string) error {
	return withRetry(ctx, "stock.finalize", func() error {
		return m.store.WithTx(ctx, func(s Store) error { return m.finalize(ctx, s, itemID, qty, ref, actor) })
	})
}

// =============================================================================
// BATCH AND BULK STOCK UPDATES
// =============================================================================

type StockUpdate struct {
	ID    int64
	Stock int64
}

// BatchUpdateStock sets absolute stock per item. Each row is independent and
// may not drop stock below what is committed.
func (m *InventoryManager) BatchUpdateStock(ctx context.Context, updates []StockUpdate, actor string) (BatchReport, error) {
	if len(updates) == 0 {
		return BatchReport{}, invalid("updates", "at least one update is required")
	}

	outcomes := make([]Outcome, len(updates))
	fanOut(ctx, m.concurrency, len(updates), func(ctx context.Context, i int) {
		u := updates[i]
		if u.Stock < 0 {
			outcomes[i] = outcomeOf(u.ID, false, invalid("stock", "must not be negative"))
			return
		}
		rec, err := m.moveOne(ctx, "stock.set", u.ID, movement{MovementSet, u.Stock, "batch_update_stock", actor}, func(it *InventoryItem) (int64, int64, bool, error) {
			if !it.HasStock {
				return 0, 0, false, invalidState("item %d does not track stock", it.ID)
			}
			if u.Stock < it.CommittedStock {
				return 0, 0, false, invalidState("item %d: stock %d below committed %d", it.ID, u.Stock, it.CommittedStock)
			}
			return u.Stock, it.CommittedStock, u.Stock == it.Stock, nil
		})
		outcomes[i] = outcomeOf(u.ID, rec != nil, err)
	})

	var report BatchReport
	report.add(outcomes)
	zap.L().Info("batch stock update",
		zap.String("actor", actor),
		zap.Int("updated", report.UpdatedCount()),
		zap.Int("failed", report.FailedCount()))
	return report, nil
}

// BulkStockChange is either a signed delta or a reset to zero.
type BulkStockChange struct {
	Delta       int64
	ResetToZero bool
}

// BulkUpdateStock applies one change to every active stock-tracked item.
// A reset on an item with committed stock fails that item.
func (m *InventoryManager) BulkUpdateStock(ctx context.Context, change BulkStockChange, actor, password string) (BatchReport, error) {
	if err := m.stepUp.Verify(ctx, actor, password); err != nil {
		return BatchReport{}, err
	}
	if change.ResetToZero == (change.Delta != 0) {
		return BatchReport{}, invalid("change", "exactly one of delta or reset_to_zero is required")
	}

	mv := movement{kind: MovementDelta, quantity: change.Delta, actor: actor}
	next := func(it *InventoryItem) (int64, int64, bool, error) {
		stock := it.Stock + change.Delta
		if stock < it.CommittedStock {
			return 0, 0, false, invalidState("item %d: stock %d below committed %d", it.ID, stock, it.CommittedStock)
		}
		return stock, it.CommittedStock, false, nil
	}
	if change.ResetToZero {
		mv.kind = MovementReset
		next = func(it *InventoryItem) (int64, int64, bool, error) {
			if it.CommittedStock > 0 {
				return 0, 0, false, invalidState("item %d has %d committed units", it.ID, it.CommittedStock)
			}
			return 0, 0, it.Stock == 0, nil
		}
	}

	report := BatchReport{BatchID: uuid.NewString()}
	mv.reference = "bulk:" + report.BatchID
	filter := ItemFilter{StockTrackedOnly: true}

	var cursor int64
	for {
		page, _, err := m.store.ListItems(ctx, filter, ListOptions{AfterID: cursor, Limit: scanPageSize})
		if err != nil {
			return report, fmt.Errorf("list items after %d: %w", cursor, err)
		}
		if len(page) == 0 {
			break
		}
		outcomes := make([]Outcome, len(page))
		fanOut(ctx, m.concurrency, len(page), func(ctx context.Context, i int) {
			id := page[i].ID
			rec, err := m.moveOne(ctx, "stock.bulk", id, mv, next)
			outcomes[i] = outcomeOf(id, rec != nil, err)
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

	zap.L().Warn("bulk stock update",
		zap.String("batch_id", report.BatchID),
		zap.Int64("delta", change.Delta),
		zap.Bool("reset", change.ResetToZero),
		zap.String("actor", actor),
		zap.Int("updated", report.UpdatedCount()),
		zap.Int("failed", report.FailedCount()))
	return report, nil
}
