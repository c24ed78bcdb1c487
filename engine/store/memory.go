// Package store provides an in-memory engine.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory guards a state with a RWMutex. Every read hands out copies.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) CreateEntity(ctx context.Context, e *engine.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateEntity(ctx, e)
}

func (m *Memory) GetEntity(ctx context.Context, ref engine.EntityRef) (*engine.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetEntity(ctx, ref)
}

func (m *Memory) ListEntities(ctx context.Context, t engine.EntityType, opts engine.ListOptions) ([]engine.Entity, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListEntities(ctx, t, opts)
}

func (m *Memory) UpdateEntityPoints(ctx context.Context, ref engine.EntityRef, points, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateEntityPoints(ctx, ref, points, expectedVersion)
}

func (m *Memory) AppendAudit(ctx context.Context, log *engine.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendAudit(ctx, log)
}

func (m *Memory) ListAudit(ctx context.Context, ref engine.EntityRef, opts engine.ListOptions) ([]engine.AuditLog, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListAudit(ctx, ref, opts)
}

func (m *Memory) GetHold(ctx context.Context, requestID int64) (*engine.PointsHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetHold(ctx, requestID)
}

func (m *Memory) SaveHold(ctx context.Context, h *engine.PointsHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveHold(ctx, h)
}

func (m *Memory) CreateItem(ctx context.Context, item *engine.InventoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateItem(ctx, item)
}

func (m *Memory) GetItem(ctx context.Context, id int64) (*engine.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetItem(ctx, id)
}

func (m *Memory) ListItems(ctx context.Context, filter engine.ItemFilter, opts engine.ListOptions) ([]engine.InventoryItem, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListItems(ctx, filter, opts)
}

func (m *Memory) UpdateItemStock(ctx context.Context, id, stock, committed, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateItemStock(ctx, id, stock, committed, expectedVersion)
}

func (m *Memory) AppendMovement(ctx context.Context, mv *engine.StockMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendMovement(ctx, mv)
}

// Movements returns the stock trail of one item, oldest first.
func (m *Memory) Movements(itemID int64) []engine.StockMovement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.StockMovement
	for _, mv := range m.st.movements {
		if mv.ItemID == itemID {
			out = append(out, mv)
		}
	}
	return out
}

func (m *Memory) CreateRequest(ctx context.Context, r *engine.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateRequest(ctx, r)
}

func (m *Memory) GetRequest(ctx context.Context, id int64) (*engine.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetRequest(ctx, id)
}

func (m *Memory) UpdateRequest(ctx context.Context, r *engine.Request, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateRequest(ctx, r, expectedVersion)
}

func (m *Memory) ListRequests(ctx context.Context, filter engine.RequestFilter, opts engine.ListOptions) ([]engine.Request, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListRequests(ctx, filter, opts)
}

func (m *Memory) Stats(ctx context.Context, lowStockThreshold int64) (*engine.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Stats(ctx, lowStockThreshold)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

var _ engine.TxStore = (*TxMemory)(nil)

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized, so version checks inside one never fail.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := tm.st.clone()
	if err := fn(tm.st); err != nil {
		tm.st = snapshot
		return err
	}
	return nil
}

// =============================================================================
// STATE - unsynchronized tables; callers hold the lock
// =============================================================================

type state struct {
	entities  map[engine.EntityRef]engine.Entity
	entitySeq map[engine.EntityType]int64
	audit     []engine.AuditLog
	holds     map[int64]engine.PointsHold
	items     map[int64]engine.InventoryItem
	itemSeq   int64
	movements []engine.StockMovement
	requests  map[int64]*engine.Request
	reqSeq    int64
	lineSeq   int64
}

func newState() *state {
	return &state{
		entities:  make(map[engine.EntityRef]engine.Entity),
		entitySeq: make(map[engine.EntityType]int64),
		holds:     make(map[int64]engine.PointsHold),
		items:     make(map[int64]engine.InventoryItem),
		requests:  make(map[int64]*engine.Request),
	}
}

func (s *state) clone() *state {
	c := &state{
		entities:  make(map[engine.EntityRef]engine.Entity, len(s.entities)),
		entitySeq: make(map[engine.EntityType]int64, len(s.entitySeq)),
		audit:     append([]engine.AuditLog(nil), s.audit...),
		holds:     make(map[int64]engine.PointsHold, len(s.holds)),
		items:     make(map[int64]engine.InventoryItem, len(s.items)),
		itemSeq:   s.itemSeq,
		movements: append([]engine.StockMovement(nil), s.movements...),
		requests:  make(map[int64]*engine.Request, len(s.requests)),
		reqSeq:    s.reqSeq,
		lineSeq:   s.lineSeq,
	}
	for k, v := range s.entities {
		c.entities[k] = v
	}
	for k, v := range s.entitySeq {
		c.entitySeq[k] = v
	}
	for k, v := range s.holds {
		c.holds[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v.Clone()
	}
	return c
}

func stamp() time.Time { return time.Now().UTC() }

func window[T any](rows []T, opts engine.ListOptions) []T {
	if opts.Offset >= len(rows) {
		return []T{}
	}
	rows = rows[opts.Offset:]
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows
}

// Entities

func (s *state) CreateEntity(_ context.Context, e *engine.Entity) error {
	s.entitySeq[e.Type]++
	e.ID = s.entitySeq[e.Type]
	e.Points = 0
	e.Version = 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = stamp()
	}
	e.UpdatedAt = e.CreatedAt
	s.entities[e.Ref()] = *e
	return nil
}

func (s *state) GetEntity(_ context.Context, ref engine.EntityRef) (*engine.Entity, error) {
	e, ok := s.entities[ref]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", ref, engine.ErrNotFound)
	}
	return &e, nil
}

func (s *state) ListEntities(_ context.Context, t engine.EntityType, opts engine.ListOptions) ([]engine.Entity, int, error) {
	var rows []engine.Entity
	for ref, e := range s.entities {
		if ref.Type == t && e.ID > opts.AfterID {
			rows = append(rows, e)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return window(rows, opts), len(rows), nil
}

func (s *state) UpdateEntityPoints(_ context.Context, ref engine.EntityRef, points, expectedVersion int64) error {
	e, ok := s.entities[ref]
	if !ok {
		return fmt.Errorf("entity %s: %w", ref, engine.ErrNotFound)
	}
	if e.Version != expectedVersion {
		return fmt.Errorf("entity %s at version %d, expected %d: %w", ref, e.Version, expectedVersion, engine.ErrConcurrentModification)
	}
	if points < 0 {
		return fmt.Errorf("entity %s: negative balance %d: %w", ref, points, engine.ErrInvalidState)
	}
	e.Points = points
	e.Version++
	e.UpdatedAt = stamp()
	s.entities[ref] = e
	return nil
}

// Audit

func (s *state) AppendAudit(_ context.Context, log *engine.AuditLog) error {
	if !log.Consistent() {
		return fmt.Errorf("audit row for %s:%d does not add up: %w", log.EntityType, log.EntityID, engine.ErrInvalidState)
	}
	s.audit = append(s.audit, *log)
	return nil
}

func (s *state) ListAudit(_ context.Context, ref engine.EntityRef, opts engine.ListOptions) ([]engine.AuditLog, int, error) {
	var rows []engine.AuditLog
	for _, l := range s.audit {
		if l.EntityType == ref.Type && l.EntityID == ref.ID {
			rows = append(rows, l)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	return window(rows, opts), len(rows), nil
}

// Holds

func (s *state) GetHold(_ context.Context, requestID int64) (*engine.PointsHold, error) {
	h, ok := s.holds[requestID]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (s *state) SaveHold(_ context.Context, h *engine.PointsHold) error {
	if h.Outstanding() < 0 {
		return fmt.Errorf("hold for request %d over-settled: %w", h.RequestID, engine.ErrInvalidState)
	}
	s.holds[h.RequestID] = *h
	return nil
}

// Inventory

func (s *state) CreateItem(_ context.Context, item *engine.InventoryItem) error {
	s.itemSeq++
	item.ID = s.itemSeq
	item.Version = 1
	if item.CreatedAt.IsZero() {
		item.CreatedAt = stamp()
		item.UpdatedAt = item.CreatedAt
	}
	s.items[item.ID] = *item
	return nil
}

func (s *state) GetItem(_ context.Context, id int64) (*engine.InventoryItem, error) {
	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("catalogue item %d: %w", id, engine.ErrNotFound)
	}
	return &it, nil
}

func (s *state) ListItems(_ context.Context, filter engine.ItemFilter, opts engine.ListOptions) ([]engine.InventoryItem, int, error) {
	var rows []engine.InventoryItem
	for _, it := range s.items {
		if it.ID <= opts.AfterID {
			continue
		}
		if it.IsArchived && !filter.IncludeArchived {
			continue
		}
		if filter.StockTrackedOnly && !it.HasStock {
			continue
		}
		rows = append(rows, it)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return window(rows, opts), len(rows), nil
}

func (s *state) UpdateItemStock(_ context.Context, id, stock, committed, expectedVersion int64) error {
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("catalogue item %d: %w", id, engine.ErrNotFound)
	}
	if it.Version != expectedVersion {
		return fmt.Errorf("catalogue item %d at version %d, expected %d: %w", id, it.Version, expectedVersion, engine.ErrConcurrentModification)
	}
	if committed < 0 || committed > stock {
		return fmt.Errorf("catalogue item %d: committed %d outside [0, %d]: %w", id, committed, stock, engine.ErrInvalidState)
	}
	it.Stock = stock
	it.CommittedStock = committed
	it.Version++
	it.UpdatedAt = stamp()
	s.items[id] = it
	return nil
}

func (s *state) AppendMovement(_ context.Context, mv *engine.StockMovement) error {
	s.movements = append(s.movements, *mv)
	return nil
}

// Requests

func (s *state) CreateRequest(_ context.Context, r *engine.Request) error {
	s.reqSeq++
	r.ID = s.reqSeq
	r.Version = 1
	for i := range r.Items {
		s.lineSeq++
		r.Items[i].ID = s.lineSeq
		r.Items[i].RequestID = r.ID
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *state) GetRequest(_ context.Context, id int64) (*engine.Request, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("redemption request %d: %w", id, engine.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *state) UpdateRequest(_ context.Context, r *engine.Request, expectedVersion int64) error {
	cur, ok := s.requests[r.ID]
	if !ok {
		return fmt.Errorf("redemption request %d: %w", r.ID, engine.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("redemption request %d at version %d, expected %d: %w", r.ID, cur.Version, expectedVersion, engine.ErrConcurrentModification)
	}
	r.Version = expectedVersion + 1
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *state) ListRequests(_ context.Context, filter engine.RequestFilter, opts engine.ListOptions) ([]engine.Request, int, error) {
	var rows []engine.Request
	for _, r := range s.requests {
		if r.ID <= opts.AfterID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.ProcessingStatus != "" && r.ProcessingStatus != filter.ProcessingStatus {
			continue
		}
		if filter.RequestedBy != 0 && r.RequestedBy != filter.RequestedBy {
			continue
		}
		rows = append(rows, *r.Clone())
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID > rows[j].ID })
	return window(rows, opts), len(rows), nil
}

// Stats

func (s *state) Stats(_ context.Context, lowStockThreshold int64) (*engine.Stats, error) {
	st := &engine.Stats{PointsOutstanding: make(map[engine.EntityType]int64)}
	for _, r := range s.requests {
		switch {
		case r.ProcessingStatus == engine.Cancelled:
			st.CancelledRequests++
		case r.ProcessingStatus == engine.Processed:
			st.ProcessedRequests++
		case r.Status == engine.RequestRejected:
			st.RejectedRequests++
		case r.Status == engine.RequestApproved:
			st.ApprovedUnprocessed++
		default:
			st.PendingRequests++
		}
	}
	for ref, e := range s.entities {
		st.PointsOutstanding[ref.Type] += e.Points
	}
	for _, it := range s.items {
		if it.HasStock && !it.IsArchived && it.AvailableStock() <= lowStockThreshold {
			st.LowStockItems++
		}
	}
	return st, nil
}
