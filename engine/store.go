/*
store.go - Persistence interface for entities, ledger rows, inventory and requests

KEY INTERFACES:
  Store:   row-level reads and versioned writes
  TxStore: Store plus WithTx for all-or-nothing units of work

VERSIONED WRITES:
  Every counter update takes the version the caller read. If the stored
  version differs the write fails with ErrConcurrentModification and nothing
  is changed. Callers read and write inside the same WithTx so the check and
  the ledger row land atomically.

APPEND-ONLY:
  AppendAudit and AppendMovement are the only writes for their tables. There
  is no update or delete for either.

IMPLEMENTATIONS:
  - engine/store/memory.go: in-memory, for tests and local runs
  - store/sqlite/sqlite.go: SQLite via database/sql
*/
package engine

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Entities. CreateEntity assigns the ID; points always start at zero.
	CreateEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, ref EntityRef) (*Entity, error)
	ListEntities(ctx context.Context, t EntityType, opts ListOptions) ([]Entity, int, error)
	UpdateEntityPoints(ctx context.Context, ref EntityRef, points, expectedVersion int64) error

	// Points audit ledger. ListAudit returns newest first.
	AppendAudit(ctx context.Context, log *AuditLog) error
	ListAudit(ctx context.Context, ref EntityRef, opts ListOptions) ([]AuditLog, int, error)

	// Holds are keyed by request. GetHold returns (nil, nil) when absent.
	GetHold(ctx context.Context, requestID int64) (*PointsHold, error)
	SaveHold(ctx context.Context, h *PointsHold) error

	// Inventory.
	CreateItem(ctx context.Context, item *InventoryItem) error
	GetItem(ctx context.Context, id int64) (*InventoryItem, error)
	ListItems(ctx context.Context, filter ItemFilter, opts ListOptions) ([]InventoryItem, int, error)
	UpdateItemStock(ctx context.Context, id, stock, committed, expectedVersion int64) error
	AppendMovement(ctx context.Context, m *StockMovement) error

	// Requests. CreateRequest assigns request and item IDs.
	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id int64) (*Request, error)
	UpdateRequest(ctx context.Context, r *Request, expectedVersion int64) error
	ListRequests(ctx context.Context, filter RequestFilter, opts ListOptions) ([]Request, int, error)

	// Stats aggregates without locking.
	Stats(ctx context.Context, lowStockThreshold int64) (*Stats, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	// fn must only use the Store it is given.
	WithTx(ctx context.Context, fn func(Store) error) error
}
