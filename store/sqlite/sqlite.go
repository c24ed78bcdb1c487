/*
Package sqlite provides a SQLite-backed implementation of engine.TxStore.

PURPOSE:
  Persists entities, the points audit ledger, holds, catalogue items, stock
  movements and redemption requests. In production the same patterns apply to
  PostgreSQL with minor dialect differences.

APPEND-ONLY ENFORCEMENT:
  points_audit_logs and stock_movements reject UPDATE and DELETE through
  triggers. Corrections are new rows (HOLD_REVERSAL, RELEASE).

INVARIANTS IN SCHEMA:
  - points_audit_logs: new_points = previous_points + points_delta, new_points >= 0
  - entities:          points >= 0
  - catalogue_items:   0 <= committed_stock <= stock
  - points_holds:      captured + released <= amount
  - redemption requests and their items: total_points >= 0
  - redemption_requests: PROCESSED implies APPROVED
  A violated CHECK or trigger surfaces as engine.ErrInvalidState.

VERSIONED WRITES:
  Counter updates run "UPDATE ... SET version = version + 1 WHERE id = ? AND
  version = ?". Zero affected rows on an existing row is
  engine.ErrConcurrentModification.

CONCURRENCY:
  Writes go through one connection guarded by a mutex. File databases also
  open a query-only pool, and reads outside a transaction use it without
  taking the lock; WAL lets them proceed while a writer is open and they see
  the last committed state. ":memory:" lives on one connection, so there reads
  share the writer's connection under a read lock. Inside WithTx every read
  goes through the transaction, never a pool, or it would wait on itself.

USAGE:
  store, err := sqlite.New("./data/redemption.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng, err := engine.New(store, engine.Options{...})

SEE ALSO:
  - engine/store.go:        interface definitions
  - engine/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
)

// timeLayout is fixed-width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements engine.TxStore using SQLite.
type Store struct {
	db    *sql.DB
	reads *sql.DB // nil for ":memory:"
	mu    sync.RWMutex
	c     conn
	r     conn
}

var _ engine.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" is per connection; one connection also serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, c: conn{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if dbPath != ":memory:" {
		reads, err := sql.Open("sqlite3", dbPath+"?_query_only=1&_busy_timeout=5000")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open read pool: %w", err)
		}
		reads.SetMaxOpenConns(8)
		store.reads = reads
		store.r = conn{q: reads}
	}

	return store, nil
}

// Close closes the database connections.
func (s *Store) Close() error {
	if s.reads != nil {
		s.reads.Close()
	}
	return s.db.Close()
}

// reader returns the connection for a read outside a transaction and the
// function that releases it.
func (s *Store) reader() (conn, func()) {
	if s.reads != nil {
		return s.r, func() {}
	}
	s.mu.RLock()
	return s.c, s.mu.RUnlock
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Points holders. IDs are scoped by type.
	CREATE TABLE IF NOT EXISTS entities (
		entity_type TEXT NOT NULL,
		id INTEGER NOT NULL,
		name TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, id)
	);

	-- Points audit ledger (append-only)
	CREATE TABLE IF NOT EXISTS points_audit_logs (
		id INTEGER PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		action_type TEXT NOT NULL,
		points_delta INTEGER NOT NULL,
		previous_points INTEGER NOT NULL,
		new_points INTEGER NOT NULL,
		changed_by TEXT NOT NULL,
		reason TEXT,
		batch_id TEXT,
		reference_id TEXT,
		created_at TEXT NOT NULL,
		CHECK (new_points = previous_points + points_delta AND new_points >= 0)
	);

	-- History hot path: newest first per entity
	CREATE INDEX IF NOT EXISTS idx_audit_entity_created
		ON points_audit_logs(entity_type, entity_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_batch
		ON points_audit_logs(batch_id) WHERE batch_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS trg_audit_no_update
		BEFORE UPDATE ON points_audit_logs
		BEGIN SELECT RAISE(ABORT, 'points_audit_logs is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_audit_no_delete
		BEFORE DELETE ON points_audit_logs
		BEGIN SELECT RAISE(ABORT, 'points_audit_logs is append-only'); END;

	-- Points held by redemption requests
	CREATE TABLE IF NOT EXISTS points_holds (
		request_id INTEGER PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		amount INTEGER NOT NULL CHECK (amount >= 0),
		captured INTEGER NOT NULL DEFAULT 0,
		released INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (captured >= 0 AND released >= 0 AND captured + released <= amount)
	);

	-- Catalogue
	CREATE TABLE IF NOT EXISTS catalogue_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		has_stock BOOLEAN NOT NULL DEFAULT TRUE,
		stock INTEGER NOT NULL DEFAULT 0,
		committed_stock INTEGER NOT NULL DEFAULT 0,
		pricing_type TEXT NOT NULL DEFAULT 'FIXED',
		points_per_item TEXT NOT NULL,
		min_order_qty INTEGER NOT NULL DEFAULT 1,
		max_order_qty INTEGER NOT NULL DEFAULT 0,
		is_archived BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (committed_stock >= 0 AND committed_stock <= stock)
	);

	-- Stock trail (append-only)
	CREATE TABLE IF NOT EXISTS stock_movements (
		id INTEGER PRIMARY KEY,
		item_id INTEGER NOT NULL REFERENCES catalogue_items(id),
		kind TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		stock_after INTEGER NOT NULL,
		committed_after INTEGER NOT NULL,
		reference_id TEXT,
		actor TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_item
		ON stock_movements(item_id, id);

	CREATE TRIGGER IF NOT EXISTS trg_movements_no_update
		BEFORE UPDATE ON stock_movements
		BEGIN SELECT RAISE(ABORT, 'stock_movements is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_movements_no_delete
		BEFORE DELETE ON stock_movements
		BEGIN SELECT RAISE(ABORT, 'stock_movements is append-only'); END;

	-- Redemption requests
	CREATE TABLE IF NOT EXISTS redemption_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		requested_by INTEGER NOT NULL,
		requested_for INTEGER NOT NULL DEFAULT 0,
		team TEXT,
		points_deducted_from TEXT NOT NULL,
		status TEXT NOT NULL,
		processing_status TEXT NOT NULL,
		gates_json TEXT NOT NULL,
		total_points INTEGER NOT NULL CHECK (total_points >= 0),
		remarks TEXT,
		date_requested TEXT NOT NULL,
		reviewed_at TEXT,
		reviewed_by TEXT,
		rejection_reason TEXT,
		processed_at TEXT,
		processed_by TEXT,
		cancelled_at TEXT,
		cancelled_by TEXT,
		cancellation_reason TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		CHECK (processing_status != 'PROCESSED' OR status = 'APPROVED')
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON redemption_requests(status, processing_status);
	CREATE INDEX IF NOT EXISTS idx_requests_requested_by
		ON redemption_requests(requested_by);

	CREATE TABLE IF NOT EXISTS redemption_request_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id INTEGER NOT NULL REFERENCES redemption_requests(id),
		position INTEGER NOT NULL,
		catalogue_item_id INTEGER NOT NULL REFERENCES catalogue_items(id),
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		dynamic_quantity TEXT,
		points_per_item TEXT NOT NULL,
		total_points INTEGER NOT NULL CHECK (total_points >= 0),
		item_processed_by TEXT,
		item_processed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_request_items_request
		ON redemption_request_items(request_id, position);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (engine.Store interface)
// =============================================================================

func (s *Store) CreateEntity(ctx context.Context, e *engine.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.CreateEntity(ctx, e)
}

func (s *Store) GetEntity(ctx context.Context, ref engine.EntityRef) (*engine.Entity, error) {
	c, done := s.reader()
	defer done()
	return c.GetEntity(ctx, ref)
}

func (s *Store) ListEntities(ctx context.Context, t engine.EntityType, opts engine.ListOptions) ([]engine.Entity, int, error) {
	c, done := s.reader()
	defer done()
	return c.ListEntities(ctx, t, opts)
}

func (s *Store) UpdateEntityPoints(ctx context.Context, ref engine.EntityRef, points, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.UpdateEntityPoints(ctx, ref, points, expectedVersion)
}

func (s *Store) AppendAudit(ctx context.Context, log *engine.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.AppendAudit(ctx, log)
}

func (s *Store) ListAudit(ctx context.Context, ref engine.EntityRef, opts engine.ListOptions) ([]engine.AuditLog, int, error) {
	c, done := s.reader()
	defer done()
	return c.ListAudit(ctx, ref, opts)
}

func (s *Store) GetHold(ctx context.Context, requestID int64) (*engine.PointsHold, error) {
	c, done := s.reader()
	defer done()
	return c.GetHold(ctx, requestID)
}

func (s *Store) SaveHold(ctx context.Context, h *engine.PointsHold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.SaveHold(ctx, h)
}

func (s *Store) CreateItem(ctx context.Context, item *engine.InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.CreateItem(ctx, item)
}

func (s *Store) GetItem(ctx context.Context, id int64) (*engine.InventoryItem, error) {
	c, done := s.reader()
	defer done()
	return c.GetItem(ctx, id)
}

func (s *Store) ListItems(ctx context.Context, filter engine.ItemFilter, opts engine.ListOptions) ([]engine.InventoryItem, int, error) {
	c, done := s.reader()
	defer done()
	return c.ListItems(ctx, filter, opts)
}

func (s *Store) UpdateItemStock(ctx context.Context, id, stock, committed, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.UpdateItemStock(ctx, id, stock, committed, expectedVersion)
}

func (s *Store) AppendMovement(ctx context.Context, m *engine.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.AppendMovement(ctx, m)
}

// Movements returns the stock trail of one item, oldest first.
func (s *Store) Movements(ctx context.Context, itemID int64) ([]engine.StockMovement, error) {
	c, done := s.reader()
	defer done()
	return c.movements(ctx, itemID)
}

func (s *Store) CreateRequest(ctx context.Context, r *engine.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTxLocked(ctx, func(c conn) error { return c.CreateRequest(ctx, r) })
}

func (s *Store) GetRequest(ctx context.Context, id int64) (*engine.Request, error) {
	c, done := s.reader()
	defer done()
	return c.GetRequest(ctx, id)
}

func (s *Store) UpdateRequest(ctx context.Context, r *engine.Request, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTxLocked(ctx, func(c conn) error { return c.UpdateRequest(ctx, r, expectedVersion) })
}

func (s *Store) ListRequests(ctx context.Context, filter engine.RequestFilter, opts engine.ListOptions) ([]engine.Request, int, error) {
	c, done := s.reader()
	defer done()
	return c.ListRequests(ctx, filter, opts)
}

func (s *Store) Stats(ctx context.Context, lowStockThreshold int64) (*engine.Stats, error) {
	c, done := s.reader()
	defer done()
	return c.Stats(ctx, lowStockThreshold)
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTxLocked(ctx, func(c conn) error { return fn(c) })
}

// withTxLocked runs fn in a transaction; the caller holds s.mu.
func (s *Store) withTxLocked(ctx context.Context, fn func(c conn) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// CONN - statements shared by the pool and transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements engine.Store over either *sql.DB or *sql.Tx.
type conn struct {
	q querier
}

type rowScanner interface {
	Scan(dest ...any) error
}

// limitOffset turns options into LIMIT/OFFSET; -1 is SQLite for unbounded.
func limitOffset(opts engine.ListOptions) (int, int) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	return limit, opts.Offset
}

// Entities

func (c conn) CreateEntity(ctx context.Context, e *engine.Entity) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.UpdatedAt = e.CreatedAt
	e.Points = 0
	e.Version = 1

	err := c.q.QueryRowContext(ctx, `
		INSERT INTO entities (entity_type, id, name, points, version, created_at, updated_at)
		SELECT ?, COALESCE(MAX(id), 0) + 1, ?, 0, 1, ?, ?
		FROM entities WHERE entity_type = ?
		RETURNING id
	`, e.Type, e.Name, formatTime(e.CreatedAt), formatTime(e.UpdatedAt), e.Type).Scan(&e.ID)
	if err != nil {
		return mapError(fmt.Errorf("failed to create entity: %w", err))
	}
	return nil
}

const entityColumns = `entity_type, id, name, points, version, created_at, updated_at`

func scanEntity(row rowScanner) (engine.Entity, error) {
	var (
		e                    engine.Entity
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.Type, &e.ID, &e.Name, &e.Points, &e.Version, &createdAt, &updatedAt); err != nil {
		return e, err
	}
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

func (c conn) GetEntity(ctx context.Context, ref engine.EntityRef) (*engine.Entity, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND id = ?`, ref.Type, ref.ID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", ref, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", ref, err)
	}
	return &e, nil
}

func (c conn) ListEntities(ctx context.Context, t engine.EntityType, opts engine.ListOptions) ([]engine.Entity, int, error) {
	var total int
	if err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE entity_type = ? AND id > ?`, t, opts.AfterID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count entities: %w", err)
	}

	limit, offset := limitOffset(opts)
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE entity_type = ? AND id > ?
		ORDER BY id ASC LIMIT ? OFFSET ?
	`, t, opts.AfterID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	entities := []engine.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, total, rows.Err()
}

func (c conn) UpdateEntityPoints(ctx context.Context, ref engine.EntityRef, points, expectedVersion int64) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE entities SET points = ?, version = version + 1, updated_at = ?
		WHERE entity_type = ? AND id = ? AND version = ?
	`, points, formatTime(time.Now()), ref.Type, ref.ID, expectedVersion)
	if err != nil {
		return mapError(fmt.Errorf("failed to update entity %s: %w", ref, err))
	}
	return c.checkCAS(ctx, res, fmt.Sprintf("entity %s", ref),
		`SELECT COUNT(*) FROM entities WHERE entity_type = ? AND id = ?`, ref.Type, ref.ID)
}

// checkCAS turns zero affected rows into not-found or a version conflict.
func (c conn) checkCAS(ctx context.Context, res sql.Result, what, existsQuery string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := c.q.QueryRowContext(ctx, existsQuery, args...).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%s: %w", what, engine.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, engine.ErrConcurrentModification)
}

// Audit

func (c conn) AppendAudit(ctx context.Context, l *engine.AuditLog) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO points_audit_logs
		(id, entity_type, entity_id, action_type, points_delta, previous_points, new_points,
		 changed_by, reason, batch_id, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.EntityType, l.EntityID, l.Action, l.PointsDelta, l.PreviousPoints, l.NewPoints,
		l.ChangedBy, nullString(l.Reason), nullString(l.BatchID), nullString(l.ReferenceID),
		formatTime(l.CreatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to append audit row: %w", err))
	}
	return nil
}

func (c conn) ListAudit(ctx context.Context, ref engine.EntityRef, opts engine.ListOptions) ([]engine.AuditLog, int, error) {
	var total int
	if err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM points_audit_logs WHERE entity_type = ? AND entity_id = ?`, ref.Type, ref.ID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit rows: %w", err)
	}

	limit, offset := limitOffset(opts)
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action_type, points_delta, previous_points, new_points,
		       changed_by, reason, batch_id, reference_id, created_at
		FROM points_audit_logs
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, ref.Type, ref.ID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit rows: %w", err)
	}
	defer rows.Close()

	logs := []engine.AuditLog{}
	for rows.Next() {
		var (
			l                        engine.AuditLog
			reason, batch, reference sql.NullString
			createdAt                string
		)
		if err := rows.Scan(&l.ID, &l.EntityType, &l.EntityID, &l.Action, &l.PointsDelta,
			&l.PreviousPoints, &l.NewPoints, &l.ChangedBy, &reason, &batch, &reference, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit row: %w", err)
		}
		l.Reason, l.BatchID, l.ReferenceID = reason.String, batch.String, reference.String
		l.CreatedAt = parseTime(createdAt)
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

// Holds

func (c conn) GetHold(ctx context.Context, requestID int64) (*engine.PointsHold, error) {
	var (
		h         engine.PointsHold
		updatedAt string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT request_id, entity_type, entity_id, amount, captured, released, status, updated_at
		FROM points_holds WHERE request_id = ?
	`, requestID).Scan(&h.RequestID, &h.Entity.Type, &h.Entity.ID, &h.Amount, &h.Captured, &h.Released, &h.Status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hold for request %d: %w", requestID, err)
	}
	h.UpdatedAt = parseTime(updatedAt)
	return &h, nil
}

func (c conn) SaveHold(ctx context.Context, h *engine.PointsHold) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO points_holds (request_id, entity_type, entity_id, amount, captured, released, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			captured = excluded.captured,
			released = excluded.released,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, h.RequestID, h.Entity.Type, h.Entity.ID, h.Amount, h.Captured, h.Released, h.Status, formatTime(h.UpdatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to save hold for request %d: %w", h.RequestID, err))
	}
	return nil
}

// Inventory

func (c conn) CreateItem(ctx context.Context, it *engine.InventoryItem) error {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
		it.UpdatedAt = it.CreatedAt
	}
	it.Version = 1
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO catalogue_items
		(name, has_stock, stock, committed_stock, pricing_type, points_per_item,
		 min_order_qty, max_order_qty, is_archived, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, it.Name, it.HasStock, it.Stock, it.CommittedStock, it.PricingType, it.PointsPerItem.String(),
		it.MinOrderQty, it.MaxOrderQty, it.IsArchived, formatTime(it.CreatedAt), formatTime(it.UpdatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to create catalogue item: %w", err))
	}
	it.ID, err = res.LastInsertId()
	return err
}

const itemColumns = `id, name, has_stock, stock, committed_stock, pricing_type, points_per_item,
	min_order_qty, max_order_qty, is_archived, version, created_at, updated_at`

func scanItem(row rowScanner) (engine.InventoryItem, error) {
	var (
		it                   engine.InventoryItem
		price                string
		createdAt, updatedAt string
	)
	err := row.Scan(&it.ID, &it.Name, &it.HasStock, &it.Stock, &it.CommittedStock, &it.PricingType, &price,
		&it.MinOrderQty, &it.MaxOrderQty, &it.IsArchived, &it.Version, &createdAt, &updatedAt)
	if err != nil {
		return it, err
	}
	it.PointsPerItem = parseDecimal(price)
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	return it, nil
}

func (c conn) GetItem(ctx context.Context, id int64) (*engine.InventoryItem, error) {
	it, err := scanItem(c.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM catalogue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalogue item %d: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get catalogue item %d: %w", id, err)
	}
	return &it, nil
}

func (c conn) ListItems(ctx context.Context, filter engine.ItemFilter, opts engine.ListOptions) ([]engine.InventoryItem, int, error) {
	where := []string{"id > ?"}
	args := []any{opts.AfterID}
	if !filter.IncludeArchived {
		where = append(where, "is_archived = FALSE")
	}
	if filter.StockTrackedOnly {
		where = append(where, "has_stock = TRUE")
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalogue_items`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count catalogue items: %w", err)
	}

	limit, offset := limitOffset(opts)
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM catalogue_items`+clause+` ORDER BY id ASC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list catalogue items: %w", err)
	}
	defer rows.Close()

	items := []engine.InventoryItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan catalogue item: %w", err)
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

func (c conn) UpdateItemStock(ctx context.Context, id, stock, committed, expectedVersion int64) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE catalogue_items SET stock = ?, committed_stock = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, stock, committed, formatTime(time.Now()), id, expectedVersion)
	if err != nil {
		return mapError(fmt.Errorf("failed to update stock of item %d: %w", id, err))
	}
	return c.checkCAS(ctx, res, fmt.Sprintf("catalogue item %d", id),
		`SELECT COUNT(*) FROM catalogue_items WHERE id = ?`, id)
}

func (c conn) AppendMovement(ctx context.Context, m *engine.StockMovement) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO stock_movements
		(id, item_id, kind, quantity, stock_after, committed_after, reference_id, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ItemID, m.Kind, m.Quantity, m.StockAfter, m.CommittedAfter,
		nullString(m.ReferenceID), nullString(m.Actor), formatTime(m.CreatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to append stock movement: %w", err))
	}
	return nil
}

func (c conn) movements(ctx context.Context, itemID int64) ([]engine.StockMovement, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, item_id, kind, quantity, stock_after, committed_after, reference_id, actor, created_at
		FROM stock_movements WHERE item_id = ? ORDER BY created_at ASC, id ASC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock movements: %w", err)
	}
	defer rows.Close()

	var out []engine.StockMovement
	for rows.Next() {
		var (
			m                engine.StockMovement
			reference, actor sql.NullString
			createdAt        string
		)
		if err := rows.Scan(&m.ID, &m.ItemID, &m.Kind, &m.Quantity, &m.StockAfter, &m.CommittedAfter,
			&reference, &actor, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan stock movement: %w", err)
		}
		m.ReferenceID, m.Actor = reference.String, actor.String
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// REQUESTS
// =============================================================================

// gateRecord is the stored JSON shape of one gate.
type gateRecord struct {
	Kind            engine.GateKind   `json:"kind"`
	Status          engine.GateStatus `json:"status"`
	DecidedBy       string            `json:"decided_by,omitempty"`
	DecidedAt       *time.Time        `json:"decided_at,omitempty"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
}

func encodeGates(gates []engine.Gate) (string, error) {
	recs := make([]gateRecord, len(gates))
	for i, g := range gates {
		recs[i] = gateRecord(g)
	}
	b, err := json.Marshal(recs)
	return string(b), err
}

func decodeGates(s string) ([]engine.Gate, error) {
	var recs []gateRecord
	if err := json.Unmarshal([]byte(s), &recs); err != nil {
		return nil, err
	}
	gates := make([]engine.Gate, len(recs))
	for i, r := range recs {
		gates[i] = engine.Gate(r)
	}
	return gates, nil
}

func (c conn) CreateRequest(ctx context.Context, r *engine.Request) error {
	gatesJSON, err := encodeGates(r.Gates)
	if err != nil {
		return fmt.Errorf("failed to encode gates: %w", err)
	}
	r.Version = 1
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO redemption_requests
		(requested_by, requested_for, team, points_deducted_from, status, processing_status,
		 gates_json, total_points, remarks, date_requested, reviewed_at, reviewed_by,
		 rejection_reason, processed_at, processed_by, cancelled_at, cancelled_by,
		 cancellation_reason, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, r.RequestedBy, r.RequestedFor, nullString(r.Team), r.PointsDeductedFrom, r.Status, r.ProcessingStatus,
		gatesJSON, r.TotalPoints, nullString(r.Remarks), formatTime(r.DateRequested),
		formatNullTime(r.ReviewedAt), nullString(r.ReviewedBy), nullString(r.RejectionReason),
		formatNullTime(r.ProcessedAt), nullString(r.ProcessedBy), formatNullTime(r.CancelledAt),
		nullString(r.CancelledBy), nullString(r.CancellationReason), formatTime(r.UpdatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to create request: %w", err))
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	for i := range r.Items {
		it := &r.Items[i]
		it.RequestID = r.ID
		var dynamic any
		if it.DynamicQuantity != nil {
			dynamic = it.DynamicQuantity.String()
		}
		res, err := c.q.ExecContext(ctx, `
			INSERT INTO redemption_request_items
			(request_id, position, catalogue_item_id, quantity, dynamic_quantity, points_per_item,
			 total_points, item_processed_by, item_processed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, i, it.CatalogueItemID, it.Quantity, dynamic, it.PointsPerItem.String(),
			it.TotalPoints, nullString(it.ItemProcessedBy), formatNullTime(it.ItemProcessedAt))
		if err != nil {
			return mapError(fmt.Errorf("failed to create request item: %w", err))
		}
		if it.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

const requestColumns = `id, requested_by, requested_for, team, points_deducted_from, status,
	processing_status, gates_json, total_points, remarks, date_requested, reviewed_at, reviewed_by,
	rejection_reason, processed_at, processed_by, cancelled_at, cancelled_by, cancellation_reason,
	version, updated_at`

func scanRequest(row rowScanner) (engine.Request, error) {
	var (
		r                                      engine.Request
		team, remarks, reviewedBy, rejection   sql.NullString
		processedBy, cancelledBy, cancellation sql.NullString
		reviewedAt, processedAt, cancelledAt   sql.NullString
		gatesJSON, dateRequested, updatedAt    string
	)
	err := row.Scan(&r.ID, &r.RequestedBy, &r.RequestedFor, &team, &r.PointsDeductedFrom, &r.Status,
		&r.ProcessingStatus, &gatesJSON, &r.TotalPoints, &remarks, &dateRequested, &reviewedAt, &reviewedBy,
		&rejection, &processedAt, &processedBy, &cancelledAt, &cancelledBy, &cancellation,
		&r.Version, &updatedAt)
	if err != nil {
		return r, err
	}
	if r.Gates, err = decodeGates(gatesJSON); err != nil {
		return r, fmt.Errorf("failed to decode gates of request %d: %w", r.ID, err)
	}
	r.Team, r.Remarks = team.String, remarks.String
	r.ReviewedBy, r.RejectionReason = reviewedBy.String, rejection.String
	r.ProcessedBy, r.CancelledBy, r.CancellationReason = processedBy.String, cancelledBy.String, cancellation.String
	r.DateRequested = parseTime(dateRequested)
	r.UpdatedAt = parseTime(updatedAt)
	r.ReviewedAt = parseNullTime(reviewedAt)
	r.ProcessedAt = parseNullTime(processedAt)
	r.CancelledAt = parseNullTime(cancelledAt)
	return r, nil
}

func (c conn) loadItems(ctx context.Context, r *engine.Request) error {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, request_id, catalogue_item_id, quantity, dynamic_quantity, points_per_item,
		       total_points, item_processed_by, item_processed_at
		FROM redemption_request_items WHERE request_id = ? ORDER BY position ASC
	`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to query items of request %d: %w", r.ID, err)
	}
	defer rows.Close()

	r.Items = nil
	for rows.Next() {
		var (
			it              engine.RequestItem
			dynamic, by, at sql.NullString
			price           string
		)
		if err := rows.Scan(&it.ID, &it.RequestID, &it.CatalogueItemID, &it.Quantity, &dynamic, &price,
			&it.TotalPoints, &by, &at); err != nil {
			return fmt.Errorf("failed to scan request item: %w", err)
		}
		if dynamic.Valid {
			d := parseDecimal(dynamic.String)
			it.DynamicQuantity = &d
		}
		it.PointsPerItem = parseDecimal(price)
		it.ItemProcessedBy = by.String
		it.ItemProcessedAt = parseNullTime(at)
		r.Items = append(r.Items, it)
	}
	return rows.Err()
}

func (c conn) GetRequest(ctx context.Context, id int64) (*engine.Request, error) {
	r, err := scanRequest(c.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM redemption_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("redemption request %d: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request %d: %w", id, err)
	}
	if err := c.loadItems(ctx, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c conn) UpdateRequest(ctx context.Context, r *engine.Request, expectedVersion int64) error {
	gatesJSON, err := encodeGates(r.Gates)
	if err != nil {
		return fmt.Errorf("failed to encode gates: %w", err)
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE redemption_requests SET
			status = ?, processing_status = ?, gates_json = ?, reviewed_at = ?, reviewed_by = ?,
			rejection_reason = ?, processed_at = ?, processed_by = ?, cancelled_at = ?,
			cancelled_by = ?, cancellation_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, r.Status, r.ProcessingStatus, gatesJSON, formatNullTime(r.ReviewedAt), nullString(r.ReviewedBy),
		nullString(r.RejectionReason), formatNullTime(r.ProcessedAt), nullString(r.ProcessedBy),
		formatNullTime(r.CancelledAt), nullString(r.CancelledBy), nullString(r.CancellationReason),
		formatTime(r.UpdatedAt), r.ID, expectedVersion)
	if err != nil {
		return mapError(fmt.Errorf("failed to update request %d: %w", r.ID, err))
	}
	if err := c.checkCAS(ctx, res, fmt.Sprintf("redemption request %d", r.ID),
		`SELECT COUNT(*) FROM redemption_requests WHERE id = ?`, r.ID); err != nil {
		return err
	}

	for _, it := range r.Items {
		if _, err := c.q.ExecContext(ctx, `
			UPDATE redemption_request_items SET item_processed_by = ?, item_processed_at = ?
			WHERE id = ? AND request_id = ?
		`, nullString(it.ItemProcessedBy), formatNullTime(it.ItemProcessedAt), it.ID, r.ID); err != nil {
			return mapError(fmt.Errorf("failed to update request item %d: %w", it.ID, err))
		}
	}
	r.Version = expectedVersion + 1
	return nil
}

func (c conn) ListRequests(ctx context.Context, filter engine.RequestFilter, opts engine.ListOptions) ([]engine.Request, int, error) {
	where := []string{"id > ?"}
	args := []any{opts.AfterID}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ProcessingStatus != "" {
		where = append(where, "processing_status = ?")
		args = append(args, filter.ProcessingStatus)
	}
	if filter.RequestedBy != 0 {
		where = append(where, "requested_by = ?")
		args = append(args, filter.RequestedBy)
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM redemption_requests`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	limit, offset := limitOffset(opts)
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM redemption_requests`+clause+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list requests: %w", err)
	}

	requests := []engine.Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Items load after the cursor is closed: the single connection cannot
	// serve two result sets at once.
	for i := range requests {
		if err := c.loadItems(ctx, &requests[i]); err != nil {
			return nil, 0, err
		}
	}
	return requests, total, nil
}

// =============================================================================
// STATS
// =============================================================================

func (c conn) Stats(ctx context.Context, lowStockThreshold int64) (*engine.Stats, error) {
	st := &engine.Stats{PointsOutstanding: make(map[engine.EntityType]int64)}

	err := c.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN processing_status = 'NOT_PROCESSED' AND status = 'PENDING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processing_status = 'NOT_PROCESSED' AND status = 'APPROVED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processing_status = 'PROCESSED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processing_status = 'NOT_PROCESSED' AND status = 'REJECTED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processing_status = 'CANCELLED' THEN 1 ELSE 0 END), 0)
		FROM redemption_requests
	`).Scan(&st.PendingRequests, &st.ApprovedUnprocessed, &st.ProcessedRequests, &st.RejectedRequests, &st.CancelledRequests)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate requests: %w", err)
	}

	rows, err := c.q.QueryContext(ctx, `SELECT entity_type, COALESCE(SUM(points), 0) FROM entities GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate points: %w", err)
	}
	for rows.Next() {
		var (
			t   engine.EntityType
			sum int64
		)
		if err := rows.Scan(&t, &sum); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan points aggregate: %w", err)
		}
		st.PointsOutstanding[t] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = c.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM catalogue_items
		WHERE has_stock = TRUE AND is_archived = FALSE AND stock - committed_stock <= ?
	`, lowStockThreshold).Scan(&st.LowStockItems)
	if err != nil {
		return nil, fmt.Errorf("failed to count low stock items: %w", err)
	}
	return st, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// mapError turns constraint and trigger violations into engine.ErrInvalidState.
func mapError(err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%v: %w", err, engine.ErrInvalidState)
	}
	return err
}
