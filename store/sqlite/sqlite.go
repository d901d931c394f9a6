/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the movement ledger, balance tracker, UoM and product lookups
  and the costing result store on SQLite. The same schema works on
  PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  inventory.Store:          Movements + balances
  inventory.UoMConversions: Conversion lookup
  inventory.ProductCatalog: Product existence
  costing.ResultStore:      Allocations + valuation snapshots

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the movements table
  - The ledger never deletes movements; only ResetTenant (demo
    scenario reset) removes a tenant's rows
  - Corrections are new movements

KEY TABLES:
  movements:           Immutable ledger, UNIQUE(tenant_id, idempotency_key)
  balances:            Denormalized on-hand per (tenant, product, warehouse)
  uom_conversions:     Per-product and global ('' product) conversions
  products:            Known products per tenant
  valuation_snapshots: UNIQUE(tenant, strategy, product, warehouse, as_of_date)
  cogs_allocations:    UNIQUE(tenant, strategy, outbound_movement_id)

ENCODING:
  Decimals are TEXT (exact), timestamps are RFC3339Nano UTC TEXT, an absent
  warehouse is ''. RFC3339 UTC strings sort the same as the times they encode.

CONCURRENCY:
  Writes are serialised by a sync.RWMutex and run in a database transaction.
  A balance update is a read-modify-write inside the movement's transaction,
  so two movements for the same key never lose an update.

USAGE:
  store, err := sqlite.New("./data/costing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - inventory/store.go: Ledger interfaces
  - costing/results.go: Result interfaces
  - store/memory: In-memory implementation for testing
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

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/inventory"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS movements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		movement_type TEXT NOT NULL,
		direction TEXT NOT NULL,
		product_id TEXT NOT NULL,
		warehouse_id TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		unit_cost TEXT,
		unit_of_measure TEXT NOT NULL,
		movement_date TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT,
		idempotency_key TEXT NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(tenant_id, idempotency_key)
	);

	-- Replay order (hot path for every costing run)
	CREATE INDEX IF NOT EXISTS idx_movements_tenant_date
		ON movements(tenant_id, movement_date, id);
	CREATE INDEX IF NOT EXISTS idx_movements_tenant_product
		ON movements(tenant_id, product_id, warehouse_id, movement_date);

	-- Balances (derived, rebuildable)
	CREATE TABLE IF NOT EXISTS balances (
		tenant_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		warehouse_id TEXT NOT NULL DEFAULT '',
		on_hand_qty TEXT NOT NULL,
		last_movement_date TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, product_id, warehouse_id)
	);

	-- UoM conversions ('' product_id = global)
	CREATE TABLE IF NOT EXISTS uom_conversions (
		tenant_id TEXT NOT NULL,
		product_id TEXT NOT NULL DEFAULT '',
		from_unit TEXT NOT NULL,
		to_unit TEXT NOT NULL,
		factor TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, product_id, from_unit)
	);

	-- Products
	CREATE TABLE IF NOT EXISTS products (
		tenant_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, product_id)
	);

	-- Valuation snapshots (upserted by natural key)
	CREATE TABLE IF NOT EXISTS valuation_snapshots (
		tenant_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		product_id TEXT NOT NULL,
		warehouse_id TEXT NOT NULL DEFAULT '',
		as_of_date TEXT NOT NULL,
		on_hand_qty TEXT NOT NULL,
		on_hand_value TEXT NOT NULL,
		avg_unit_cost TEXT NOT NULL,
		run_id TEXT,
		computed_at TEXT NOT NULL,
		UNIQUE(tenant_id, strategy, product_id, warehouse_id, as_of_date)
	);

	CREATE INDEX IF NOT EXISTS idx_valuations_tenant_date
		ON valuation_snapshots(tenant_id, strategy, as_of_date);

	-- COGS allocations (upserted by natural key)
	CREATE TABLE IF NOT EXISTS cogs_allocations (
		tenant_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		outbound_movement_id INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		warehouse_id TEXT NOT NULL DEFAULT '',
		movement_date TEXT NOT NULL,
		qty TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		total_cogs TEXT NOT NULL,
		shortfall_qty TEXT NOT NULL,
		layer_refs_json TEXT NOT NULL,
		run_id TEXT,
		computed_at TEXT NOT NULL,
		UNIQUE(tenant_id, strategy, outbound_movement_id)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_tenant_date
		ON cogs_allocations(tenant_id, strategy, movement_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a database transaction. Caller holds s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// MOVEMENTS (inventory.Store)
// =============================================================================

const movementColumns = `id, tenant_id, movement_type, direction, product_id, warehouse_id,
	quantity, unit_cost, unit_of_measure, movement_date, source_type, source_id,
	idempotency_key, metadata_json, created_at`

// CreateMovement inserts the movement and applies its balance delta in one transaction.
func (s *Store) CreateMovement(ctx context.Context, m inventory.StockMovement) (inventory.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.CreatedAt = s.now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := insertMovement(ctx, tx, m)
		if err != nil {
			return err
		}
		m.ID = id
		return applyBalanceDelta(ctx, tx, m, m.CreatedAt)
	})
	if err != nil {
		return inventory.StockMovement{}, err
	}
	return m, nil
}

func insertMovement(ctx context.Context, db execer, m inventory.StockMovement) (int64, error) {
	var metadataJSON sql.NullString
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO movements
		(tenant_id, movement_type, direction, product_id, warehouse_id, quantity, unit_cost,
		 unit_of_measure, movement_date, source_type, source_id, idempotency_key, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.TenantID,
		m.Type,
		m.Direction,
		m.ProductID,
		m.WarehouseID,
		m.Quantity.String(),
		nullDecimal(m.UnitCost),
		m.UnitOfMeasure,
		formatTime(m.MovementDate),
		m.SourceType,
		nullString(m.SourceID),
		m.IdempotencyKey,
		metadataJSON,
		formatTime(m.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, inventory.ErrDuplicateIdempotencyKey
		}
		return 0, fmt.Errorf("failed to insert movement: %w", err)
	}
	return res.LastInsertId()
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, m inventory.StockMovement, now time.Time) error {
	var (
		qtyText  string
		lastDate sql.NullString
	)
	b := inventory.Balance{TenantID: m.TenantID, ProductID: m.ProductID, WarehouseID: m.WarehouseID, OnHandQty: decimal.Zero}

	err := tx.QueryRowContext(ctx, `
		SELECT on_hand_qty, last_movement_date FROM balances
		WHERE tenant_id = ? AND product_id = ? AND warehouse_id = ?
	`, m.TenantID, m.ProductID, m.WarehouseID).Scan(&qtyText, &lastDate)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read balance: %w", err)
	default:
		if b.OnHandQty, err = decimal.NewFromString(qtyText); err != nil {
			return fmt.Errorf("corrupt balance %s: %w", m.Key(), err)
		}
		b.LastMovementDate = parseTime(lastDate.String)
	}

	return upsertBalance(ctx, tx, b.Apply(m), now)
}

func upsertBalance(ctx context.Context, db execer, b inventory.Balance, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO balances (tenant_id, product_id, warehouse_id, on_hand_qty, last_movement_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, product_id, warehouse_id) DO UPDATE SET
			on_hand_qty = excluded.on_hand_qty,
			last_movement_date = excluded.last_movement_date,
			updated_at = excluded.updated_at
	`,
		b.TenantID, b.ProductID, b.WarehouseID, b.OnHandQty.String(),
		nullTime(b.LastMovementDate), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert balance: %w", err)
	}
	return nil
}

// MovementByIdempotencyKey returns nil, nil when the key is unused.
func (s *Store) MovementByIdempotencyKey(ctx context.Context, tenant inventory.TenantID, key string) (*inventory.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryOneMovement(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE tenant_id = ? AND idempotency_key = ?",
		tenant, key)
}

func (s *Store) Movement(ctx context.Context, tenant inventory.TenantID, id int64) (*inventory.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := s.queryOneMovement(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE tenant_id = ? AND id = ?",
		tenant, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, inventory.ErrMovementNotFound
	}
	return m, nil
}

func (s *Store) queryOneMovement(ctx context.Context, query string, args ...any) (*inventory.StockMovement, error) {
	ms, err := s.queryMovements(ctx, query, args...)
	if err != nil || len(ms) == 0 {
		return nil, err
	}
	return &ms[0], nil
}

// Movements returns matching movements ordered by (movement_date, id).
func (s *Store) Movements(ctx context.Context, q inventory.MovementQuery) ([]inventory.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"tenant_id = ?"}
	args := []any{q.TenantID}
	if q.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, q.ProductID)
	}
	if q.WarehouseID != nil {
		where = append(where, "warehouse_id = ?")
		args = append(args, *q.WarehouseID)
	}
	if !q.From.IsZero() {
		where = append(where, "movement_date >= ?")
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "movement_date <= ?")
		args = append(args, formatTime(q.To))
	}

	query := "SELECT " + movementColumns + " FROM movements WHERE " +
		strings.Join(where, " AND ") + " ORDER BY movement_date ASC, id ASC"
	return s.queryMovements(ctx, query, args...)
}

func (s *Store) queryMovements(ctx context.Context, query string, args ...any) ([]inventory.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []inventory.StockMovement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func scanMovement(rows *sql.Rows) (inventory.StockMovement, error) {
	var (
		m            inventory.StockMovement
		quantity     string
		unitCost     sql.NullString
		movementDate string
		sourceID     sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)

	err := rows.Scan(
		&m.ID, &m.TenantID, &m.Type, &m.Direction, &m.ProductID, &m.WarehouseID,
		&quantity, &unitCost, &m.UnitOfMeasure, &movementDate, &m.SourceType, &sourceID,
		&m.IdempotencyKey, &metadataJSON, &createdAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}

	if m.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return m, fmt.Errorf("movement %d: bad quantity %q: %w", m.ID, quantity, err)
	}
	if unitCost.Valid {
		uc, err := decimal.NewFromString(unitCost.String)
		if err != nil {
			return m, fmt.Errorf("movement %d: bad unit cost %q: %w", m.ID, unitCost.String, err)
		}
		m.UnitCost = &uc
	}
	m.MovementDate = parseTime(movementDate)
	m.CreatedAt = parseTime(createdAt)
	m.SourceID = sourceID.String

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &m.Metadata); err != nil {
			return m, fmt.Errorf("movement %d: bad metadata: %w", m.ID, err)
		}
	}
	return m, nil
}

// =============================================================================
// BALANCES
// =============================================================================

func (s *Store) Balances(ctx context.Context, tenant inventory.TenantID) ([]inventory.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, product_id, warehouse_id, on_hand_qty, last_movement_date
		FROM balances WHERE tenant_id = ?
		ORDER BY product_id, warehouse_id
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []inventory.Balance
	for rows.Next() {
		var (
			b        inventory.Balance
			qty      string
			lastDate sql.NullString
		)
		if err := rows.Scan(&b.TenantID, &b.ProductID, &b.WarehouseID, &qty, &lastDate); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		if b.OnHandQty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("balance %s: bad quantity %q: %w", b.Key(), qty, err)
		}
		b.LastMovementDate = parseTime(lastDate.String)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// ReplaceBalances swaps the tenant's balances in one transaction.
func (s *Store) ReplaceBalances(ctx context.Context, tenant inventory.TenantID, balances []inventory.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM balances WHERE tenant_id = ?", tenant); err != nil {
			return fmt.Errorf("failed to clear balances: %w", err)
		}
		for _, b := range balances {
			b.TenantID = tenant
			if err := upsertBalance(ctx, tx, b, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// UOM CONVERSIONS
// =============================================================================

// SaveConversion registers or replaces a conversion. An empty ProductID
// registers a global conversion.
func (s *Store) SaveConversion(ctx context.Context, tenant inventory.TenantID, c inventory.Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uom_conversions (tenant_id, product_id, from_unit, to_unit, factor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, product_id, from_unit) DO UPDATE SET
			to_unit = excluded.to_unit,
			factor = excluded.factor
	`,
		tenant, c.ProductID, normUnit(c.FromUnit), c.ToUnit, c.Factor.String(),
		formatTime(s.now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to save conversion: %w", err)
	}
	return nil
}

// Conversion returns nil, nil when no conversion is registered.
func (s *Store) Conversion(ctx context.Context, tenant inventory.TenantID, productID, unit string) (*inventory.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c      inventory.Conversion
		factor string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, from_unit, to_unit, factor FROM uom_conversions
		WHERE tenant_id = ? AND product_id = ? AND from_unit = ?
	`, tenant, productID, normUnit(unit)).Scan(&c.ProductID, &c.FromUnit, &c.ToUnit, &factor)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversion: %w", err)
	}
	if c.Factor, err = decimal.NewFromString(factor); err != nil {
		return nil, fmt.Errorf("conversion %s/%s: bad factor %q: %w", productID, unit, factor, err)
	}
	return &c, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (s *Store) RegisterProduct(ctx context.Context, tenant inventory.TenantID, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (tenant_id, product_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, product_id) DO NOTHING
	`, tenant, productID, formatTime(s.now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to register product: %w", err)
	}
	return nil
}

func (s *Store) ProductExists(ctx context.Context, tenant inventory.TenantID, productID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM products WHERE tenant_id = ? AND product_id = ?",
		tenant, productID,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// COSTING RESULTS (costing.ResultStore)
// =============================================================================

// SaveResults upserts one strategy's valuations and allocations in one transaction.
func (s *Store) SaveResults(ctx context.Context, r costing.StrategyResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, v := range r.Valuations {
			if err := upsertValuation(ctx, tx, v); err != nil {
				return err
			}
		}
		for _, a := range r.Allocations {
			if err := upsertAllocation(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertValuation(ctx context.Context, db execer, v costing.Valuation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO valuation_snapshots
		(tenant_id, strategy, product_id, warehouse_id, as_of_date,
		 on_hand_qty, on_hand_value, avg_unit_cost, run_id, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, strategy, product_id, warehouse_id, as_of_date) DO UPDATE SET
			on_hand_qty = excluded.on_hand_qty,
			on_hand_value = excluded.on_hand_value,
			avg_unit_cost = excluded.avg_unit_cost,
			run_id = excluded.run_id,
			computed_at = excluded.computed_at
	`,
		v.TenantID, v.Strategy, v.ProductID, v.WarehouseID, formatTime(v.AsOfDate),
		v.OnHandQty.String(), v.OnHandValue.String(), v.AvgUnitCost.String(),
		nullString(v.RunID), formatTime(v.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert valuation %s/%s: %w", v.Strategy, v.Key(), err)
	}
	return nil
}

func upsertAllocation(ctx context.Context, db execer, a costing.Allocation) error {
	refs := a.LayerRefs
	if refs == nil {
		refs = []costing.LayerRef{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("failed to encode layer refs: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO cogs_allocations
		(tenant_id, strategy, outbound_movement_id, product_id, warehouse_id, movement_date,
		 qty, unit_cost, total_cogs, shortfall_qty, layer_refs_json, run_id, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, strategy, outbound_movement_id) DO UPDATE SET
			qty = excluded.qty,
			unit_cost = excluded.unit_cost,
			total_cogs = excluded.total_cogs,
			shortfall_qty = excluded.shortfall_qty,
			layer_refs_json = excluded.layer_refs_json,
			run_id = excluded.run_id,
			computed_at = excluded.computed_at
	`,
		a.TenantID, a.Strategy, a.MovementID, a.ProductID, a.WarehouseID, formatTime(a.MovementDate),
		a.Qty.String(), a.UnitCost.String(), a.TotalCOGS.String(), a.ShortfallQty.String(),
		string(refsJSON), nullString(a.RunID), formatTime(a.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert allocation %s/%d: %w", a.Strategy, a.MovementID, err)
	}
	return nil
}

func (s *Store) Allocations(ctx context.Context, q costing.AllocationQuery) ([]costing.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := []string{"tenant_id = ?"}, []any{q.TenantID}
	where, args = strategyFilter(where, args, q.Strategies)
	if q.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, q.ProductID)
	}
	if q.MovementID != 0 {
		where = append(where, "outbound_movement_id = ?")
		args = append(args, q.MovementID)
	}
	if !q.From.IsZero() {
		where = append(where, "movement_date >= ?")
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "movement_date <= ?")
		args = append(args, formatTime(q.To))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, strategy, outbound_movement_id, product_id, warehouse_id, movement_date,
		       qty, unit_cost, total_cogs, shortfall_qty, layer_refs_json, run_id, computed_at
		FROM cogs_allocations WHERE `+strings.Join(where, " AND ")+`
		ORDER BY strategy, movement_date, outbound_movement_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var out []costing.Allocation
	for rows.Next() {
		var (
			a                                   costing.Allocation
			date, computedAt, refsJSON          string
			qty, unitCost, totalCOGS, shortfall string
			runID                               sql.NullString
		)
		if err := rows.Scan(
			&a.TenantID, &a.Strategy, &a.MovementID, &a.ProductID, &a.WarehouseID, &date,
			&qty, &unitCost, &totalCOGS, &shortfall, &refsJSON, &runID, &computedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		if err := parseDecimals(
			decimalField{qty, &a.Qty},
			decimalField{unitCost, &a.UnitCost},
			decimalField{totalCOGS, &a.TotalCOGS},
			decimalField{shortfall, &a.ShortfallQty},
		); err != nil {
			return nil, fmt.Errorf("allocation %s/%d: %w", a.Strategy, a.MovementID, err)
		}
		if err := json.Unmarshal([]byte(refsJSON), &a.LayerRefs); err != nil {
			return nil, fmt.Errorf("allocation %s/%d: bad layer refs: %w", a.Strategy, a.MovementID, err)
		}
		a.MovementDate = parseTime(date)
		a.ComputedAt = parseTime(computedAt)
		a.RunID = runID.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Valuations(ctx context.Context, q costing.ValuationQuery) ([]costing.Valuation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := []string{"tenant_id = ?"}, []any{q.TenantID}
	where, args = strategyFilter(where, args, q.Strategies)
	if q.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, q.ProductID)
	}
	if !q.From.IsZero() {
		where = append(where, "as_of_date >= ?")
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "as_of_date <= ?")
		args = append(args, formatTime(q.To))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, strategy, product_id, warehouse_id, as_of_date,
		       on_hand_qty, on_hand_value, avg_unit_cost, run_id, computed_at
		FROM valuation_snapshots WHERE `+strings.Join(where, " AND ")+`
		ORDER BY strategy, as_of_date, product_id, warehouse_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query valuations: %w", err)
	}
	defer rows.Close()

	var out []costing.Valuation
	for rows.Next() {
		var (
			v                   costing.Valuation
			asOf, computedAt    string
			qty, value, avgCost string
			runID               sql.NullString
		)
		if err := rows.Scan(
			&v.TenantID, &v.Strategy, &v.ProductID, &v.WarehouseID, &asOf,
			&qty, &value, &avgCost, &runID, &computedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan valuation: %w", err)
		}
		if err := parseDecimals(
			decimalField{qty, &v.OnHandQty},
			decimalField{value, &v.OnHandValue},
			decimalField{avgCost, &v.AvgUnitCost},
		); err != nil {
			return nil, fmt.Errorf("valuation %s/%s: %w", v.Strategy, v.Key(), err)
		}
		v.AsOfDate = parseTime(asOf)
		v.ComputedAt = parseTime(computedAt)
		v.RunID = runID.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// ADMIN
// =============================================================================

// ResetTenant deletes every row belonging to tenant. Used by the demo
// scenario loader; the ledger itself never deletes movements.
func (s *Store) ResetTenant(ctx context.Context, tenant inventory.TenantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{
			"cogs_allocations", "valuation_snapshots", "balances",
			"uom_conversions", "products", "movements",
		} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE tenant_id = ?", tenant); err != nil {
				return fmt.Errorf("failed to reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func strategyFilter(where []string, args []any, methods []costing.Method) ([]string, []any) {
	if len(methods) == 0 {
		return where, args
	}
	marks := make([]string, len(methods))
	for i, m := range methods {
		marks[i] = "?"
		args = append(args, string(m))
	}
	return append(where, "strategy IN ("+strings.Join(marks, ", ")+")"), args
}

type decimalField struct {
	text string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.text)
		if err != nil {
			return fmt.Errorf("bad decimal %q: %w", f.text, err)
		}
		*f.dst = d
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Fixed-width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func normUnit(u string) string { return strings.ToLower(strings.TrimSpace(u)) }

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
