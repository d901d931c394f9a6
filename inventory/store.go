/*
store.go - Persistence interfaces for movements, balances and UoM data

KEY INTERFACES:
  Store:          Movement log + Balance Tracker persistence
  MovementReader: Read side used by the costing orchestrator
  UoMConversions: Unit-of-measure conversion lookup
  ProductCatalog: Optional product existence check

APPEND-ONLY CONTRACT:
  Store exposes CreateMovement and no update/delete on movements.
  Balances are derived data and may be replaced wholesale by a rebuild.

ATOMICITY:
  CreateMovement writes the movement AND applies its signed delta to the
  (product, warehouse) balance as one unit. Either both land or neither.
  Two concurrent calls for the same key must not lose an update.

IDEMPOTENCY:
  Implementations enforce a uniqueness constraint on (tenant, idempotency_key)
  and return ErrDuplicateIdempotencyKey on conflict.

IMPLEMENTATIONS:
  - store/memory: In-memory, for tests and demos
  - store/sqlite: SQLite via database/sql
*/
package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MovementQuery selects movements. Zero values mean "no filter".
type MovementQuery struct {
	TenantID    TenantID
	ProductID   string
	WarehouseID *string
	From        time.Time // inclusive
	To          time.Time // inclusive
}

// Matches reports whether m passes the query filters.
func (q MovementQuery) Matches(m StockMovement) bool {
	if m.TenantID != q.TenantID {
		return false
	}
	if q.ProductID != "" && m.ProductID != q.ProductID {
		return false
	}
	if q.WarehouseID != nil && m.WarehouseID != *q.WarehouseID {
		return false
	}
	if !q.From.IsZero() && m.MovementDate.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && m.MovementDate.After(q.To) {
		return false
	}
	return true
}

// MovementReader is the read side of the ledger.
type MovementReader interface {
	// Movements returns matching movements ordered by (movement_date, id).
	Movements(ctx context.Context, q MovementQuery) ([]StockMovement, error)
}

// Store handles persistence of movements and balances.
type Store interface {
	MovementReader

	// CreateMovement persists m, assigning ID and CreatedAt, and applies the
	// signed delta to the balance in the same transaction.
	// Returns ErrDuplicateIdempotencyKey if the key is taken.
	CreateMovement(ctx context.Context, m StockMovement) (StockMovement, error)

	// MovementByIdempotencyKey returns nil, nil when absent.
	MovementByIdempotencyKey(ctx context.Context, tenant TenantID, key string) (*StockMovement, error)

	// Movement returns ErrMovementNotFound when absent.
	Movement(ctx context.Context, tenant TenantID, id int64) (*StockMovement, error)

	// Balances returns all balances for the tenant ordered by product, warehouse.
	Balances(ctx context.Context, tenant TenantID) ([]Balance, error)

	// ReplaceBalances atomically swaps the tenant's balances for the given set.
	ReplaceBalances(ctx context.Context, tenant TenantID, balances []Balance) error
}

// =============================================================================
// UNIT OF MEASURE
// =============================================================================

// Conversion maps one unit to another by a multiplicative factor.
// ProductID is empty for global conversions.
type Conversion struct {
	ProductID string
	FromUnit  string
	ToUnit    string
	Factor    decimal.Decimal
}

// UoMConversions looks up a conversion for (product, unit).
// Implementations return nil, nil when no conversion is registered.
// An empty productID asks for the global conversion.
type UoMConversions interface {
	Conversion(ctx context.Context, tenant TenantID, productID, unit string) (*Conversion, error)
}

// ProductCatalog answers whether a product is known. Optional.
type ProductCatalog interface {
	ProductExists(ctx context.Context, tenant TenantID, productID string) (bool, error)
}
