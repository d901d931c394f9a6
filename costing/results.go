/*
results.go - Persisted costing results and the storage contract

PERSISTED ROWS:
  Allocation: one per (tenant, strategy, outbound_movement_id)
  Valuation:  one per (tenant, strategy, product, warehouse, as_of_date)

  Both are upserted by natural key, so re-running a window replaces the
  previous numbers instead of adding to them.

ATOMICITY:
  ResultStore.SaveResults writes one strategy's valuations and allocations
  in a single transaction. Different strategies commit independently.

CONSUMERS:
  The report package and any downstream poster read through ResultReader.
  The engine never calls a downstream poster directly.
*/
package costing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/costing-engine/inventory"
)

// Allocation is a persisted CogsResult.
type Allocation struct {
	TenantID     inventory.TenantID
	Strategy     Method
	MovementID   int64
	ProductID    string
	WarehouseID  string
	MovementDate time.Time
	Qty          decimal.Decimal
	UnitCost     decimal.Decimal
	TotalCOGS    decimal.Decimal
	ShortfallQty decimal.Decimal
	LayerRefs    []LayerRef
	RunID        string
	ComputedAt   time.Time
}

// Valuation is a persisted InventoryValuationSnapshot.
type Valuation struct {
	TenantID    inventory.TenantID
	Strategy    Method
	ProductID   string
	WarehouseID string
	AsOfDate    time.Time
	OnHandQty   decimal.Decimal
	OnHandValue decimal.Decimal
	AvgUnitCost decimal.Decimal
	RunID       string
	ComputedAt  time.Time
}

func (v Valuation) Key() inventory.Key {
	return inventory.Key{ProductID: v.ProductID, WarehouseID: v.WarehouseID}
}

// StrategyResults is everything one strategy persists for one run.
type StrategyResults struct {
	TenantID    inventory.TenantID
	Strategy    Method
	AsOfDate    time.Time
	RunID       string
	Valuations  []Valuation
	Allocations []Allocation
}

// AllocationQuery filters allocations. Zero fields don't filter.
type AllocationQuery struct {
	TenantID   inventory.TenantID
	Strategies []Method
	ProductID  string
	MovementID int64
	From       time.Time // on MovementDate, inclusive
	To         time.Time
}

func (q AllocationQuery) Matches(a Allocation) bool {
	return a.TenantID == q.TenantID &&
		methodIn(a.Strategy, q.Strategies) &&
		(q.ProductID == "" || a.ProductID == q.ProductID) &&
		(q.MovementID == 0 || a.MovementID == q.MovementID) &&
		inWindow(a.MovementDate, q.From, q.To)
}

// ValuationQuery filters valuation snapshots. Zero fields don't filter.
type ValuationQuery struct {
	TenantID   inventory.TenantID
	Strategies []Method
	ProductID  string
	From       time.Time // on AsOfDate, inclusive
	To         time.Time
}

func (q ValuationQuery) Matches(v Valuation) bool {
	return v.TenantID == q.TenantID &&
		methodIn(v.Strategy, q.Strategies) &&
		(q.ProductID == "" || v.ProductID == q.ProductID) &&
		inWindow(v.AsOfDate, q.From, q.To)
}

// ResultReader is the read side of persisted results.
type ResultReader interface {
	// Allocations returns matches ordered by strategy, movement date, movement id.
	Allocations(ctx context.Context, q AllocationQuery) ([]Allocation, error)

	// Valuations returns matches ordered by strategy, as_of_date, product, warehouse.
	Valuations(ctx context.Context, q ValuationQuery) ([]Valuation, error)
}

// ResultStore persists results.
type ResultStore interface {
	ResultReader

	// SaveResults upserts one strategy's valuations and allocations atomically.
	SaveResults(ctx context.Context, r StrategyResults) error
}

func methodIn(m Method, set []Method) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == m {
			return true
		}
	}
	return false
}

func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
