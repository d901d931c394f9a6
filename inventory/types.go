/*
Package inventory provides the movement ledger and balance tracking.

PURPOSE:
  This package owns the stock movement log: every receipt, shipment,
  return and manual adjustment is recorded here exactly once. Costing
  strategies (package costing) read the log; nothing else writes to it.

KEY CONCEPTS IN THIS FILE (types.go):
  - StockMovement: An immutable ledger entry recording a stock change
  - MovementType / Direction: What kind of movement and which way it moves stock
  - Key: The (product, warehouse) pair that balances and layers are keyed by
  - Precision helpers: fixed-point rounding for quantities, unit costs and money

INVARIANTS:
  1. Quantity is always positive. Direction carries the sign.
  2. Movements are never updated or deleted; corrections are new movements.
  3. Inbound-like movements carry a unit cost; outbound-like movements do not
     (their cost is allocated later by a costing strategy).

USAGE:
  result, err := ledger.Ingest(ctx, inventory.MovementCandidate{
      TenantID:       "acme",
      Type:           inventory.MovementInbound,
      ProductID:      "sku-1",
      Quantity:       decimal.NewFromInt(3),
      UnitCost:       inventory.Ptr(decimal.NewFromInt(10)),
      UnitOfMeasure:  "each",
      MovementDate:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
      SourceType:     "purchase_receipt",
      IdempotencyKey: "po-42-line-1",
  })

SEE ALSO:
  - ledger.go: Ingestion and idempotency
  - store.go: Persistence interfaces
  - balance.go: Balance Tracker rebuild/reconcile
*/
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PRECISION - Fixed-point scales matching the storage schema
// =============================================================================

const (
	QuantityScale int32 = 4
	UnitCostScale int32 = 6
	MoneyScale    int32 = 2
)

// RoundQty rounds a quantity to 4 fractional digits, half up.
func RoundQty(d decimal.Decimal) decimal.Decimal { return d.Round(QuantityScale) }

// RoundUnitCost rounds a unit cost to 6 fractional digits, half up.
func RoundUnitCost(d decimal.Decimal) decimal.Decimal { return d.Round(UnitCostScale) }

// RoundMoney rounds a monetary total to 2 fractional digits, half up.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyScale) }

func Ptr[T any](v T) *T { return &v }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string

// Key identifies a (product, warehouse) pair. WarehouseID is empty when the
// movement is not tied to a warehouse.
type Key struct {
	ProductID   string
	WarehouseID string
}

func (k Key) String() string {
	if k.WarehouseID == "" {
		return k.ProductID
	}
	return k.ProductID + "@" + k.WarehouseID
}

// =============================================================================
// MOVEMENT TYPES
// =============================================================================

type MovementType string

const (
	MovementInbound    MovementType = "inbound"    // Purchase receipt, production output
	MovementOutbound   MovementType = "outbound"   // Sale, consumption
	MovementAdjustment MovementType = "adjustment" // Manual correction, either direction
	MovementReturnIn   MovementType = "return_in"  // Customer return back into stock
	MovementReturnOut  MovementType = "return_out" // Return to supplier
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementInbound, MovementOutbound, MovementAdjustment, MovementReturnIn, MovementReturnOut:
		return true
	}
	return false
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// DefaultDirection returns the direction implied by a movement type.
// Adjustments have no implied direction and return "".
func (t MovementType) DefaultDirection() Direction {
	switch t {
	case MovementInbound, MovementReturnIn:
		return DirectionIn
	case MovementOutbound, MovementReturnOut:
		return DirectionOut
	}
	return ""
}

// =============================================================================
// STOCK MOVEMENT - Immutable audit record
// =============================================================================

type StockMovement struct {
	ID             int64
	TenantID       TenantID
	Type           MovementType
	Direction      Direction
	ProductID      string
	WarehouseID    string
	Quantity       decimal.Decimal
	UnitCost       *decimal.Decimal
	UnitOfMeasure  string
	MovementDate   time.Time
	SourceType     string
	SourceID       string
	IdempotencyKey string
	Metadata       map[string]string
	CreatedAt      time.Time
}

func (m StockMovement) Key() Key {
	return Key{ProductID: m.ProductID, WarehouseID: m.WarehouseID}
}

// IsInbound reports whether the movement adds stock (inbound, return_in,
// adjustment-in).
func (m StockMovement) IsInbound() bool { return m.Direction == DirectionIn }

// IsOutbound reports whether the movement removes stock (outbound,
// return_out, adjustment-out).
func (m StockMovement) IsOutbound() bool { return m.Direction == DirectionOut }

// SignedQuantity returns +Quantity for inbound-like movements and -Quantity
// for outbound-like ones.
func (m StockMovement) SignedQuantity() decimal.Decimal {
	if m.IsOutbound() {
		return m.Quantity.Neg()
	}
	return m.Quantity
}

// Before orders movements by (movement_date, id).
func (m StockMovement) Before(o StockMovement) bool {
	if !m.MovementDate.Equal(o.MovementDate) {
		return m.MovementDate.Before(o.MovementDate)
	}
	return m.ID < o.ID
}

// =============================================================================
// CANDIDATE - What the movement source collaborator hands us
// =============================================================================

type MovementCandidate struct {
	TenantID       TenantID          `validate:"required"`
	Type           MovementType      `validate:"required,oneof=inbound outbound adjustment return_in return_out"`
	Direction      Direction         `validate:"omitempty,oneof=in out"`
	ProductID      string            `validate:"required"`
	WarehouseID    string
	Quantity       decimal.Decimal
	UnitCost       *decimal.Decimal
	UnitOfMeasure  string            `validate:"required"`
	MovementDate   time.Time         `validate:"required"`
	SourceType     string            `validate:"required"`
	SourceID       string
	IdempotencyKey string            `validate:"required,max=255"`
	Metadata       map[string]string
}

type IngestStatus string

const (
	IngestCreated IngestStatus = "created"
	IngestSkipped IngestStatus = "skipped" // Idempotency key already present
)

type IngestResult struct {
	Status   IngestStatus
	Movement StockMovement
}

// =============================================================================
// BALANCE - Denormalized on-hand quantity per (product, warehouse)
// =============================================================================

type Balance struct {
	TenantID         TenantID
	ProductID        string
	WarehouseID      string
	OnHandQty        decimal.Decimal
	LastMovementDate time.Time
}

func (b Balance) Key() Key {
	return Key{ProductID: b.ProductID, WarehouseID: b.WarehouseID}
}

// Apply returns the balance after one movement has been applied.
func (b Balance) Apply(m StockMovement) Balance {
	b.OnHandQty = b.OnHandQty.Add(m.SignedQuantity())
	if m.MovementDate.After(b.LastMovementDate) {
		b.LastMovementDate = m.MovementDate
	}
	return b
}
