package costing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/costing-engine/inventory"
)

// =============================================================================
// LAYER STATE
// =============================================================================

// LayerState is a cost lot, or for Weighted Average the synthetic aggregate
// of one (product, warehouse).
//
// INVARIANT: 0 <= RemainingQty <= OriginalQty once a strategy step returns.
type LayerState struct {
	LayerID          *int64 // nil for synthetic layers
	Key              inventory.Key
	OriginalQty      decimal.Decimal
	RemainingQty     decimal.Decimal
	UnitCost         decimal.Decimal
	LayerDate        time.Time
	SourceMovementID int64

	// Weighted Average running state.
	value   decimal.Decimal
	pending []receipt
}

type receipt struct {
	at   position
	qty  decimal.Decimal
	cost decimal.Decimal
}

// position orders ledger events by (movement_date, id).
type position struct {
	date time.Time
	id   int64
}

func positionOf(m inventory.StockMovement) position {
	return position{date: m.MovementDate, id: m.ID}
}

func (p position) before(o position) bool {
	if !p.date.Equal(o.date) {
		return p.date.Before(o.date)
	}
	return p.id < o.id
}

func (l *LayerState) position() position {
	return position{date: l.LayerDate, id: l.SourceMovementID}
}

// Value returns RemainingQty * UnitCost for lots, or the running value for
// synthetic layers. Unrounded.
func (l *LayerState) Value() decimal.Decimal {
	if l.LayerID == nil {
		return l.value
	}
	return l.RemainingQty.Mul(l.UnitCost)
}

// =============================================================================
// LAYERS - Index arena owned by one pipeline run
// =============================================================================

// Layers holds every layer of a run in one slice. byKey maps a
// (product, warehouse) to indices into items, ordered by (layer_date, id).
type Layers struct {
	items []LayerState
	byKey map[inventory.Key][]int
}

func NewLayers() *Layers {
	return &Layers{byKey: make(map[inventory.Key][]int)}
}

// Add appends a layer and returns its index.
func (ls *Layers) Add(l LayerState) int {
	i := len(ls.items)
	ls.items = append(ls.items, l)
	ls.byKey[l.Key] = append(ls.byKey[l.Key], i)
	return i
}

// At returns a pointer into the arena. Valid until the next Add.
func (ls *Layers) At(i int) *LayerState { return &ls.items[i] }

func (ls *Layers) Len() int { return len(ls.items) }

// Indices returns the arena indices for k in (layer_date asc, id asc) order.
func (ls *Layers) Indices(k inventory.Key) []int { return ls.byKey[k] }

// Keys returns the keys present in the arena, sorted.
func (ls *Layers) Keys() []inventory.Key {
	keys := make([]inventory.Key, 0, len(ls.byKey))
	for k := range ls.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ProductID != keys[j].ProductID {
			return keys[i].ProductID < keys[j].ProductID
		}
		return keys[i].WarehouseID < keys[j].WarehouseID
	})
	return keys
}

// Snapshot returns a copy of every layer in arena order.
func (ls *Layers) Snapshot() []LayerState {
	out := make([]LayerState, len(ls.items))
	copy(out, ls.items)
	return out
}

func (ls *Layers) sortIndices() {
	for k, idx := range ls.byKey {
		sort.SliceStable(idx, func(a, b int) bool {
			return ls.items[idx[a]].position().before(ls.items[idx[b]].position())
		})
		ls.byKey[k] = idx
	}
}

// =============================================================================
// STEP RESULTS
// =============================================================================

// LayerRef records how much of one layer an outbound consumed.
type LayerRef struct {
	LayerID     *int64          `json:"layer_id"`
	QtyConsumed decimal.Decimal `json:"qty_consumed"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

// CogsResult is the allocation of one outbound movement.
type CogsResult struct {
	MovementID   int64
	Key          inventory.Key
	MovementDate time.Time
	Qty          decimal.Decimal
	AllocatedQty decimal.Decimal
	ShortfallQty decimal.Decimal
	UnitCost     decimal.Decimal // TotalCOGS / Qty
	TotalCOGS    decimal.Decimal
	LayerRefs    []LayerRef
}

func newCogsResult(m inventory.StockMovement) CogsResult {
	return CogsResult{
		MovementID:   m.ID,
		Key:          m.Key(),
		MovementDate: m.MovementDate,
		Qty:          m.Quantity,
	}
}

func (r *CogsResult) finish(cost, shortfall decimal.Decimal) {
	r.TotalCOGS = inventory.RoundMoney(cost)
	r.ShortfallQty = shortfall
	r.AllocatedQty = r.Qty.Sub(shortfall)
	if r.Qty.IsPositive() {
		r.UnitCost = inventory.RoundUnitCost(r.TotalCOGS.Div(r.Qty))
	} else {
		r.UnitCost = decimal.Zero
	}
}

// ValuationResult is the ending inventory of one key.
type ValuationResult struct {
	Key         inventory.Key
	AsOf        time.Time
	OnHandQty   decimal.Decimal
	OnHandValue decimal.Decimal
	AvgUnitCost decimal.Decimal
}

func newValuation(k inventory.Key, asOf time.Time, qty, value decimal.Decimal) ValuationResult {
	v := ValuationResult{
		Key:         k,
		AsOf:        asOf,
		OnHandQty:   qty,
		OnHandValue: inventory.RoundMoney(value),
		AvgUnitCost: decimal.Zero,
	}
	if qty.IsPositive() {
		v.AvgUnitCost = inventory.RoundUnitCost(value.Div(qty))
	}
	return v
}

// =============================================================================
// HELPERS
// =============================================================================

// sortedMovements copies movements dated on or before asOf, in
// (movement_date, id) order.
func sortedMovements(movements []inventory.StockMovement, asOf time.Time, keep func(inventory.StockMovement) bool) []inventory.StockMovement {
	out := make([]inventory.StockMovement, 0, len(movements))
	for _, m := range movements {
		if !asOf.IsZero() && m.MovementDate.After(asOf) {
			continue
		}
		if keep != nil && !keep(m) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func isInbound(m inventory.StockMovement) bool  { return m.IsInbound() }
func isOutbound(m inventory.StockMovement) bool { return m.IsOutbound() }

func unitCostOf(m inventory.StockMovement) decimal.Decimal {
	if m.UnitCost == nil {
		return decimal.Zero
	}
	return *m.UnitCost
}
