package costing

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/costing-engine/inventory"
)

// lotStrategy implements FIFO and LIFO. Both keep one layer per inbound-like
// movement and differ only in which eligible layer is drawn first:
//
//	FIFO: (layer_date asc,  layer_id asc)
//	LIFO: (layer_date desc, layer_id desc)
//
// A layer is eligible for an outbound only if it precedes the outbound in
// (movement_date, id) order.
type lotStrategy struct {
	method      Method
	newestFirst bool
}

func (s *lotStrategy) Method() Method { return s.method }

func (s *lotStrategy) RebuildLayers(movements []inventory.StockMovement, asOf time.Time, _ RunContext) (*Layers, error) {
	layers := NewLayers()
	for _, m := range sortedMovements(movements, asOf, isInbound) {
		id := m.ID
		layers.Add(LayerState{
			LayerID:          &id,
			Key:              m.Key(),
			OriginalQty:      m.Quantity,
			RemainingQty:     m.Quantity,
			UnitCost:         unitCostOf(m),
			LayerDate:        m.MovementDate,
			SourceMovementID: m.ID,
		})
	}
	layers.sortIndices()
	return layers, nil
}

func (s *lotStrategy) AllocateCOGS(outbounds []inventory.StockMovement, layers *Layers, asOf time.Time, _ RunContext) ([]CogsResult, error) {
	obs := sortedMovements(outbounds, asOf, isOutbound)
	results := make([]CogsResult, 0, len(obs))

	for _, m := range obs {
		res := newCogsResult(m)
		at := positionOf(m)
		need := m.Quantity
		cost := decimal.Zero

		idx := layers.Indices(m.Key())
		for n := 0; n < len(idx) && need.IsPositive(); n++ {
			i := idx[n]
			if s.newestFirst {
				i = idx[len(idx)-1-n]
			}
			l := layers.At(i)
			if !l.position().before(at) || !l.RemainingQty.IsPositive() {
				continue
			}

			take := decimal.Min(need, l.RemainingQty)
			l.RemainingQty = l.RemainingQty.Sub(take)
			need = need.Sub(take)
			cost = cost.Add(take.Mul(l.UnitCost))
			res.LayerRefs = append(res.LayerRefs, LayerRef{
				LayerID:     l.LayerID,
				QtyConsumed: take,
				UnitCost:    l.UnitCost,
			})
		}

		res.finish(cost, need)
		results = append(results, res)
	}
	return results, nil
}

func (s *lotStrategy) ValueEndingInventory(layers *Layers, asOf time.Time, _ RunContext) ([]ValuationResult, error) {
	keys := layers.Keys()
	out := make([]ValuationResult, 0, len(keys))
	for _, k := range keys {
		qty, value := decimal.Zero, decimal.Zero
		for _, i := range layers.Indices(k) {
			l := layers.At(i)
			qty = qty.Add(l.RemainingQty)
			value = value.Add(l.Value())
		}
		out = append(out, newValuation(k, asOf, qty, value))
	}
	return out, nil
}
