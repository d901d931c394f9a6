package costing

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/costing-engine/inventory"
)

// weightedAverage keeps one synthetic layer per (product, warehouse).
//
// RebuildLayers queues the inbound-like receipts on the synthetic layer.
// Receipts are folded into the running average in (movement_date, id) order
// as the replay reaches them:
//
//	new_avg = (old_value + in_qty*in_cost) / (old_qty + in_qty)
//
// where old_value is old_qty*old_avg as reduced by earlier outbounds. An
// outbound takes min(qty, on_hand) at the average in effect at its position
// and reduces the value by take*avg.
type weightedAverage struct{}

func (s *weightedAverage) Method() Method { return WeightedAverage }

func (s *weightedAverage) RebuildLayers(movements []inventory.StockMovement, asOf time.Time, _ RunContext) (*Layers, error) {
	layers := NewLayers()
	slot := make(map[inventory.Key]int)

	for _, m := range sortedMovements(movements, asOf, isInbound) {
		k := m.Key()
		i, ok := slot[k]
		if !ok {
			i = layers.Add(LayerState{
				Key:              k,
				OriginalQty:      decimal.Zero,
				RemainingQty:     decimal.Zero,
				UnitCost:         decimal.Zero,
				LayerDate:        m.MovementDate,
				SourceMovementID: m.ID,
				value:            decimal.Zero,
			})
			slot[k] = i
		}
		l := layers.At(i)
		l.OriginalQty = l.OriginalQty.Add(m.Quantity)
		l.pending = append(l.pending, receipt{at: positionOf(m), qty: m.Quantity, cost: unitCostOf(m)})
	}
	return layers, nil
}

func (s *weightedAverage) AllocateCOGS(outbounds []inventory.StockMovement, layers *Layers, asOf time.Time, _ RunContext) ([]CogsResult, error) {
	obs := sortedMovements(outbounds, asOf, isOutbound)
	results := make([]CogsResult, 0, len(obs))

	for _, m := range obs {
		res := newCogsResult(m)
		idx := layers.Indices(m.Key())
		if len(idx) == 0 {
			res.finish(decimal.Zero, m.Quantity)
			results = append(results, res)
			continue
		}

		l := layers.At(idx[0])
		at := positionOf(m)
		fold(l, &at)

		take := decimal.Min(m.Quantity, l.RemainingQty)
		cost := decimal.Zero
		if take.IsPositive() {
			avg := l.UnitCost
			cost = take.Mul(avg)
			l.RemainingQty = l.RemainingQty.Sub(take)
			l.value = l.value.Sub(cost)
			if l.RemainingQty.IsZero() {
				l.value = decimal.Zero
			} else {
				l.UnitCost = inventory.RoundUnitCost(l.value.Div(l.RemainingQty))
			}
			res.LayerRefs = []LayerRef{{QtyConsumed: take, UnitCost: avg}}
		}

		res.finish(cost, m.Quantity.Sub(take))
		results = append(results, res)
	}
	return results, nil
}

func (s *weightedAverage) ValueEndingInventory(layers *Layers, asOf time.Time, _ RunContext) ([]ValuationResult, error) {
	keys := layers.Keys()
	out := make([]ValuationResult, 0, len(keys))
	for _, k := range keys {
		// Fold on a copy so valuing leaves the arena as allocation left it.
		l := *layers.At(layers.Indices(k)[0])
		fold(&l, nil)
		out = append(out, newValuation(k, asOf, l.RemainingQty, l.value))
	}
	return out, nil
}

// fold applies queued receipts that precede upTo (all of them when upTo is nil).
func fold(l *LayerState, upTo *position) {
	n := 0
	for ; n < len(l.pending); n++ {
		r := l.pending[n]
		if upTo != nil && !r.at.before(*upTo) {
			break
		}
		l.RemainingQty = l.RemainingQty.Add(r.qty)
		l.value = l.value.Add(r.qty.Mul(r.cost))
		l.LayerDate = r.at.date
		l.SourceMovementID = r.at.id
		if l.RemainingQty.IsPositive() {
			l.UnitCost = inventory.RoundUnitCost(l.value.Div(l.RemainingQty))
		}
	}
	l.pending = l.pending[n:]
}
