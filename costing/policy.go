package costing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/costing-engine/inventory"
)

// NegativeInventoryPolicy decides what happens when an outbound draws more
// than the layers hold. Strategies always report the shortfall; the policy
// is applied afterwards by the orchestrator.
type NegativeInventoryPolicy string

const (
	// PolicyAllowShortfall costs only the available quantity. The shortfall
	// stays visible on the allocation and on-hand floors at what the layers hold.
	PolicyAllowShortfall NegativeInventoryPolicy = "allow_shortfall"

	// PolicyReject fails the strategy on the first shortfall.
	PolicyReject NegativeInventoryPolicy = "reject"

	// PolicyAllowNegative nets the shortfall against later receipts at their
	// cost. Whatever stays uncovered is carried as negative on-hand quantity
	// at zero value.
	PolicyAllowNegative NegativeInventoryPolicy = "allow_negative"
)

func ParsePolicy(s string) (NegativeInventoryPolicy, error) {
	switch p := NegativeInventoryPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAllowShortfall, nil
	case PolicyAllowShortfall, PolicyReject, PolicyAllowNegative:
		return p, nil
	}
	return "", fmt.Errorf("unknown negative inventory policy %q", s)
}

// apply checks cogs against the policy and adjusts valuations if needed.
// Under allow_negative the layers are consumed further, so s revalues them.
func (p NegativeInventoryPolicy) apply(
	s Strategy,
	cogs []CogsResult,
	layers *Layers,
	vals []ValuationResult,
	asOf time.Time,
	rc RunContext,
) ([]ValuationResult, error) {
	switch p {
	case PolicyReject:
		for _, c := range cogs {
			if c.ShortfallQty.IsPositive() {
				return nil, &ShortfallError{
					MovementID: c.MovementID,
					Key:        c.Key,
					Requested:  c.Qty,
					Shortfall:  c.ShortfallQty,
				}
			}
		}
		return vals, nil

	case PolicyAllowNegative:
		owed, order, touched := backfill(cogs, layers)
		if !touched {
			return vals, nil
		}
		revalued, err := s.ValueEndingInventory(layers, asOf, rc)
		if err != nil {
			return nil, err
		}

		seen := make(map[inventory.Key]bool)
		for i := range revalued {
			k := revalued[i].Key
			seen[k] = true
			if o, ok := owed[k]; ok {
				revalued[i] = newValuation(k, revalued[i].AsOf, revalued[i].OnHandQty.Sub(o), revalued[i].OnHandValue)
			}
		}
		for _, k := range order {
			if o, ok := owed[k]; ok && !seen[k] {
				revalued = append(revalued, newValuation(k, asOf, o.Neg(), decimal.Zero))
			}
		}
		return revalued, nil
	}
	return vals, nil
}

// backfill covers each shortfall from the receipts that follow it, at their
// cost, in (layer_date, id) order. It returns what is still owed per key.
// touched is false when no outbound was short.
func backfill(cogs []CogsResult, layers *Layers) (owed map[inventory.Key]decimal.Decimal, order []inventory.Key, touched bool) {
	owed = make(map[inventory.Key]decimal.Decimal)
	for _, c := range cogs {
		if !c.ShortfallQty.IsPositive() {
			continue
		}
		touched = true
		at := position{date: c.MovementDate, id: c.MovementID}
		need := c.ShortfallQty

		for _, i := range layers.Indices(c.Key) {
			if !need.IsPositive() {
				break
			}
			l := layers.At(i)
			if l.LayerID == nil {
				fold(l, nil)
			} else if !at.before(l.position()) {
				continue
			}
			if !l.RemainingQty.IsPositive() {
				continue
			}
			take := decimal.Min(need, l.RemainingQty)
			need = need.Sub(take)
			l.RemainingQty = l.RemainingQty.Sub(take)
			if l.LayerID == nil {
				l.value = l.value.Sub(take.Mul(l.UnitCost))
				if l.RemainingQty.IsZero() {
					l.value = decimal.Zero
				}
			}
		}

		if need.IsPositive() {
			if _, ok := owed[c.Key]; !ok {
				order = append(order, c.Key)
			}
			owed[c.Key] = owed[c.Key].Add(need)
		}
	}
	return owed, order, touched
}
