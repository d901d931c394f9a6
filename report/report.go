/*
Package report aggregates persisted costing results across strategies.

PURPOSE:
  The orchestrator persists one set of allocations and snapshots per
  strategy. This package reads them back and lines the strategies up side
  by side so their COGS and ending inventory can be compared.

BASELINE:
  The first strategy in the request is the baseline. Every other strategy
  carries its delta against it (strategy - baseline).

ENDING INVENTORY:
  For each (product, warehouse) the latest snapshot with as_of_date inside
  the window is used. Snapshots from different dates are never summed.

SEE ALSO:
  - costing/results.go: Persisted rows and ResultReader
*/
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/inventory"
)

// ErrNoStrategies is returned when a report is requested without strategies
// and none are registered.
var ErrNoStrategies = errors.New("no strategies to report on")

type Service struct {
	Results costing.ResultReader
}

func NewService(results costing.ResultReader) *Service {
	return &Service{Results: results}
}

// =============================================================================
// COMPARISON
// =============================================================================

// StrategyTotals is one strategy's aggregate over the window.
type StrategyTotals struct {
	Strategy        costing.Method
	TotalCOGS       decimal.Decimal
	EndingQty       decimal.Decimal
	EndingValue     decimal.Decimal
	AllocationCount int
	ShortfallQty    decimal.Decimal

	// Deltas against the baseline. Zero for the baseline itself.
	COGSDelta        decimal.Decimal
	EndingValueDelta decimal.Decimal
}

type Comparison struct {
	TenantID   inventory.TenantID
	Start      time.Time
	End        time.Time
	Baseline   costing.Method
	Strategies []StrategyTotals
}

// ComparisonReport sums COGS and ending inventory per strategy over [start, end].
func (s *Service) ComparisonReport(ctx context.Context, tenant inventory.TenantID, start, end time.Time, methods []costing.Method) (*Comparison, error) {
	methods, err := resolveMethods(methods)
	if err != nil {
		return nil, err
	}
	totals, _, err := s.aggregate(ctx, tenant, "", start, end, methods)
	if err != nil {
		return nil, err
	}
	return &Comparison{
		TenantID:   tenant,
		Start:      start,
		End:        end,
		Baseline:   methods[0],
		Strategies: totals,
	}, nil
}

// =============================================================================
// SKU DRILLDOWN
// =============================================================================

type SKUDrilldown struct {
	TenantID    inventory.TenantID
	ProductID   string
	Start       time.Time
	End         time.Time
	Baseline    costing.Method
	Strategies  []StrategyTotals
	Allocations map[costing.Method][]costing.Allocation
	Valuations  map[costing.Method][]costing.Valuation
}

// SKUDrilldown narrows the comparison to one product and includes the
// per-movement allocation rows.
func (s *Service) SKUDrilldown(ctx context.Context, tenant inventory.TenantID, productID string, start, end time.Time, methods []costing.Method) (*SKUDrilldown, error) {
	if productID == "" {
		return nil, fmt.Errorf("%w: product id is required", inventory.ErrValidation)
	}
	methods, err := resolveMethods(methods)
	if err != nil {
		return nil, err
	}
	totals, rows, err := s.aggregate(ctx, tenant, productID, start, end, methods)
	if err != nil {
		return nil, err
	}
	return &SKUDrilldown{
		TenantID:    tenant,
		ProductID:   productID,
		Start:       start,
		End:         end,
		Baseline:    methods[0],
		Strategies:  totals,
		Allocations: rows.allocations,
		Valuations:  rows.valuations,
	}, nil
}

// =============================================================================
// MOVEMENT DRILLDOWN
// =============================================================================

type MovementAllocation struct {
	Strategy  costing.Method
	Found     bool
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
	TotalCOGS decimal.Decimal
	Shortfall decimal.Decimal
	LayerRefs []costing.LayerRef
	COGSDelta decimal.Decimal
}

type MovementDrilldown struct {
	TenantID   inventory.TenantID
	MovementID int64
	ProductID  string
	Baseline   costing.Method
	Strategies []MovementAllocation
}

// MovementDrilldown returns the allocation of one outbound movement under
// each strategy, with the layers it drew from.
func (s *Service) MovementDrilldown(ctx context.Context, tenant inventory.TenantID, movementID int64, methods []costing.Method) (*MovementDrilldown, error) {
	methods, err := resolveMethods(methods)
	if err != nil {
		return nil, err
	}
	allocs, err := s.Results.Allocations(ctx, costing.AllocationQuery{
		TenantID:   tenant,
		Strategies: methods,
		MovementID: movementID,
	})
	if err != nil {
		return nil, err
	}
	if len(allocs) == 0 {
		return nil, fmt.Errorf("%w: no allocations for movement %d", inventory.ErrMovementNotFound, movementID)
	}

	byMethod := make(map[costing.Method]costing.Allocation, len(allocs))
	for _, a := range allocs {
		byMethod[a.Strategy] = a
	}

	out := &MovementDrilldown{
		TenantID:   tenant,
		MovementID: movementID,
		ProductID:  allocs[0].ProductID,
		Baseline:   methods[0],
	}
	base := byMethod[methods[0]].TotalCOGS
	for _, m := range methods {
		a, ok := byMethod[m]
		row := MovementAllocation{Strategy: m, Found: ok}
		if ok {
			row.Qty = a.Qty
			row.UnitCost = a.UnitCost
			row.TotalCOGS = a.TotalCOGS
			row.Shortfall = a.ShortfallQty
			row.LayerRefs = a.LayerRefs
			row.COGSDelta = a.TotalCOGS.Sub(base)
		}
		out.Strategies = append(out.Strategies, row)
	}
	return out, nil
}

// =============================================================================
// AGGREGATION
// =============================================================================

type detail struct {
	allocations map[costing.Method][]costing.Allocation
	valuations  map[costing.Method][]costing.Valuation
}

func (s *Service) aggregate(ctx context.Context, tenant inventory.TenantID, productID string, start, end time.Time, methods []costing.Method) ([]StrategyTotals, detail, error) {
	allocs, err := s.Results.Allocations(ctx, costing.AllocationQuery{
		TenantID:   tenant,
		Strategies: methods,
		ProductID:  productID,
		From:       start,
		To:         end,
	})
	if err != nil {
		return nil, detail{}, err
	}
	vals, err := s.Results.Valuations(ctx, costing.ValuationQuery{
		TenantID:   tenant,
		Strategies: methods,
		ProductID:  productID,
		From:       truncateDay(start),
		To:         end,
	})
	if err != nil {
		return nil, detail{}, err
	}

	d := detail{
		allocations: make(map[costing.Method][]costing.Allocation),
		valuations:  make(map[costing.Method][]costing.Valuation),
	}
	totals := make(map[costing.Method]*StrategyTotals, len(methods))
	for _, m := range methods {
		totals[m] = &StrategyTotals{
			Strategy:     m,
			TotalCOGS:    decimal.Zero,
			EndingQty:    decimal.Zero,
			EndingValue:  decimal.Zero,
			ShortfallQty: decimal.Zero,
		}
	}

	for _, a := range allocs {
		t, ok := totals[a.Strategy]
		if !ok {
			continue
		}
		t.TotalCOGS = t.TotalCOGS.Add(a.TotalCOGS)
		t.ShortfallQty = t.ShortfallQty.Add(a.ShortfallQty)
		t.AllocationCount++
		d.allocations[a.Strategy] = append(d.allocations[a.Strategy], a)
	}

	for m, latest := range latestSnapshots(vals) {
		t, ok := totals[m]
		if !ok {
			continue
		}
		for _, v := range latest {
			t.EndingQty = t.EndingQty.Add(v.OnHandQty)
			t.EndingValue = t.EndingValue.Add(v.OnHandValue)
		}
		d.valuations[m] = latest
	}

	base := totals[methods[0]]
	out := make([]StrategyTotals, 0, len(methods))
	for _, m := range methods {
		t := totals[m]
		t.COGSDelta = t.TotalCOGS.Sub(base.TotalCOGS)
		t.EndingValueDelta = t.EndingValue.Sub(base.EndingValue)
		out = append(out, *t)
	}
	return out, d, nil
}

// latestSnapshots keeps, per strategy and key, the snapshot with the greatest
// as_of_date. Results are sorted by product, warehouse.
func latestSnapshots(vals []costing.Valuation) map[costing.Method][]costing.Valuation {
	type slot struct {
		m costing.Method
		k inventory.Key
	}
	best := make(map[slot]costing.Valuation)
	for _, v := range vals {
		sl := slot{v.Strategy, v.Key()}
		if cur, ok := best[sl]; !ok || v.AsOfDate.After(cur.AsOfDate) {
			best[sl] = v
		}
	}

	out := make(map[costing.Method][]costing.Valuation)
	for sl, v := range best {
		out[sl.m] = append(out[sl.m], v)
	}
	for _, vs := range out {
		sort.Slice(vs, func(i, j int) bool {
			if vs[i].ProductID != vs[j].ProductID {
				return vs[i].ProductID < vs[j].ProductID
			}
			return vs[i].WarehouseID < vs[j].WarehouseID
		})
	}
	return out
}

func resolveMethods(methods []costing.Method) ([]costing.Method, error) {
	if len(methods) == 0 {
		methods = costing.Methods()
	}
	if len(methods) == 0 {
		return nil, ErrNoStrategies
	}
	for _, m := range methods {
		if _, err := costing.Lookup(m); err != nil {
			return nil, err
		}
	}
	return methods, nil
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
