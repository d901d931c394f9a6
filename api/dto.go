/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the inventory and costing models from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

NUMBERS:
  Requests accept decimals as JSON numbers or strings. Responses render
  them as fixed-scale strings: quantities 4 dp, unit costs 6 dp, money 2 dp.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/inventory"
	"github.com/warp/costing-engine/report"
)

// =============================================================================
// MOVEMENTS
// =============================================================================

// MovementRequest is one movement candidate from a source document.
type MovementRequest struct {
	Type           string            `json:"movement_type"`
	Direction      string            `json:"direction,omitempty"`
	ProductID      string            `json:"product_id"`
	WarehouseID    string            `json:"warehouse_id,omitempty"`
	Quantity       decimal.Decimal   `json:"quantity"`
	UnitCost       *decimal.Decimal  `json:"unit_cost,omitempty"`
	UnitOfMeasure  string            `json:"unit_of_measure"`
	MovementDate   time.Time         `json:"movement_date"`
	SourceType     string            `json:"source_type"`
	SourceID       string            `json:"source_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (r MovementRequest) candidate(tenant inventory.TenantID) inventory.MovementCandidate {
	return inventory.MovementCandidate{
		TenantID:       tenant,
		Type:           inventory.MovementType(r.Type),
		Direction:      inventory.Direction(r.Direction),
		ProductID:      r.ProductID,
		WarehouseID:    r.WarehouseID,
		Quantity:       r.Quantity,
		UnitCost:       r.UnitCost,
		UnitOfMeasure:  r.UnitOfMeasure,
		MovementDate:   r.MovementDate,
		SourceType:     r.SourceType,
		SourceID:       r.SourceID,
		IdempotencyKey: r.IdempotencyKey,
		Metadata:       r.Metadata,
	}
}

// AdjustmentRequest is a manual correction with a signed quantity.
type AdjustmentRequest struct {
	ProductID      string           `json:"product_id"`
	WarehouseID    string           `json:"warehouse_id,omitempty"`
	Quantity       decimal.Decimal  `json:"quantity"`
	UnitCost       *decimal.Decimal `json:"unit_cost,omitempty"`
	UnitOfMeasure  string           `json:"unit_of_measure"`
	MovementDate   time.Time        `json:"movement_date"`
	Reason         string           `json:"reason,omitempty"`
	SourceID       string           `json:"source_id,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type MovementDTO struct {
	ID             int64             `json:"id"`
	Type           string            `json:"movement_type"`
	Direction      string            `json:"direction"`
	ProductID      string            `json:"product_id"`
	WarehouseID    string            `json:"warehouse_id,omitempty"`
	Quantity       string            `json:"quantity"`
	UnitCost       *string           `json:"unit_cost,omitempty"`
	UnitOfMeasure  string            `json:"unit_of_measure"`
	MovementDate   time.Time         `json:"movement_date"`
	SourceType     string            `json:"source_type"`
	SourceID       string            `json:"source_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

type IngestResponse struct {
	Status   string      `json:"status"` // created or skipped
	Movement MovementDTO `json:"movement"`
}

// =============================================================================
// BALANCES
// =============================================================================

type BalanceDTO struct {
	ProductID        string     `json:"product_id"`
	WarehouseID      string     `json:"warehouse_id,omitempty"`
	OnHandQty        string     `json:"on_hand_qty"`
	LastMovementDate *time.Time `json:"last_movement_date,omitempty"`
}

type DriftDTO struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id,omitempty"`
	Stored      string `json:"stored_qty"`
	Replayed    string `json:"replayed_qty"`
}

type ReconcileResponse struct {
	Consistent bool       `json:"consistent"`
	Drift      []DriftDTO `json:"drift"`
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// ConversionRequest registers a UoM conversion. Omit product_id for a
// global conversion.
type ConversionRequest struct {
	ProductID string          `json:"product_id,omitempty"`
	FromUnit  string          `json:"from_unit"`
	ToUnit    string          `json:"to_unit"`
	Factor    decimal.Decimal `json:"factor"`
}

type ProductRequest struct {
	ProductID string `json:"product_id"`
}

// =============================================================================
// COSTING RUNS
// =============================================================================

type RunRequest struct {
	Strategies  []string  `json:"strategies,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	ProductID   string    `json:"product_id,omitempty"`
	WarehouseID *string   `json:"warehouse_id,omitempty"`
	Policy      string    `json:"negative_inventory,omitempty"`
}

type LayerRefDTO struct {
	LayerID     *int64 `json:"layer_id"`
	QtyConsumed string `json:"qty_consumed"`
	UnitCost    string `json:"unit_cost"`
}

type AllocationDTO struct {
	Strategy     string        `json:"strategy"`
	MovementID   int64         `json:"movement_id"`
	ProductID    string        `json:"product_id"`
	WarehouseID  string        `json:"warehouse_id,omitempty"`
	MovementDate time.Time     `json:"movement_date"`
	Qty          string        `json:"qty"`
	UnitCost     string        `json:"unit_cost"`
	TotalCOGS    string        `json:"total_cogs"`
	ShortfallQty string        `json:"shortfall_qty"`
	LayerRefs    []LayerRefDTO `json:"layer_refs"`
}

type ValuationDTO struct {
	Strategy    string    `json:"strategy"`
	ProductID   string    `json:"product_id"`
	WarehouseID string    `json:"warehouse_id,omitempty"`
	AsOfDate    time.Time `json:"as_of_date"`
	OnHandQty   string    `json:"on_hand_qty"`
	OnHandValue string    `json:"on_hand_value"`
	AvgUnitCost string    `json:"avg_unit_cost"`
}

type RunResponse struct {
	RunID       string                     `json:"run_id"`
	AsOfDate    time.Time                  `json:"as_of_date"`
	Valuations  map[string][]ValuationDTO  `json:"valuations"`
	Allocations map[string][]AllocationDTO `json:"allocations"`
	Errors      []costing.StrategyError    `json:"errors"`
}

// =============================================================================
// REPORTS
// =============================================================================

type StrategyTotalsDTO struct {
	Strategy         string `json:"strategy"`
	TotalCOGS        string `json:"total_cogs"`
	EndingQty        string `json:"ending_qty"`
	EndingValue      string `json:"ending_value"`
	AllocationCount  int    `json:"allocation_count"`
	ShortfallQty     string `json:"shortfall_qty"`
	COGSDelta        string `json:"cogs_delta"`
	EndingValueDelta string `json:"ending_value_delta"`
}

type ComparisonDTO struct {
	Start      time.Time           `json:"start"`
	End        time.Time           `json:"end"`
	Baseline   string              `json:"baseline"`
	Strategies []StrategyTotalsDTO `json:"strategies"`
}

type SKUDrilldownDTO struct {
	ComparisonDTO
	ProductID   string                     `json:"product_id"`
	Allocations map[string][]AllocationDTO `json:"allocations"`
	Valuations  map[string][]ValuationDTO  `json:"valuations"`
}

type MovementAllocationDTO struct {
	Strategy  string        `json:"strategy"`
	Found     bool          `json:"found"`
	Qty       string        `json:"qty,omitempty"`
	UnitCost  string        `json:"unit_cost,omitempty"`
	TotalCOGS string        `json:"total_cogs,omitempty"`
	Shortfall string        `json:"shortfall_qty,omitempty"`
	COGSDelta string        `json:"cogs_delta,omitempty"`
	LayerRefs []LayerRefDTO `json:"layer_refs"`
}

type MovementDrilldownDTO struct {
	MovementID int64                   `json:"movement_id"`
	ProductID  string                  `json:"product_id"`
	Baseline   string                  `json:"baseline"`
	Strategies []MovementAllocationDTO `json:"strategies"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Scenario  ScenarioDTO  `json:"scenario"`
	Movements int          `json:"movements"`
	Run       *RunResponse `json:"run"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func qtyString(d decimal.Decimal) string   { return d.StringFixed(inventory.QuantityScale) }
func costString(d decimal.Decimal) string  { return d.StringFixed(inventory.UnitCostScale) }
func moneyString(d decimal.Decimal) string { return d.StringFixed(inventory.MoneyScale) }

func toMovementDTO(m inventory.StockMovement) MovementDTO {
	dto := MovementDTO{
		ID:             m.ID,
		Type:           string(m.Type),
		Direction:      string(m.Direction),
		ProductID:      m.ProductID,
		WarehouseID:    m.WarehouseID,
		Quantity:       qtyString(m.Quantity),
		UnitOfMeasure:  m.UnitOfMeasure,
		MovementDate:   m.MovementDate,
		SourceType:     m.SourceType,
		SourceID:       m.SourceID,
		IdempotencyKey: m.IdempotencyKey,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt,
	}
	if m.UnitCost != nil {
		s := costString(*m.UnitCost)
		dto.UnitCost = &s
	}
	return dto
}

func toBalanceDTO(b inventory.Balance) BalanceDTO {
	dto := BalanceDTO{
		ProductID:   b.ProductID,
		WarehouseID: b.WarehouseID,
		OnHandQty:   qtyString(b.OnHandQty),
	}
	if !b.LastMovementDate.IsZero() {
		t := b.LastMovementDate
		dto.LastMovementDate = &t
	}
	return dto
}

func toLayerRefDTOs(refs []costing.LayerRef) []LayerRefDTO {
	out := make([]LayerRefDTO, 0, len(refs))
	for _, r := range refs {
		out = append(out, LayerRefDTO{
			LayerID:     r.LayerID,
			QtyConsumed: qtyString(r.QtyConsumed),
			UnitCost:    costString(r.UnitCost),
		})
	}
	return out
}

func toAllocationDTO(a costing.Allocation) AllocationDTO {
	return AllocationDTO{
		Strategy:     string(a.Strategy),
		MovementID:   a.MovementID,
		ProductID:    a.ProductID,
		WarehouseID:  a.WarehouseID,
		MovementDate: a.MovementDate,
		Qty:          qtyString(a.Qty),
		UnitCost:     costString(a.UnitCost),
		TotalCOGS:    moneyString(a.TotalCOGS),
		ShortfallQty: qtyString(a.ShortfallQty),
		LayerRefs:    toLayerRefDTOs(a.LayerRefs),
	}
}

func toValuationDTO(v costing.Valuation) ValuationDTO {
	return ValuationDTO{
		Strategy:    string(v.Strategy),
		ProductID:   v.ProductID,
		WarehouseID: v.WarehouseID,
		AsOfDate:    v.AsOfDate,
		OnHandQty:   qtyString(v.OnHandQty),
		OnHandValue: moneyString(v.OnHandValue),
		AvgUnitCost: costString(v.AvgUnitCost),
	}
}

func toAllocationMap(in map[costing.Method][]costing.Allocation) map[string][]AllocationDTO {
	out := make(map[string][]AllocationDTO, len(in))
	for m, as := range in {
		rows := make([]AllocationDTO, 0, len(as))
		for _, a := range as {
			rows = append(rows, toAllocationDTO(a))
		}
		out[string(m)] = rows
	}
	return out
}

func toValuationMap(in map[costing.Method][]costing.Valuation) map[string][]ValuationDTO {
	out := make(map[string][]ValuationDTO, len(in))
	for m, vs := range in {
		rows := make([]ValuationDTO, 0, len(vs))
		for _, v := range vs {
			rows = append(rows, toValuationDTO(v))
		}
		out[string(m)] = rows
	}
	return out
}

func toRunResponse(out *costing.RunOutput) RunResponse {
	errs := out.Errors
	if errs == nil {
		errs = []costing.StrategyError{}
	}
	return RunResponse{
		RunID:       out.RunID,
		AsOfDate:    out.AsOfDate,
		Valuations:  toValuationMap(out.Valuations),
		Allocations: toAllocationMap(out.Allocations),
		Errors:      errs,
	}
}

func toTotalsDTOs(ts []report.StrategyTotals) []StrategyTotalsDTO {
	out := make([]StrategyTotalsDTO, 0, len(ts))
	for _, t := range ts {
		out = append(out, StrategyTotalsDTO{
			Strategy:         string(t.Strategy),
			TotalCOGS:        moneyString(t.TotalCOGS),
			EndingQty:        qtyString(t.EndingQty),
			EndingValue:      moneyString(t.EndingValue),
			AllocationCount:  t.AllocationCount,
			ShortfallQty:     qtyString(t.ShortfallQty),
			COGSDelta:        moneyString(t.COGSDelta),
			EndingValueDelta: moneyString(t.EndingValueDelta),
		})
	}
	return out
}

func toComparisonDTO(c *report.Comparison) ComparisonDTO {
	return ComparisonDTO{
		Start:      c.Start,
		End:        c.End,
		Baseline:   string(c.Baseline),
		Strategies: toTotalsDTOs(c.Strategies),
	}
}

func toSKUDrilldownDTO(d *report.SKUDrilldown) SKUDrilldownDTO {
	return SKUDrilldownDTO{
		ComparisonDTO: ComparisonDTO{
			Start:      d.Start,
			End:        d.End,
			Baseline:   string(d.Baseline),
			Strategies: toTotalsDTOs(d.Strategies),
		},
		ProductID:   d.ProductID,
		Allocations: toAllocationMap(d.Allocations),
		Valuations:  toValuationMap(d.Valuations),
	}
}

func toMovementDrilldownDTO(d *report.MovementDrilldown) MovementDrilldownDTO {
	out := MovementDrilldownDTO{
		MovementID: d.MovementID,
		ProductID:  d.ProductID,
		Baseline:   string(d.Baseline),
	}
	for _, s := range d.Strategies {
		row := MovementAllocationDTO{
			Strategy:  string(s.Strategy),
			Found:     s.Found,
			LayerRefs: toLayerRefDTOs(s.LayerRefs),
		}
		if s.Found {
			row.Qty = qtyString(s.Qty)
			row.UnitCost = costString(s.UnitCost)
			row.TotalCOGS = moneyString(s.TotalCOGS)
			row.Shortfall = qtyString(s.Shortfall)
			row.COGSDelta = moneyString(s.COGSDelta)
		}
		out.Strategies = append(out.Strategies, row)
	}
	return out
}
