/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built movement sets that show how the costing strategies
  diverge. Loading a scenario resets the tenant, ingests the movements
  through the ledger and runs every configured strategy over January 2025.

AVAILABLE SCENARIOS:
  layer-comparison:    3 @ 10, 2 @ 12, 1 @ 14, then sell 4
  shortfall:           Sell more than was received
  unit-conversion:     Receipts in cases, sales in each
  returns-adjustments: Customer return, damage write-off, restock

HOW SCENARIOS WORK:
 1. Reset the tenant (clear all data)
 2. Register products and UoM conversions
 3. Ingest movements via the ledger
 4. Run costing for the scenario window

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "layer-comparison"}

NOTE:
  Scenarios reset the tenant. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Ledger and orchestrator wiring
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/inventory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	products    []string
	conversions []inventory.Conversion
	movements   []inventory.MovementCandidate
}

var (
	scenarioStart = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	scenarioEnd   = time.Date(2025, time.January, 31, 23, 59, 59, 0, time.UTC)
)

func jan(day int) time.Time {
	return time.Date(2025, time.January, day, 9, 0, 0, 0, time.UTC)
}

func receipt(key, product string, day int, qty, cost string) inventory.MovementCandidate {
	return inventory.MovementCandidate{
		Type:           inventory.MovementInbound,
		ProductID:      product,
		WarehouseID:    "MAIN",
		Quantity:       decimal.RequireFromString(qty),
		UnitCost:       inventory.Ptr(decimal.RequireFromString(cost)),
		UnitOfMeasure:  "each",
		MovementDate:   jan(day),
		SourceType:     "purchase_invoice",
		SourceID:       key,
		IdempotencyKey: key,
	}
}

func sale(key, product string, day int, qty string) inventory.MovementCandidate {
	return inventory.MovementCandidate{
		Type:           inventory.MovementOutbound,
		ProductID:      product,
		WarehouseID:    "MAIN",
		Quantity:       decimal.RequireFromString(qty),
		UnitOfMeasure:  "each",
		MovementDate:   jan(day),
		SourceType:     "sales_invoice",
		SourceID:       key,
		IdempotencyKey: key,
	}
}

func inUnit(c inventory.MovementCandidate, unit string) inventory.MovementCandidate {
	c.UnitOfMeasure = unit
	return c
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "layer-comparison",
			Name:        "Layer Comparison",
			Description: "Three receipts at rising cost then one sale of 4: FIFO 42.00, LIFO 48.00, average 45.33",
		},
		products: []string{"WIDGET"},
		movements: []inventory.MovementCandidate{
			receipt("po-1", "WIDGET", 2, "3", "10"),
			receipt("po-2", "WIDGET", 5, "2", "12"),
			receipt("po-3", "WIDGET", 8, "1", "14"),
			sale("so-1", "WIDGET", 10, "4"),
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "shortfall",
			Name:        "Shortfall",
			Description: "Sale of 5 against 2 on hand; the uncovered 3 are reported as shortfall",
		},
		products: []string{"GADGET"},
		movements: []inventory.MovementCandidate{
			receipt("po-1", "GADGET", 3, "2", "10"),
			sale("so-1", "GADGET", 6, "5"),
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "unit-conversion",
			Name:        "Unit Conversion",
			Description: "Cases of 12 (global) and cases of 24 (soda only) received, sold in each",
		},
		products: []string{"CUP", "SODA"},
		conversions: []inventory.Conversion{
			{FromUnit: "case", ToUnit: "each", Factor: decimal.NewFromInt(12)},
			{ProductID: "SODA", FromUnit: "case", ToUnit: "each", Factor: decimal.NewFromInt(24)},
		},
		movements: []inventory.MovementCandidate{
			inUnit(receipt("po-cup-1", "CUP", 2, "2", "120"), "case"),
			inUnit(receipt("po-cup-2", "CUP", 9, "1", "144"), "case"),
			inUnit(receipt("po-soda-1", "SODA", 2, "1", "48"), "case"),
			sale("so-cup-1", "CUP", 12, "30"),
			sale("so-soda-1", "SODA", 12, "10"),
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "returns-adjustments",
			Name:        "Returns & Adjustments",
			Description: "Customer return, damage write-off and a restock at a higher cost",
		},
		products: []string{"LAMP"},
		movements: []inventory.MovementCandidate{
			receipt("po-1", "LAMP", 2, "10", "5"),
			sale("so-1", "LAMP", 4, "4"),
			{
				Type:           inventory.MovementReturnIn,
				ProductID:      "LAMP",
				WarehouseID:    "MAIN",
				Quantity:       decimal.NewFromInt(1),
				UnitCost:       inventory.Ptr(decimal.NewFromInt(5)),
				UnitOfMeasure:  "each",
				MovementDate:   jan(6),
				SourceType:     "sales_return",
				SourceID:       "sr-1",
				IdempotencyKey: "sr-1",
			},
			{
				Type:           inventory.MovementAdjustment,
				Direction:      inventory.DirectionOut,
				ProductID:      "LAMP",
				WarehouseID:    "MAIN",
				Quantity:       decimal.NewFromInt(2),
				UnitOfMeasure:  "each",
				MovementDate:   jan(7),
				SourceType:     "manual_adjustment",
				SourceID:       "adj-1",
				IdempotencyKey: "adj-1",
				Metadata:       map[string]string{"reason": "damaged"},
			},
			receipt("po-2", "LAMP", 8, "5", "7"),
			sale("so-2", "LAMP", 10, "6"),
		},
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario returns the scenario last loaded for the tenant, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	id := h.currentScenario[h.tenant(r)]
	h.mu.Unlock()

	s, ok := findScenario(id)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario resets the tenant and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown scenario", fmt.Errorf("scenario %q not found", req.ScenarioID))
		return
	}

	tenant := h.tenant(r)
	out, err := h.loadScenario(r.Context(), tenant, s)
	if err != nil {
		h.writeDomainError(w, "LoadScenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario[tenant] = s.ID
	h.mu.Unlock()

	run := toRunResponse(out)
	writeJSON(w, http.StatusOK, LoadScenarioResponse{
		Scenario:  s.ScenarioDTO,
		Movements: len(s.movements),
		Run:       &run,
	})
}

// ResetTenant clears all data of the request's tenant.
func (h *Handler) ResetTenant(w http.ResponseWriter, r *http.Request) {
	tenant := h.tenant(r)
	if err := h.Store.ResetTenant(r.Context(), tenant); err != nil {
		h.writeDomainError(w, "ResetTenant", err)
		return
	}

	h.mu.Lock()
	delete(h.currentScenario, tenant)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "tenant": string(tenant)})
}

func (h *Handler) loadScenario(ctx context.Context, tenant inventory.TenantID, s scenario) (*costing.RunOutput, error) {
	if err := h.Store.ResetTenant(ctx, tenant); err != nil {
		return nil, fmt.Errorf("reset tenant: %w", err)
	}
	for _, p := range s.products {
		if err := h.Store.RegisterProduct(ctx, tenant, p); err != nil {
			return nil, fmt.Errorf("register product %s: %w", p, err)
		}
	}
	for _, c := range s.conversions {
		if err := h.Store.SaveConversion(ctx, tenant, c); err != nil {
			return nil, fmt.Errorf("save conversion %s: %w", c.FromUnit, err)
		}
	}
	for _, m := range s.movements {
		m.TenantID = tenant
		if _, err := h.Ledger.Ingest(ctx, m); err != nil {
			return nil, fmt.Errorf("ingest %s: %w", m.IdempotencyKey, err)
		}
	}

	h.Logger.WithFields(logrus.Fields{
		"tenant":    tenant,
		"scenario":  s.ID,
		"movements": len(s.movements),
	}).Info("scenario loaded")

	return h.Orchestrator.Run(ctx, costing.RunInput{
		TenantID:   tenant,
		Strategies: h.Methods,
		Start:      scenarioStart,
		End:        scenarioEnd,
	})
}
