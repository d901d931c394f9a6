package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/costing-engine/api"
	"github.com/warp/costing-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	store  *memory.Store
	tenant string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	logger, _ := test.NewNullLogger()
	h := api.NewHandler(store, api.Options{DefaultTenant: "demo"}, logger)
	srv := httptest.NewServer(api.NewRouter(h, []string{"*"}))
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, store: store, tenant: "demo"}
}

func (s *testServer) do(method, path string, body any) (*http.Response, []byte) {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, r)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.TenantHeader, s.tenant)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	return resp, raw
}

func (s *testServer) decode(method, path string, body any, wantStatus int, out any) {
	s.t.Helper()
	resp, raw := s.do(method, path, body)
	require.Equal(s.t, wantStatus, resp.StatusCode, string(raw))
	if out != nil {
		require.NoError(s.t, json.Unmarshal(raw, out), string(raw))
	}
}

func receiptBody(key string, day int, qty, cost string) map[string]any {
	return map[string]any{
		"movement_type":   "inbound",
		"product_id":      "WIDGET",
		"warehouse_id":    "MAIN",
		"quantity":        qty,
		"unit_cost":       cost,
		"unit_of_measure": "each",
		"movement_date":   fmt.Sprintf("2025-01-%02dT09:00:00Z", day),
		"source_type":     "purchase_invoice",
		"idempotency_key": key,
	}
}

func saleBody(key string, day int, qty string) map[string]any {
	return map[string]any{
		"movement_type":   "outbound",
		"product_id":      "WIDGET",
		"warehouse_id":    "MAIN",
		"quantity":        qty,
		"unit_of_measure": "each",
		"movement_date":   fmt.Sprintf("2025-01-%02dT09:00:00Z", day),
		"source_type":     "sales_invoice",
		"idempotency_key": key,
	}
}

func (s *testServer) seedLayerScenario() {
	s.t.Helper()
	for _, b := range []map[string]any{
		receiptBody("po-1", 2, "3", "10"),
		receiptBody("po-2", 5, "2", "12"),
		receiptBody("po-3", 8, "1", "14"),
		saleBody("so-1", 10, "4"),
	} {
		s.decode(http.MethodPost, "/api/movements", b, http.StatusCreated, nil)
	}
}

var januaryRun = map[string]any{
	"start": "2025-01-01T00:00:00Z",
	"end":   "2025-01-31T23:59:59Z",
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func TestAPI_CreateMovement_IdempotentStatusCodes(t *testing.T) {
	// GIVEN: An empty tenant
	// WHEN: Posting the same movement twice
	// THEN: 201 created, then 200 skipped with the same movement id

	s := newTestServer(t)

	var first, second api.IngestResponse
	s.decode(http.MethodPost, "/api/movements", receiptBody("po-1", 2, "3", "10"), http.StatusCreated, &first)
	s.decode(http.MethodPost, "/api/movements", receiptBody("po-1", 2, "3", "10"), http.StatusOK, &second)

	assert.Equal(t, "created", first.Status)
	assert.Equal(t, "skipped", second.Status)
	assert.Equal(t, first.Movement.ID, second.Movement.ID)
	assert.Equal(t, "3.0000", first.Movement.Quantity)
	require.NotNil(t, first.Movement.UnitCost)
	assert.Equal(t, "10.000000", *first.Movement.UnitCost)

	var balances []api.BalanceDTO
	s.decode(http.MethodGet, "/api/balances", nil, http.StatusOK, &balances)
	require.Len(t, balances, 1)
	assert.Equal(t, "3.0000", balances[0].OnHandQty)
}

func TestAPI_CreateMovement_ValidationIs400(t *testing.T) {
	s := newTestServer(t)

	body := receiptBody("po-1", 2, "-3", "10")
	var resp api.ErrorResponse
	s.decode(http.MethodPost, "/api/movements", body, http.StatusBadRequest, &resp)
	assert.Equal(t, "validation failed", resp.Error)
	assert.Contains(t, strings.ToLower(resp.Details), "quantity")

	r, _ := s.do(http.MethodPost, "/api/movements", "not an object")
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestAPI_TenantIsolation(t *testing.T) {
	s := newTestServer(t)
	s.seedLayerScenario()

	s.tenant = "other"
	var movements []api.MovementDTO
	s.decode(http.MethodGet, "/api/movements", nil, http.StatusOK, &movements)
	assert.Empty(t, movements)

	// Same key is free under another tenant.
	s.decode(http.MethodPost, "/api/movements", receiptBody("po-1", 2, "3", "10"), http.StatusCreated, nil)
}

func TestAPI_ListMovements_Filters(t *testing.T) {
	s := newTestServer(t)
	s.seedLayerScenario()

	var movements []api.MovementDTO
	s.decode(http.MethodGet, "/api/movements?product_id=WIDGET&from=2025-01-05&to=2025-01-08", nil, http.StatusOK, &movements)
	require.Len(t, movements, 2)
	assert.Equal(t, "po-2", movements[0].IdempotencyKey)
	assert.Equal(t, "po-3", movements[1].IdempotencyKey)

	r, _ := s.do(http.MethodGet, "/api/movements?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestAPI_Adjustment(t *testing.T) {
	s := newTestServer(t)
	s.seedLayerScenario()

	var res api.IngestResponse
	s.decode(http.MethodPost, "/api/adjustments", map[string]any{
		"product_id":      "WIDGET",
		"warehouse_id":    "MAIN",
		"quantity":        "-1",
		"unit_of_measure": "each",
		"movement_date":   "2025-01-11T00:00:00Z",
		"reason":          "damaged",
		"idempotency_key": "adj-1",
	}, http.StatusCreated, &res)
	assert.Equal(t, "adjustment", res.Movement.Type)
	assert.Equal(t, "out", res.Movement.Direction)

	var balances []api.BalanceDTO
	s.decode(http.MethodGet, "/api/balances", nil, http.StatusOK, &balances)
	assert.Equal(t, "1.0000", balances[0].OnHandQty)
}

func TestAPI_Reconcile(t *testing.T) {
	s := newTestServer(t)
	s.seedLayerScenario()

	var rec api.ReconcileResponse
	s.decode(http.MethodGet, "/api/balances/reconcile", nil, http.StatusOK, &rec)
	assert.True(t, rec.Consistent)
	assert.Empty(t, rec.Drift)

	var rebuilt []api.BalanceDTO
	s.decode(http.MethodPost, "/api/balances/rebuild", nil, http.StatusOK, &rebuilt)
	require.Len(t, rebuilt, 1)
	assert.Equal(t, "2.0000", rebuilt[0].OnHandQty)
}

func TestAPI_UnitConversion(t *testing.T) {
	s := newTestServer(t)

	s.decode(http.MethodPost, "/api/uom-conversions", map[string]any{
		"from_unit": "case", "to_unit": "each", "factor": "12",
	}, http.StatusCreated, nil)
	s.decode(http.MethodPost, "/api/uom-conversions", map[string]any{
		"from_unit": "case", "to_unit": "each", "factor": "0",
	}, http.StatusBadRequest, nil)

	body := receiptBody("po-1", 2, "2", "120")
	body["unit_of_measure"] = "case"
	var res api.IngestResponse
	s.decode(http.MethodPost, "/api/movements", body, http.StatusCreated, &res)
	assert.Equal(t, "24.0000", res.Movement.Quantity)
	assert.Equal(t, "each", res.Movement.UnitOfMeasure)
	assert.Equal(t, "10.000000", *res.Movement.UnitCost)
}

// =============================================================================
// COSTING + REPORTS
// =============================================================================

func TestAPI_RunCostingAndReports(t *testing.T) {
	// GIVEN: The layer scenario ingested over HTTP
	// WHEN: Running costing, then asking for the comparison and drilldowns
	// THEN: The three methods line up with FIFO as baseline

	s := newTestServer(t)
	s.seedLayerScenario()

	var run api.RunResponse
	s.decode(http.MethodPost, "/api/costing/runs", januaryRun, http.StatusOK, &run)
	assert.NotEmpty(t, run.RunID)
	assert.Empty(t, run.Errors)
	require.Len(t, run.Allocations["fifo"], 1)
	assert.Equal(t, "42.00", run.Allocations["fifo"][0].TotalCOGS)
	assert.Equal(t, "48.00", run.Allocations["lifo"][0].TotalCOGS)
	assert.Equal(t, "45.33", run.Allocations["weighted_average"][0].TotalCOGS)
	assert.Equal(t, "22.67", run.Valuations["weighted_average"][0].OnHandValue)

	var cmp api.ComparisonDTO
	s.decode(http.MethodGet, "/api/reports/comparison?start=2025-01-01&end=2025-01-31", nil, http.StatusOK, &cmp)
	assert.Equal(t, "fifo", cmp.Baseline)
	require.Len(t, cmp.Strategies, 3)
	assert.Equal(t, "6.00", cmp.Strategies[1].COGSDelta)
	assert.Equal(t, "-6.00", cmp.Strategies[1].EndingValueDelta)

	var sku api.SKUDrilldownDTO
	s.decode(http.MethodGet, "/api/reports/sku/WIDGET?start=2025-01-01&end=2025-01-31&strategies=lifo", nil, http.StatusOK, &sku)
	assert.Equal(t, "WIDGET", sku.ProductID)
	require.Len(t, sku.Allocations["lifo"], 1)
	saleID := sku.Allocations["lifo"][0].MovementID

	var md api.MovementDrilldownDTO
	s.decode(http.MethodGet, fmt.Sprintf("/api/reports/movements/%d", saleID), nil, http.StatusOK, &md)
	require.Len(t, md.Strategies, 3)
	assert.Equal(t, "45.33", md.Strategies[2].TotalCOGS)
	assert.Len(t, md.Strategies[1].LayerRefs, 3)

	r, _ := s.do(http.MethodGet, "/api/reports/movements/9999", nil)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
	r, _ = s.do(http.MethodGet, "/api/reports/movements/abc", nil)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestAPI_RunCosting_RejectPolicyReportsPerStrategy(t *testing.T) {
	s := newTestServer(t)
	s.seedLayerScenario()
	s.decode(http.MethodPost, "/api/movements", saleBody("so-2", 12, "10"), http.StatusCreated, nil)

	body := map[string]any{"start": januaryRun["start"], "end": januaryRun["end"], "negative_inventory": "reject"}
	var run api.RunResponse
	s.decode(http.MethodPost, "/api/costing/runs", body, http.StatusOK, &run)
	assert.Len(t, run.Errors, 3)
	assert.Empty(t, run.Allocations)
}

func TestAPI_RunCosting_BadRequests(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]map[string]any{
		"missing end":      {"start": "2025-01-01T00:00:00Z"},
		"end before start": {"start": "2025-02-01T00:00:00Z", "end": "2025-01-01T00:00:00Z"},
		"unknown strategy": {"start": "2025-01-01T00:00:00Z", "end": "2025-01-31T00:00:00Z", "strategies": []string{"hifo"}},
		"unknown policy":   {"start": "2025-01-01T00:00:00Z", "end": "2025-01-31T00:00:00Z", "negative_inventory": "clamp"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			r, raw := s.do(http.MethodPost, "/api/costing/runs", body)
			assert.Equal(t, http.StatusBadRequest, r.StatusCode, string(raw))
		})
	}
}

// =============================================================================
// SCENARIOS + METRICS
// =============================================================================

func TestAPI_Scenarios(t *testing.T) {
	s := newTestServer(t)

	var list []api.ScenarioDTO
	s.decode(http.MethodGet, "/api/scenarios", nil, http.StatusOK, &list)
	assert.Len(t, list, 4)

	var loaded api.LoadScenarioResponse
	s.decode(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "layer-comparison"}, http.StatusOK, &loaded)
	assert.Equal(t, 4, loaded.Movements)
	require.NotNil(t, loaded.Run)
	assert.Equal(t, "42.00", loaded.Run.Allocations["fifo"][0].TotalCOGS)

	var current api.ScenarioDTO
	s.decode(http.MethodGet, "/api/scenarios/current", nil, http.StatusOK, &current)
	assert.Equal(t, "layer-comparison", current.ID)

	// Loading again resets first, so movements are not duplicated.
	s.decode(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "layer-comparison"}, http.StatusOK, nil)
	var movements []api.MovementDTO
	s.decode(http.MethodGet, "/api/movements", nil, http.StatusOK, &movements)
	assert.Len(t, movements, 4)

	s.decode(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"}, http.StatusBadRequest, nil)

	s.decode(http.MethodPost, "/api/scenarios/reset", nil, http.StatusOK, nil)
	s.decode(http.MethodGet, "/api/movements", nil, http.StatusOK, &movements)
	assert.Empty(t, movements)
}

func TestAPI_EveryScenarioLoadsCleanly(t *testing.T) {
	s := newTestServer(t)

	var list []api.ScenarioDTO
	s.decode(http.MethodGet, "/api/scenarios", nil, http.StatusOK, &list)
	for _, sc := range list {
		t.Run(sc.ID, func(t *testing.T) {
			var loaded api.LoadScenarioResponse
			s.decode(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": sc.ID}, http.StatusOK, &loaded)
			require.NotNil(t, loaded.Run)
			assert.Empty(t, loaded.Run.Errors)
		})
	}
}

func TestAPI_Scenario_UnitConversion(t *testing.T) {
	s := newTestServer(t)

	var loaded api.LoadScenarioResponse
	s.decode(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "unit-conversion"}, http.StatusOK, &loaded)

	// CUP: 24 @ 10 then 12 @ 12; selling 30 under FIFO costs 24*10 + 6*12.
	var sku api.SKUDrilldownDTO
	s.decode(http.MethodGet, "/api/reports/sku/CUP?start=2025-01-01&end=2025-01-31&strategies=fifo", nil, http.StatusOK, &sku)
	assert.Equal(t, "312.00", sku.Strategies[0].TotalCOGS)

	// SODA uses its own 24-per-case conversion: 10 @ 2.
	s.decode(http.MethodGet, "/api/reports/sku/SODA?start=2025-01-01&end=2025-01-31&strategies=fifo", nil, http.StatusOK, &sku)
	assert.Equal(t, "20.00", sku.Strategies[0].TotalCOGS)
}

func TestAPI_Metrics(t *testing.T) {
	s := newTestServer(t)
	s.seedLayerScenario()

	r, raw := s.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Contains(t, string(raw), "costing_ledger_movements_ingested_total")
}
