package report_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/inventory"
	"github.com/warp/costing-engine/report"
	"github.com/warp/costing-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const tenant inventory.TenantID = "acme"

var (
	start = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2025, time.January, 31, 23, 59, 59, 0, time.UTC)
)

func day(d int) time.Time {
	return time.Date(2025, time.January, d, 9, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func candidate(key, product string, typ inventory.MovementType, d int, qty string, cost *decimal.Decimal) inventory.MovementCandidate {
	return inventory.MovementCandidate{
		TenantID:       tenant,
		Type:           typ,
		ProductID:      product,
		WarehouseID:    "MAIN",
		Quantity:       dec(qty),
		UnitCost:       cost,
		UnitOfMeasure:  "each",
		MovementDate:   day(d),
		SourceType:     "test",
		IdempotencyKey: key,
	}
}

// costedStore ingests two products and runs every strategy over January.
// WIDGET: 3@10, 2@12, 1@14, sell 4. GADGET: 5@2, sell 1.
// Returns the movement ID of the WIDGET sale.
func costedStore(t *testing.T) (*memory.Store, int64) {
	t.Helper()
	store := memory.New()
	logger, _ := test.NewNullLogger()
	ledger := inventory.NewLedger(store, store, logger)
	ctx := context.Background()

	var saleID int64
	for _, c := range []inventory.MovementCandidate{
		candidate("w-1", "WIDGET", inventory.MovementInbound, 2, "3", inventory.Ptr(dec("10"))),
		candidate("w-2", "WIDGET", inventory.MovementInbound, 5, "2", inventory.Ptr(dec("12"))),
		candidate("w-3", "WIDGET", inventory.MovementInbound, 8, "1", inventory.Ptr(dec("14"))),
		candidate("w-4", "WIDGET", inventory.MovementOutbound, 10, "4", nil),
		candidate("g-1", "GADGET", inventory.MovementInbound, 3, "5", inventory.Ptr(dec("2"))),
		candidate("g-2", "GADGET", inventory.MovementOutbound, 4, "1", nil),
	} {
		res, err := ledger.Ingest(ctx, c)
		require.NoError(t, err)
		if c.IdempotencyKey == "w-4" {
			saleID = res.Movement.ID
		}
	}

	orch := costing.NewOrchestrator(store, store, logger)
	out, err := orch.Run(ctx, costing.RunInput{TenantID: tenant, Start: start, End: end})
	require.NoError(t, err)
	require.Empty(t, out.Errors)
	return store, saleID
}

func assertDec(t *testing.T, want string, got decimal.Decimal, label ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s got %s %v", want, got, label)
}

// =============================================================================
// COMPARISON
// =============================================================================

func TestComparisonReport_TotalsAndDeltas(t *testing.T) {
	// GIVEN: Two products costed under every strategy
	// WHEN: Requesting the comparison with FIFO as baseline
	// THEN: Totals sum both products and deltas are against FIFO

	store, _ := costedStore(t)
	svc := report.NewService(store)

	cmp, err := svc.ComparisonReport(context.Background(), tenant, start, end, nil)
	require.NoError(t, err)

	assert.Equal(t, costing.FIFO, cmp.Baseline)
	require.Len(t, cmp.Strategies, 3)

	// GADGET adds 2.00 COGS and 8.00 ending value under every method.
	want := []struct {
		m                   costing.Method
		cogs, ending        string
		cogsDelta, endDelta string
	}{
		{costing.FIFO, "44.00", "34.00", "0", "0"},
		{costing.LIFO, "50.00", "28.00", "6.00", "-6.00"},
		{costing.WeightedAverage, "47.33", "30.67", "3.33", "-3.33"},
	}
	for i, w := range want {
		got := cmp.Strategies[i]
		assert.Equal(t, w.m, got.Strategy)
		assertDec(t, w.cogs, got.TotalCOGS, w.m)
		assertDec(t, w.ending, got.EndingValue, w.m)
		assertDec(t, w.cogsDelta, got.COGSDelta, w.m)
		assertDec(t, w.endDelta, got.EndingValueDelta, w.m)
		assertDec(t, "6", got.EndingQty, w.m)
		assert.Equal(t, 2, got.AllocationCount, w.m)
	}
}

func TestComparisonReport_BaselineIsFirstRequested(t *testing.T) {
	store, _ := costedStore(t)
	svc := report.NewService(store)

	cmp, err := svc.ComparisonReport(context.Background(), tenant, start, end, []costing.Method{costing.LIFO, costing.FIFO})
	require.NoError(t, err)

	assert.Equal(t, costing.LIFO, cmp.Baseline)
	require.Len(t, cmp.Strategies, 2)
	assertDec(t, "-6.00", cmp.Strategies[1].COGSDelta)
}

func TestComparisonReport_WindowExcludesOutbounds(t *testing.T) {
	store, _ := costedStore(t)
	svc := report.NewService(store)

	cmp, err := svc.ComparisonReport(context.Background(), tenant, day(5), end, []costing.Method{costing.FIFO})
	require.NoError(t, err)
	assertDec(t, "42.00", cmp.Strategies[0].TotalCOGS, "GADGET sale on day 4 is outside")
	assert.Equal(t, 1, cmp.Strategies[0].AllocationCount)
}

func TestComparisonReport_UsesLatestSnapshotOnly(t *testing.T) {
	// GIVEN: Snapshots at two dates for the same key
	// WHEN: Reporting over a window containing both
	// THEN: Only the later snapshot counts toward ending inventory

	store := memory.New()
	ctx := context.Background()
	for _, v := range []costing.Valuation{
		{TenantID: tenant, Strategy: costing.FIFO, ProductID: "A", AsOfDate: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), OnHandQty: dec("5"), OnHandValue: dec("50")},
		{TenantID: tenant, Strategy: costing.FIFO, ProductID: "A", AsOfDate: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), OnHandQty: dec("2"), OnHandValue: dec("20")},
	} {
		require.NoError(t, store.SaveResults(ctx, costing.StrategyResults{TenantID: tenant, Strategy: costing.FIFO, AsOfDate: v.AsOfDate, Valuations: []costing.Valuation{v}}))
	}

	cmp, err := report.NewService(store).ComparisonReport(ctx, tenant, start, end, []costing.Method{costing.FIFO})
	require.NoError(t, err)
	assertDec(t, "2", cmp.Strategies[0].EndingQty)
	assertDec(t, "20", cmp.Strategies[0].EndingValue)
}

func TestComparisonReport_UnknownStrategy(t *testing.T) {
	_, err := report.NewService(memory.New()).ComparisonReport(context.Background(), tenant, start, end, []costing.Method{"hifo"})
	assert.ErrorIs(t, err, costing.ErrUnknownStrategy)
}

// =============================================================================
// DRILLDOWNS
// =============================================================================

func TestSKUDrilldown_FiltersToProduct(t *testing.T) {
	store, saleID := costedStore(t)
	svc := report.NewService(store)

	sku, err := svc.SKUDrilldown(context.Background(), tenant, "WIDGET", start, end, nil)
	require.NoError(t, err)

	assert.Equal(t, "WIDGET", sku.ProductID)
	assertDec(t, "42.00", sku.Strategies[0].TotalCOGS)
	assertDec(t, "26.00", sku.Strategies[0].EndingValue)

	require.Len(t, sku.Allocations[costing.LIFO], 1)
	assert.Equal(t, saleID, sku.Allocations[costing.LIFO][0].MovementID)
	require.Len(t, sku.Valuations[costing.WeightedAverage], 1)
	assertDec(t, "22.67", sku.Valuations[costing.WeightedAverage][0].OnHandValue)
}

func TestSKUDrilldown_RequiresProduct(t *testing.T) {
	_, err := report.NewService(memory.New()).SKUDrilldown(context.Background(), tenant, "", start, end, nil)
	assert.True(t, inventory.IsValidation(err))
}

func TestMovementDrilldown_PerStrategyLayers(t *testing.T) {
	// GIVEN: The WIDGET sale costed under every strategy
	// WHEN: Drilling into that movement
	// THEN: Each strategy's COGS, layer refs and delta vs FIFO are returned

	store, saleID := costedStore(t)
	svc := report.NewService(store)

	md, err := svc.MovementDrilldown(context.Background(), tenant, saleID, nil)
	require.NoError(t, err)

	assert.Equal(t, "WIDGET", md.ProductID)
	require.Len(t, md.Strategies, 3)

	fifo, lifo, avg := md.Strategies[0], md.Strategies[1], md.Strategies[2]
	assert.True(t, fifo.Found)
	assertDec(t, "42.00", fifo.TotalCOGS)
	assert.Len(t, fifo.LayerRefs, 2)
	assertDec(t, "0", fifo.COGSDelta)

	assertDec(t, "48.00", lifo.TotalCOGS)
	assert.Len(t, lifo.LayerRefs, 3)
	assertDec(t, "6.00", lifo.COGSDelta)

	assertDec(t, "45.33", avg.TotalCOGS)
	assert.Len(t, avg.LayerRefs, 1)
	assertDec(t, "3.33", avg.COGSDelta)
}

func TestMovementDrilldown_NotFound(t *testing.T) {
	store, _ := costedStore(t)
	_, err := report.NewService(store).MovementDrilldown(context.Background(), tenant, 9999, nil)
	assert.True(t, inventory.IsNotFound(err))
}
