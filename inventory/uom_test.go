package inventory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/costing-engine/inventory"
	"github.com/warp/costing-engine/store/memory"
)

func TestUoMResolver_ProductThenGlobalThenPassThrough(t *testing.T) {
	// GIVEN: A global case=12 and a product-specific case=24 for sku-24
	// WHEN: Resolving "case" for each product and an unknown unit
	// THEN: Product-specific wins, then global, then pass-through

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveConversion(ctx, tenant, inventory.Conversion{FromUnit: "case", ToUnit: "each", Factor: dec("12")}))
	require.NoError(t, store.SaveConversion(ctx, tenant, inventory.Conversion{ProductID: "sku-24", FromUnit: "case", ToUnit: "each", Factor: dec("24")}))

	r := &inventory.UoMResolver{Conversions: store}
	cost := dec("48")

	got, err := r.Resolve(ctx, tenant, "sku-24", "case", dec("1"), &cost)
	require.NoError(t, err)
	assert.Equal(t, "each", got.Unit)
	assert.True(t, got.Quantity.Equal(dec("24")))
	assert.True(t, got.UnitCost.Equal(dec("2")))

	got, err = r.Resolve(ctx, tenant, "sku-1", "case", dec("2"), &cost)
	require.NoError(t, err)
	assert.True(t, got.Quantity.Equal(dec("24")))
	assert.True(t, got.UnitCost.Equal(dec("4")))

	got, err = r.Resolve(ctx, tenant, "sku-1", "pallet", dec("2"), &cost)
	require.NoError(t, err)
	assert.Equal(t, "pallet", got.Unit)
	assert.True(t, got.Quantity.Equal(dec("2")))
	assert.True(t, got.UnitCost.Equal(cost))
}

func TestLedger_Ingest_ConvertsUnitAndKeepsExtendedCost(t *testing.T) {
	// GIVEN: case = 12 each
	// WHEN: 2 cases @ 120 are received
	// THEN: The movement is 24 each @ 10 and records the source unit

	ledger, store := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, store.SaveConversion(ctx, tenant, inventory.Conversion{FromUnit: "case", ToUnit: "each", Factor: dec("12")}))

	c := receipt("po-1", 1, "2", "120")
	c.UnitOfMeasure = "case"

	res, err := ledger.Ingest(ctx, c)
	require.NoError(t, err)

	m := res.Movement
	assert.Equal(t, "each", m.UnitOfMeasure)
	assert.True(t, m.Quantity.Equal(dec("24")))
	assert.True(t, m.UnitCost.Equal(dec("10")))
	assert.Equal(t, "case", m.Metadata["source_uom"])
	assert.Equal(t, "2", m.Metadata["source_quantity"])
}

type failingConversions struct{}

func (failingConversions) Conversion(context.Context, inventory.TenantID, string, string) (*inventory.Conversion, error) {
	return nil, errors.New("lookup down")
}

func TestUoMResolver_LookupErrorPropagates(t *testing.T) {
	r := &inventory.UoMResolver{Conversions: failingConversions{}}
	_, err := r.Resolve(context.Background(), tenant, "sku-1", "case", dec("1"), nil)
	assert.ErrorContains(t, err, "lookup down")
}
