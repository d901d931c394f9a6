package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/inventory"
	"github.com/warp/costing-engine/store/memory"
)

func inbound(tenant inventory.TenantID, key string) inventory.StockMovement {
	return inventory.StockMovement{
		TenantID:       tenant,
		Type:           inventory.MovementInbound,
		Direction:      inventory.DirectionIn,
		ProductID:      "sku-1",
		Quantity:       decimal.NewFromInt(2),
		UnitCost:       inventory.Ptr(decimal.NewFromInt(5)),
		MovementDate:   time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		IdempotencyKey: key,
		Metadata:       map[string]string{"k": "v"},
	}
}

func TestStore_ReturnedMovementsAreCopies(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	created, err := store.CreateMovement(ctx, inbound("a", "po-1"))
	require.NoError(t, err)
	created.Metadata["k"] = "mutated"
	*created.UnitCost = decimal.NewFromInt(99)

	got, err := store.Movement(ctx, "a", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.True(t, got.UnitCost.Equal(decimal.NewFromInt(5)))
}

func TestStore_ResetTenant_KeepsOtherTenants(t *testing.T) {
	// GIVEN: Movements and results for tenants a and b
	// WHEN: Resetting tenant a
	// THEN: a is empty, b is untouched and IDs keep increasing

	store := memory.New()
	ctx := context.Background()

	first, err := store.CreateMovement(ctx, inbound("a", "po-1"))
	require.NoError(t, err)
	kept, err := store.CreateMovement(ctx, inbound("b", "po-1"))
	require.NoError(t, err)
	require.NoError(t, store.SaveResults(ctx, costing.StrategyResults{
		TenantID: "a", Strategy: costing.FIFO,
		Allocations: []costing.Allocation{{TenantID: "a", Strategy: costing.FIFO, MovementID: first.ID}},
	}))

	require.NoError(t, store.ResetTenant(ctx, "a"))

	gone, err := store.Movements(ctx, inventory.MovementQuery{TenantID: "a"})
	require.NoError(t, err)
	assert.Empty(t, gone)
	_, err = store.Movement(ctx, "a", first.ID)
	assert.ErrorIs(t, err, inventory.ErrMovementNotFound)

	allocs, err := store.Allocations(ctx, costing.AllocationQuery{TenantID: "a"})
	require.NoError(t, err)
	assert.Empty(t, allocs)

	got, err := store.Movement(ctx, "b", kept.ID)
	require.NoError(t, err)
	assert.Equal(t, kept.ID, got.ID)

	again, err := store.CreateMovement(ctx, inbound("a", "po-1"))
	require.NoError(t, err)
	assert.Greater(t, again.ID, kept.ID)
}

func TestStore_DuplicateKeyPerTenant(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.CreateMovement(ctx, inbound("a", "po-1"))
	require.NoError(t, err)
	_, err = store.CreateMovement(ctx, inbound("a", "po-1"))
	assert.ErrorIs(t, err, inventory.ErrDuplicateIdempotencyKey)

	balances, err := store.Balances(ctx, "a")
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].OnHandQty.Equal(decimal.NewFromInt(2)))
}

func TestStore_ConversionUnitIsCaseInsensitive(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveConversion(ctx, "a", inventory.Conversion{FromUnit: " Case", ToUnit: "each", Factor: decimal.NewFromInt(12)}))

	c, err := store.Conversion(ctx, "a", "", "CASE")
	require.NoError(t, err)
	require.NotNil(t, c)

	none, err := store.Conversion(ctx, "b", "", "case")
	require.NoError(t, err)
	assert.Nil(t, none)
}
