package inventory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/costing-engine/inventory"
)

func TestLedger_Reconcile_DetectsAndRebuildRepairsDrift(t *testing.T) {
	// GIVEN: A ledger of +3 +2 -4 and a stored balance corrupted to 7
	// WHEN: Reconciling, then rebuilding
	// THEN: Drift is reported (7 vs 1) and the rebuild restores 1

	ledger, store := newTestLedger(t)
	ctx := context.Background()

	for _, c := range []inventory.MovementCandidate{
		receipt("po-1", 1, "3", "10"),
		receipt("po-2", 2, "2", "12"),
		shipment("so-1", 3, "4"),
	} {
		_, err := ledger.Ingest(ctx, c)
		require.NoError(t, err)
	}

	drift, err := ledger.Reconcile(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, drift, "incremental balances match the ledger")

	store.SetBalance(inventory.Balance{TenantID: tenant, ProductID: "sku-1", WarehouseID: "wh-1", OnHandQty: dec("7")})

	drift, err = ledger.Reconcile(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, inventory.Key{ProductID: "sku-1", WarehouseID: "wh-1"}, drift[0].Key)
	assert.True(t, drift[0].Stored.Equal(dec("7")))
	assert.True(t, drift[0].Replayed.Equal(dec("1")))

	rebuilt, err := ledger.RebuildBalances(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, rebuilt, 1)
	assert.True(t, rebuilt[0].OnHandQty.Equal(dec("1")))
	assert.True(t, rebuilt[0].LastMovementDate.Equal(day(3)))

	assert.True(t, onHand(t, ledger).Equal(dec("1")))
}

func TestLedger_Reconcile_ReportsOrphanBalance(t *testing.T) {
	ledger, store := newTestLedger(t)
	store.SetBalance(inventory.Balance{TenantID: tenant, ProductID: "ghost", OnHandQty: dec("2")})

	drift, err := ledger.Reconcile(context.Background(), tenant)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.True(t, drift[0].Replayed.IsZero())
}

func TestReplayBalances_GroupsByKey(t *testing.T) {
	movements := []inventory.StockMovement{
		{ID: 1, ProductID: "a", WarehouseID: "w1", Direction: inventory.DirectionIn, Quantity: dec("5"), MovementDate: day(1)},
		{ID: 2, ProductID: "a", WarehouseID: "w2", Direction: inventory.DirectionIn, Quantity: dec("1"), MovementDate: day(1)},
		{ID: 3, ProductID: "a", WarehouseID: "w1", Direction: inventory.DirectionOut, Quantity: dec("2"), MovementDate: day(2)},
	}

	got := inventory.ReplayBalances(tenant, movements)
	require.Len(t, got, 2)
	assert.Equal(t, "w1", got[0].WarehouseID)
	assert.True(t, got[0].OnHandQty.Equal(dec("3")))
	assert.True(t, got[1].OnHandQty.Equal(dec("1")))
}
