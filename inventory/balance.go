/*
balance.go - Balance Tracker rebuild and reconciliation

PURPOSE:
  Balances are denormalized: Store.CreateMovement keeps them current one
  delta at a time. This file provides the other direction, recomputing
  balances from the ledger so drift can be detected and repaired.

INVARIANT:
  For every (product, warehouse):
    stored.OnHandQty == sum(signed quantity of every movement for that key)

SEE ALSO:
  - ledger.go: Incremental updates during Ingest
*/
package inventory

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ReplayBalances folds movements into balances, one per key, sorted by key.
func ReplayBalances(tenant TenantID, movements []StockMovement) []Balance {
	byKey := make(map[Key]Balance)
	for _, m := range movements {
		k := m.Key()
		b, ok := byKey[k]
		if !ok {
			b = Balance{TenantID: tenant, ProductID: k.ProductID, WarehouseID: k.WarehouseID, OnHandQty: decimal.Zero}
		}
		byKey[k] = b.Apply(m)
	}

	out := make([]Balance, 0, len(byKey))
	for _, b := range byKey {
		out = append(out, b)
	}
	sortBalances(out)
	return out
}

func sortBalances(bs []Balance) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].ProductID != bs[j].ProductID {
			return bs[i].ProductID < bs[j].ProductID
		}
		return bs[i].WarehouseID < bs[j].WarehouseID
	})
}

// Balances returns the tracked balances for a tenant.
func (l *Ledger) Balances(ctx context.Context, tenant TenantID) ([]Balance, error) {
	return l.Store.Balances(ctx, tenant)
}

// RebuildBalances replays the tenant's full ledger and replaces the stored
// balances with the result.
func (l *Ledger) RebuildBalances(ctx context.Context, tenant TenantID) ([]Balance, error) {
	movements, err := l.Store.Movements(ctx, MovementQuery{TenantID: tenant})
	if err != nil {
		return nil, err
	}
	balances := ReplayBalances(tenant, movements)
	if err := l.Store.ReplaceBalances(ctx, tenant, balances); err != nil {
		return nil, err
	}
	l.Logger.WithFields(logrus.Fields{
		"tenant":    tenant,
		"movements": len(movements),
		"balances":  len(balances),
	}).Info("balances rebuilt from ledger")
	return balances, nil
}

// BalanceDrift is a key whose stored balance disagrees with the ledger.
type BalanceDrift struct {
	Key      Key
	Stored   decimal.Decimal
	Replayed decimal.Decimal
}

// Reconcile compares stored balances with a replay of the ledger. An empty
// result means the Balance Tracker is consistent.
func (l *Ledger) Reconcile(ctx context.Context, tenant TenantID) ([]BalanceDrift, error) {
	movements, err := l.Store.Movements(ctx, MovementQuery{TenantID: tenant})
	if err != nil {
		return nil, err
	}
	stored, err := l.Store.Balances(ctx, tenant)
	if err != nil {
		return nil, err
	}

	want := make(map[Key]decimal.Decimal)
	for _, b := range ReplayBalances(tenant, movements) {
		want[b.Key()] = b.OnHandQty
	}
	have := make(map[Key]decimal.Decimal)
	for _, b := range stored {
		have[b.Key()] = b.OnHandQty
	}

	var drift []BalanceDrift
	for k, w := range want {
		if h := have[k]; !h.Equal(w) {
			drift = append(drift, BalanceDrift{Key: k, Stored: h, Replayed: w})
		}
	}
	for k, h := range have {
		if _, ok := want[k]; !ok && !h.IsZero() {
			drift = append(drift, BalanceDrift{Key: k, Stored: h, Replayed: decimal.Zero})
		}
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].Key.String() < drift[j].Key.String() })

	if len(drift) > 0 {
		l.Logger.WithFields(logrus.Fields{"tenant": tenant, "keys": len(drift)}).Warn("balance drift detected")
	}
	return drift, nil
}
