// Package memory provides in-memory implementations of the inventory and
// costing storage interfaces, for tests and demos.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/inventory"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps every table in maps behind a single mutex. Each method holds
// the lock for its whole body, which makes CreateMovement and SaveResults
// atomic.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	now    func() time.Time

	movements   []inventory.StockMovement // append-only, in id order
	idempotency map[idemKey]int           // -> index into movements
	balances    map[balanceKey]inventory.Balance
	conversions map[conversionKey]inventory.Conversion
	products    map[productKey]bool
	allocations map[allocationKey]costing.Allocation
	valuations  map[valuationKey]costing.Valuation
}

type idemKey struct {
	tenant inventory.TenantID
	key    string
}

type balanceKey struct {
	tenant inventory.TenantID
	key    inventory.Key
}

type conversionKey struct {
	tenant  inventory.TenantID
	product string
	unit    string
}

type productKey struct {
	tenant  inventory.TenantID
	product string
}

type allocationKey struct {
	tenant   inventory.TenantID
	strategy costing.Method
	movement int64
}

type valuationKey struct {
	tenant   inventory.TenantID
	strategy costing.Method
	key      inventory.Key
	asOf     time.Time
}

func New() *Store {
	s := &Store{now: time.Now}
	s.init()
	return s
}

func (s *Store) init() {
	s.nextID = 0
	s.movements = nil
	s.idempotency = make(map[idemKey]int)
	s.balances = make(map[balanceKey]inventory.Balance)
	s.conversions = make(map[conversionKey]inventory.Conversion)
	s.products = make(map[productKey]bool)
	s.allocations = make(map[allocationKey]costing.Allocation)
	s.valuations = make(map[valuationKey]costing.Valuation)
}

// ResetTenant drops every row belonging to tenant. Movement IDs are not reused.
func (s *Store) ResetTenant(_ context.Context, tenant inventory.TenantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.movements {
		if s.movements[i].TenantID == tenant {
			// Keep the slot so ID n stays at index n-1.
			s.movements[i] = inventory.StockMovement{ID: s.movements[i].ID}
		}
	}
	for k := range s.idempotency {
		if k.tenant == tenant {
			delete(s.idempotency, k)
		}
	}
	for k := range s.balances {
		if k.tenant == tenant {
			delete(s.balances, k)
		}
	}
	for k := range s.conversions {
		if k.tenant == tenant {
			delete(s.conversions, k)
		}
	}
	for k := range s.products {
		if k.tenant == tenant {
			delete(s.products, k)
		}
	}
	for k := range s.allocations {
		if k.tenant == tenant {
			delete(s.allocations, k)
		}
	}
	for k := range s.valuations {
		if k.tenant == tenant {
			delete(s.valuations, k)
		}
	}
	return nil
}

// =============================================================================
// MOVEMENTS (inventory.Store)
// =============================================================================

func (s *Store) CreateMovement(_ context.Context, m inventory.StockMovement) (inventory.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ik := idemKey{m.TenantID, m.IdempotencyKey}
	if _, ok := s.idempotency[ik]; ok {
		return inventory.StockMovement{}, inventory.ErrDuplicateIdempotencyKey
	}

	s.nextID++
	m.ID = s.nextID
	m.CreatedAt = s.now().UTC()
	m.Metadata = copyMeta(m.Metadata)

	s.movements = append(s.movements, m)
	s.idempotency[ik] = len(s.movements) - 1

	bk := balanceKey{m.TenantID, m.Key()}
	b, ok := s.balances[bk]
	if !ok {
		b = inventory.Balance{TenantID: m.TenantID, ProductID: m.ProductID, WarehouseID: m.WarehouseID, OnHandQty: decimal.Zero}
	}
	s.balances[bk] = b.Apply(m)

	return cloneMovement(m), nil
}

func (s *Store) MovementByIdempotencyKey(_ context.Context, tenant inventory.TenantID, key string) (*inventory.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.idempotency[idemKey{tenant, key}]
	if !ok {
		return nil, nil
	}
	m := cloneMovement(s.movements[i])
	return &m, nil
}

func (s *Store) Movement(_ context.Context, tenant inventory.TenantID, id int64) (*inventory.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// IDs are assigned sequentially from 1 across all tenants.
	if id < 1 || id > int64(len(s.movements)) || s.movements[id-1].TenantID != tenant {
		return nil, inventory.ErrMovementNotFound
	}
	m := cloneMovement(s.movements[id-1])
	return &m, nil
}

func (s *Store) Movements(_ context.Context, q inventory.MovementQuery) ([]inventory.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []inventory.StockMovement
	for _, m := range s.movements {
		if q.Matches(m) {
			out = append(out, cloneMovement(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// =============================================================================
// BALANCES
// =============================================================================

func (s *Store) Balances(_ context.Context, tenant inventory.TenantID) ([]inventory.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []inventory.Balance
	for k, b := range s.balances {
		if k.tenant == tenant {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].WarehouseID < out[j].WarehouseID
	})
	return out, nil
}

func (s *Store) ReplaceBalances(_ context.Context, tenant inventory.TenantID, balances []inventory.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.balances {
		if k.tenant == tenant {
			delete(s.balances, k)
		}
	}
	for _, b := range balances {
		b.TenantID = tenant
		s.balances[balanceKey{tenant, b.Key()}] = b
	}
	return nil
}

// SetBalance overwrites a single balance. Used to simulate drift.
func (s *Store) SetBalance(b inventory.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey{b.TenantID, b.Key()}] = b
}

// =============================================================================
// UOM CONVERSIONS + PRODUCTS
// =============================================================================

// SaveConversion registers or replaces a conversion. An empty ProductID
// registers a global conversion.
func (s *Store) SaveConversion(_ context.Context, tenant inventory.TenantID, c inventory.Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversions[conversionKey{tenant, c.ProductID, normUnit(c.FromUnit)}] = c
	return nil
}

func (s *Store) Conversion(_ context.Context, tenant inventory.TenantID, productID, unit string) (*inventory.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversions[conversionKey{tenant, productID, normUnit(unit)}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) RegisterProduct(_ context.Context, tenant inventory.TenantID, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[productKey{tenant, productID}] = true
	return nil
}

func (s *Store) ProductExists(_ context.Context, tenant inventory.TenantID, productID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.products[productKey{tenant, productID}], nil
}

// =============================================================================
// COSTING RESULTS (costing.ResultStore)
// =============================================================================

func (s *Store) SaveResults(_ context.Context, r costing.StrategyResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range r.Valuations {
		s.valuations[valuationKey{v.TenantID, v.Strategy, v.Key(), v.AsOfDate.UTC()}] = v
	}
	for _, a := range r.Allocations {
		a.LayerRefs = append([]costing.LayerRef(nil), a.LayerRefs...)
		s.allocations[allocationKey{a.TenantID, a.Strategy, a.MovementID}] = a
	}
	return nil
}

func (s *Store) Allocations(_ context.Context, q costing.AllocationQuery) ([]costing.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []costing.Allocation
	for _, a := range s.allocations {
		if q.Matches(a) {
			a.LayerRefs = append([]costing.LayerRef(nil), a.LayerRefs...)
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		if !out[i].MovementDate.Equal(out[j].MovementDate) {
			return out[i].MovementDate.Before(out[j].MovementDate)
		}
		return out[i].MovementID < out[j].MovementID
	})
	return out, nil
}

func (s *Store) Valuations(_ context.Context, q costing.ValuationQuery) ([]costing.Valuation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []costing.Valuation
	for _, v := range s.valuations {
		if q.Matches(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.Strategy != b.Strategy:
			return a.Strategy < b.Strategy
		case !a.AsOfDate.Equal(b.AsOfDate):
			return a.AsOfDate.Before(b.AsOfDate)
		case a.ProductID != b.ProductID:
			return a.ProductID < b.ProductID
		}
		return a.WarehouseID < b.WarehouseID
	})
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneMovement(m inventory.StockMovement) inventory.StockMovement {
	m.Metadata = copyMeta(m.Metadata)
	if m.UnitCost != nil {
		uc := *m.UnitCost
		m.UnitCost = &uc
	}
	return m
}

func copyMeta(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func normUnit(u string) string { return strings.ToLower(strings.TrimSpace(u)) }
