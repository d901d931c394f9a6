/*
Package costing computes COGS and ending inventory valuation from the
movement ledger under several costing methods side by side.

PURPOSE:
  Each costing method is a Strategy with three steps:
    RebuildLayers        movements  -> layer arena
    AllocateCOGS         outbounds  -> COGS per outbound (mutates the arena)
    ValueEndingInventory arena      -> on-hand qty/value per (product, warehouse)

  The Orchestrator runs the three steps for every requested method, applies
  the negative-inventory policy and persists the results per method.

STRATEGY SET:
  The set is closed: fifo, lifo, weighted_average. The table below is built
  once at package initialisation; Lookup is a map read.

OWNERSHIP:
  A *Layers arena belongs to exactly one pipeline run of one strategy.
  It is never shared across strategies or across runs.

SEE ALSO:
  - layers.go: LayerState and the Layers arena
  - lots.go: FIFO and LIFO
  - average.go: Weighted Average
  - orchestrator.go: Pipeline, policy and persistence
*/
package costing

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/costing-engine/inventory"
)

// =============================================================================
// METHOD - Closed set of costing methods
// =============================================================================

type Method string

const (
	FIFO            Method = "fifo"
	LIFO            Method = "lifo"
	WeightedAverage Method = "weighted_average"
)

func (m Method) String() string { return string(m) }

// ParseMethod parses a method name. Accepts a few common aliases.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fifo":
		return FIFO, nil
	case "lifo":
		return LIFO, nil
	case "weighted_average", "wavg", "average", "avg":
		return WeightedAverage, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// ParseMethods parses a list of names, dropping duplicates.
func ParseMethods(names []string) ([]Method, error) {
	seen := make(map[Method]bool)
	var out []Method
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		m, err := ParseMethod(n)
		if err != nil {
			return nil, err
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// =============================================================================
// STRATEGY
// =============================================================================

// RunContext carries per-run information into a strategy.
type RunContext struct {
	TenantID inventory.TenantID
	RunID    string
	Logger   logrus.FieldLogger
}

// Strategy is one costing method.
type Strategy interface {
	Method() Method

	// RebuildLayers replays movements dated on or before asOf into a fresh
	// arena. It does not modify movements.
	RebuildLayers(movements []inventory.StockMovement, asOf time.Time, rc RunContext) (*Layers, error)

	// AllocateCOGS consumes layers for each outbound movement in
	// (movement_date, id) order. It never fails because layers run out;
	// the uncovered quantity is reported as ShortfallQty at zero cost.
	AllocateCOGS(outbounds []inventory.StockMovement, layers *Layers, asOf time.Time, rc RunContext) ([]CogsResult, error)

	// ValueEndingInventory aggregates what is left in the arena per key.
	ValueEndingInventory(layers *Layers, asOf time.Time, rc RunContext) ([]ValuationResult, error)
}

// =============================================================================
// REGISTRY - Static table, built once
// =============================================================================

var (
	methodOrder = []Method{FIFO, LIFO, WeightedAverage}
	registry    = map[Method]Strategy{
		FIFO:            &lotStrategy{method: FIFO},
		LIFO:            &lotStrategy{method: LIFO, newestFirst: true},
		WeightedAverage: &weightedAverage{},
	}
)

// Lookup returns the strategy for m.
func Lookup(m Method) (Strategy, error) {
	s, ok := registry[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, m)
	}
	return s, nil
}

// Methods returns every registered method in a stable order.
func Methods() []Method {
	return append([]Method(nil), methodOrder...)
}
