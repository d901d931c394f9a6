package costing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/costing-engine/inventory"
)

var (
	// ErrUnknownStrategy is returned for a method name outside the registry.
	ErrUnknownStrategy = errors.New("unknown costing strategy")

	// ErrInvalidWindow is returned when a run window has no end or ends before it starts.
	ErrInvalidWindow = errors.New("invalid costing window")

	// ErrStrategyComputation is the parent of every *StrategyComputationError.
	ErrStrategyComputation = errors.New("strategy computation failed")

	// ErrPersistence is the parent of every *PersistenceError.
	ErrPersistence = errors.New("persisting costing results failed")

	// ErrShortfall is returned under the reject policy when an outbound
	// exceeds the available layers.
	ErrShortfall = errors.New("outbound exceeds available inventory")
)

// StrategyComputationError is a failure inside one strategy's pipeline.
// The orchestrator records it and carries on with the other strategies.
type StrategyComputationError struct {
	Strategy Method
	Stage    string // load, rebuild, allocate, value, policy
	Err      error
}

func (e *StrategyComputationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Strategy, e.Stage, e.Err)
}

func (e *StrategyComputationError) Unwrap() []error {
	return []error{ErrStrategyComputation, e.Err}
}

// PersistenceError is a failed SaveResults. The strategy's transaction has
// been rolled back.
type PersistenceError struct {
	Strategy Method
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persist: %v", e.Strategy, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// ShortfallError details the first outbound that could not be fully covered.
type ShortfallError struct {
	MovementID int64
	Key        inventory.Key
	Requested  decimal.Decimal
	Shortfall  decimal.Decimal
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("movement %d (%s): requested %s, short by %s",
		e.MovementID, e.Key, e.Requested, e.Shortfall)
}

func (e *ShortfallError) Unwrap() error { return ErrShortfall }
