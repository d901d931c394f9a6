/*
orchestrator.go - Runs every requested strategy over one window

PIPELINE (per strategy, in its own goroutine):
  load movements  -> RebuildLayers -> AllocateCOGS -> ValueEndingInventory
                  -> negative-inventory policy -> SaveResults

WINDOW:
  Movements are loaded from inception (or from Start when replay is off)
  through End, so layers reflect everything that happened before the
  window. Only outbounds dated inside [Start, End] are persisted.
  Valuations are stamped with End truncated to the day.

ISOLATION:
  Each strategy gets its own movement slice and its own arena. One
  strategy failing, or panicking, is recorded in RunOutput.Errors and the
  others still complete and persist.
*/
package costing

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/costing-engine/inventory"
	"golang.org/x/sync/errgroup"
)

type Orchestrator struct {
	Movements inventory.MovementReader
	Results   ResultStore

	Policy              NegativeInventoryPolicy
	MaxParallel         int // <= 0 means one goroutine per strategy
	ReplayFromInception bool

	Logger  logrus.FieldLogger
	Metrics *Metrics
	Now     func() time.Time
}

func NewOrchestrator(movements inventory.MovementReader, results ResultStore, logger logrus.FieldLogger) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		Movements:           movements,
		Results:             results,
		Policy:              PolicyAllowShortfall,
		ReplayFromInception: true,
		Logger:              logger,
		Now:                 time.Now,
	}
}

// RunInput selects the tenant, strategies and window of a run.
type RunInput struct {
	TenantID    inventory.TenantID
	Strategies  []Method // empty means every registered method
	Start       time.Time
	End         time.Time
	ProductID   string
	WarehouseID *string
	Policy      NegativeInventoryPolicy // empty means the orchestrator default
}

// StrategyError is a per-strategy failure reported back to the caller.
type StrategyError struct {
	Strategy Method `json:"strategy"`
	Message  string `json:"message"`
	Err      error  `json:"-"`
}

// RunOutput holds the results of the strategies that succeeded and the
// errors of those that did not.
type RunOutput struct {
	RunID       string
	TenantID    inventory.TenantID
	AsOfDate    time.Time
	Valuations  map[Method][]Valuation
	Allocations map[Method][]Allocation
	Errors      []StrategyError
}

// Succeeded reports whether m ran and persisted.
func (o *RunOutput) Succeeded(m Method) bool {
	_, ok := o.Valuations[m]
	return ok
}

// Run executes the pipeline for every requested strategy. It returns an
// error only when the input is unusable; strategy failures land in
// RunOutput.Errors.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) (*RunOutput, error) {
	if in.End.IsZero() || (!in.Start.IsZero() && in.End.Before(in.Start)) {
		return nil, fmt.Errorf("%w: start=%s end=%s", ErrInvalidWindow,
			in.Start.Format(time.RFC3339), in.End.Format(time.RFC3339))
	}

	methods := in.Strategies
	if len(methods) == 0 {
		methods = Methods()
	}
	strategies := make([]Strategy, 0, len(methods))
	for _, m := range methods {
		s, err := Lookup(m)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}

	policy := in.Policy
	if policy == "" {
		policy = o.Policy
	}
	if policy == "" {
		policy = PolicyAllowShortfall
	}

	now := time.Now
	if o.Now != nil {
		now = o.Now
	}

	out := &RunOutput{
		RunID:       uuid.NewString(),
		TenantID:    in.TenantID,
		AsOfDate:    truncateDay(in.End),
		Valuations:  make(map[Method][]Valuation),
		Allocations: make(map[Method][]Allocation),
	}
	log := o.logger().WithFields(logrus.Fields{
		"tenant_id": in.TenantID,
		"run_id":    out.RunID,
		"start":     in.Start.Format(time.RFC3339),
		"end":       in.End.Format(time.RFC3339),
		"policy":    policy,
	})
	log.WithField("strategies", methods).Info("costing run started")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if o.MaxParallel > 0 {
		g.SetLimit(o.MaxParallel)
	}

	for _, s := range strategies {
		s := s
		g.Go(func() error {
			started := time.Now()
			res, err := o.runStrategy(gctx, s, in, policy, out.RunID, out.AsOfDate, now(), log)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.Metrics.observeRun(s.Method(), "failed", started)
				log.WithError(err).WithField("strategy", s.Method()).Error("strategy failed")
				out.Errors = append(out.Errors, StrategyError{Strategy: s.Method(), Message: err.Error(), Err: err})
				return nil
			}
			o.Metrics.observeRun(s.Method(), "succeeded", started)
			out.Valuations[s.Method()] = res.Valuations
			out.Allocations[s.Method()] = res.Allocations
			return nil
		})
	}
	// Goroutines never return an error; failures are collected above.
	_ = g.Wait()

	sortStrategyErrors(out.Errors)
	log.WithFields(logrus.Fields{
		"succeeded": len(out.Valuations),
		"failed":    len(out.Errors),
	}).Info("costing run finished")
	return out, nil
}

func (o *Orchestrator) runStrategy(
	ctx context.Context,
	s Strategy,
	in RunInput,
	policy NegativeInventoryPolicy,
	runID string,
	asOfDate time.Time,
	computedAt time.Time,
	log logrus.FieldLogger,
) (res StrategyResults, err error) {
	m := s.Method()
	stage := "load"
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Error("strategy panicked")
			err = &StrategyComputationError{Strategy: m, Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	q := inventory.MovementQuery{
		TenantID:    in.TenantID,
		ProductID:   in.ProductID,
		WarehouseID: in.WarehouseID,
		To:          in.End,
	}
	if !o.ReplayFromInception {
		q.From = in.Start
	}
	movements, err := o.Movements.Movements(ctx, q)
	if err != nil {
		return res, &StrategyComputationError{Strategy: m, Stage: stage, Err: err}
	}

	rc := RunContext{TenantID: in.TenantID, RunID: runID, Logger: log.WithField("strategy", m)}

	stage = "rebuild"
	layers, err := s.RebuildLayers(movements, in.End, rc)
	if err != nil {
		return res, &StrategyComputationError{Strategy: m, Stage: stage, Err: err}
	}

	stage = "allocate"
	cogs, err := s.AllocateCOGS(movements, layers, in.End, rc)
	if err != nil {
		return res, &StrategyComputationError{Strategy: m, Stage: stage, Err: err}
	}

	stage = "value"
	vals, err := s.ValueEndingInventory(layers, asOfDate, rc)
	if err != nil {
		return res, &StrategyComputationError{Strategy: m, Stage: stage, Err: err}
	}

	stage = "policy"
	vals, err = policy.apply(s, cogs, layers, vals, asOfDate, rc)
	if err != nil {
		return res, &StrategyComputationError{Strategy: m, Stage: stage, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return res, &StrategyComputationError{Strategy: m, Stage: stage, Err: err}
	}

	res = StrategyResults{
		TenantID: in.TenantID,
		Strategy: m,
		AsOfDate: asOfDate,
		RunID:    runID,
	}
	shortfalls := 0
	for _, c := range cogs {
		if !in.Start.IsZero() && c.MovementDate.Before(in.Start) {
			continue
		}
		if c.ShortfallQty.IsPositive() {
			shortfalls++
		}
		res.Allocations = append(res.Allocations, Allocation{
			TenantID:     in.TenantID,
			Strategy:     m,
			MovementID:   c.MovementID,
			ProductID:    c.Key.ProductID,
			WarehouseID:  c.Key.WarehouseID,
			MovementDate: c.MovementDate,
			Qty:          c.Qty,
			UnitCost:     c.UnitCost,
			TotalCOGS:    c.TotalCOGS,
			ShortfallQty: c.ShortfallQty,
			LayerRefs:    c.LayerRefs,
			RunID:        runID,
			ComputedAt:   computedAt,
		})
	}
	for _, v := range vals {
		res.Valuations = append(res.Valuations, Valuation{
			TenantID:    in.TenantID,
			Strategy:    m,
			ProductID:   v.Key.ProductID,
			WarehouseID: v.Key.WarehouseID,
			AsOfDate:    asOfDate,
			OnHandQty:   v.OnHandQty,
			OnHandValue: v.OnHandValue,
			AvgUnitCost: v.AvgUnitCost,
			RunID:       runID,
			ComputedAt:  computedAt,
		})
	}
	o.Metrics.observeShortfalls(m, shortfalls)
	if shortfalls > 0 {
		log.WithFields(logrus.Fields{"strategy": m, "count": shortfalls}).Warn("outbounds exceeded available layers")
	}

	if err := o.Results.SaveResults(ctx, res); err != nil {
		return StrategyResults{}, &PersistenceError{Strategy: m, Err: err}
	}
	return res, nil
}

func (o *Orchestrator) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sortStrategyErrors(errs []StrategyError) {
	rank := make(map[Method]int, len(methodOrder))
	for i, m := range methodOrder {
		rank[m] = i
	}
	for i := 1; i < len(errs); i++ {
		for j := i; j > 0 && rank[errs[j].Strategy] < rank[errs[j-1].Strategy]; j-- {
			errs[j], errs[j-1] = errs[j-1], errs[j]
		}
	}
}
