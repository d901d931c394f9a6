/*
scheduler.go - Periodic costing recompute

PURPOSE:
  Recomputes every configured strategy for each configured tenant over a
  trailing window, so persisted allocations and snapshots stay current
  without a caller having to trigger runs.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Window is [today - WindowDays, now]
  - Per-strategy errors are logged; the next tick tries again
  - Runs immediately on start

USAGE:
  scheduler := NewRecomputeScheduler(handler.Orchestrator, logger)
  scheduler.Tenants = []inventory.TenantID{"demo"}
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunCosting endpoint (manual run)
  - costing/orchestrator.go: Run
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/inventory"
)

// Runner is what the scheduler needs from the orchestrator.
type Runner interface {
	Run(ctx context.Context, in costing.RunInput) (*costing.RunOutput, error)
}

// RecomputeScheduler reruns costing for a trailing window on a ticker.
type RecomputeScheduler struct {
	Runner        Runner
	Tenants       []inventory.TenantID
	Methods       []costing.Method
	CheckInterval time.Duration
	WindowDays    int
	Enabled       bool
	Logger        logrus.FieldLogger
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRecomputeScheduler creates a scheduler with a one hour interval and a
// thirty day window.
func NewRecomputeScheduler(runner Runner, logger logrus.FieldLogger) *RecomputeScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RecomputeScheduler{
		Runner:        runner,
		CheckInterval: time.Hour,
		WindowDays:    30,
		Enabled:       true,
		Logger:        logger.WithField("component", "scheduler"),
		Now:           time.Now,
	}
}

// Start begins the scheduler.
func (rs *RecomputeScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.WithFields(logrus.Fields{
		"interval":    rs.CheckInterval.String(),
		"window_days": rs.WindowDays,
		"tenants":     len(rs.Tenants),
	}).Info("scheduler started")
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (rs *RecomputeScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("scheduler stopped")
	}
}

func (rs *RecomputeScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.checkAndProcess()

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess()
		case <-rs.stop:
			return
		}
	}
}

// RunNow triggers an immediate pass and returns the number of tenants
// whose run completed without strategy errors.
func (rs *RecomputeScheduler) RunNow() int {
	return rs.checkAndProcess()
}

// Window returns the window the next pass will cost.
func (rs *RecomputeScheduler) Window() (start, end time.Time) {
	now := time.Now
	if rs.Now != nil {
		now = rs.Now
	}
	end = now().UTC()
	day := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -rs.WindowDays), end
}

func (rs *RecomputeScheduler) checkAndProcess() int {
	ctx := context.Background()
	start, end := rs.Window()

	clean := 0
	for _, tenant := range rs.Tenants {
		log := rs.Logger.WithField("tenant", tenant)

		out, err := rs.Runner.Run(ctx, costing.RunInput{
			TenantID:   tenant,
			Strategies: rs.Methods,
			Start:      start,
			End:        end,
		})
		if err != nil {
			log.WithError(err).Error("scheduled run rejected")
			continue
		}
		for _, e := range out.Errors {
			log.WithFields(logrus.Fields{"strategy": e.Strategy, "run_id": out.RunID}).
				Warn("scheduled run strategy failed: " + e.Message)
		}
		if len(out.Errors) == 0 {
			clean++
		}
	}

	if len(rs.Tenants) > 0 {
		rs.Logger.WithFields(logrus.Fields{"tenants": len(rs.Tenants), "clean": clean}).Info("scheduled recompute finished")
	}
	return clean
}
