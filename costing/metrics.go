package costing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments orchestrator runs. A nil *Metrics records nothing.
type Metrics struct {
	StrategyRuns     *prometheus.CounterVec
	StrategyDuration *prometheus.HistogramVec
	Shortfalls       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StrategyRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costing",
			Subsystem: "orchestrator",
			Name:      "strategy_runs_total",
			Help:      "Strategy pipeline runs by method and outcome.",
		}, []string{"strategy", "outcome"}),
		StrategyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "costing",
			Subsystem: "orchestrator",
			Name:      "strategy_duration_seconds",
			Help:      "Wall time of one strategy pipeline, load through persist.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		Shortfalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costing",
			Subsystem: "orchestrator",
			Name:      "shortfall_allocations_total",
			Help:      "Outbound allocations that could not be fully covered by layers.",
		}, []string{"strategy"}),
	}
	if reg != nil {
		reg.MustRegister(m.StrategyRuns, m.StrategyDuration, m.Shortfalls)
	}
	return m
}

func (m *Metrics) observeRun(s Method, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.StrategyRuns.WithLabelValues(string(s), outcome).Inc()
	m.StrategyDuration.WithLabelValues(string(s)).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeShortfalls(s Method, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Shortfalls.WithLabelValues(string(s)).Add(float64(n))
}
