package inventory

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds ledger counters. A nil *Metrics records nothing.
type Metrics struct {
	MovementsIngested *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MovementsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costing",
			Subsystem: "ledger",
			Name:      "movements_ingested_total",
			Help:      "Movement candidates processed by the ledger, by movement type and outcome.",
		}, []string{"type", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.MovementsIngested)
	}
	return m
}

func (m *Metrics) observeIngest(t MovementType, status string) {
	if m == nil {
		return
	}
	m.MovementsIngested.WithLabelValues(string(t), status).Inc()
}
