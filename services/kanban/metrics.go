package kanban

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds kanban sync collectors. A nil *Metrics records nothing.
type Metrics struct {
	syncs     *prometheus.CounterVec
	conflicts prometheus.Counter
}

// NewMetrics registers kanban collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_kanban_syncs_total",
			Help: "Kanban board reconciliations by strategy and result.",
		}, []string{"strategy", "result"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetsync_kanban_conflicts_total",
			Help: "Kanban items that could not be reconciled automatically.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.syncs, m.conflicts)
	}
	return m
}

func (m *Metrics) observe(strategy Strategy, err error, conflicts int) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case err != nil:
		result = "failure"
	case conflicts > 0:
		result = "conflict"
	}
	m.syncs.WithLabelValues(string(strategy), result).Inc()
	m.conflicts.Add(float64(conflicts))
}
