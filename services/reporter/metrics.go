package reporter

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the reporter's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	deliveryAttempts *prometheus.CounterVec
	cycles           *prometheus.CounterVec
}

// NewMetrics registers reporter collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_delivery_attempts_total",
			Help: "Status report delivery attempts by endpoint and result.",
		}, []string{"endpoint", "result"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_report_cycles_total",
			Help: "Reporting cycles by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.deliveryAttempts, m.cycles)
	}
	return m
}

func (m *Metrics) attempt(endpoint, result string) {
	if m == nil {
		return
	}
	m.deliveryAttempts.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) cycle(result string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
}
