package registry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds registry collectors. A nil *Metrics records nothing.
type Metrics struct {
	reportsIngested *prometheus.CounterVec
}

// RegisterMetrics registers ingest counters and machine gauges for r with reg.
func (r *Registry) RegisterMetrics(reg prometheus.Registerer) error {
	m := &Metrics{
		reportsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_reports_ingested_total",
			Help: "Status reports accepted by the registry, by source.",
		}, []string{"source"}),
	}
	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "fleetsync_machines",
		Help:        "Machines known to the registry, by state.",
		ConstLabels: prometheus.Labels{"state": StateActive},
	}, func() float64 {
		a, _ := r.Counts()
		return float64(a)
	})
	stale := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "fleetsync_machines",
		Help:        "Machines known to the registry, by state.",
		ConstLabels: prometheus.Labels{"state": StateStale},
	}, func() float64 {
		_, s := r.Counts()
		return float64(s)
	})

	for _, c := range []prometheus.Collector{m.reportsIngested, active, stale} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	r.metrics = m
	return nil
}

func (m *Metrics) ingested(source string) {
	if m == nil {
		return
	}
	m.reportsIngested.WithLabelValues(source).Inc()
}
