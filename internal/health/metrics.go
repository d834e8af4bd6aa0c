package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the health check collectors.
type Metrics struct {
	evaluations *prometheus.CounterVec
	checkStatus *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "evaluations_total",
				Help:      "Total number of health evaluations by type and outcome",
			},
			[]string{"type", "status"},
		),
		checkStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Last check outcome (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"check"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.evaluations, m.checkStatus)
	}
	return m
}

func (m *Metrics) recordEvaluation(kind string, status Status) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(kind, string(status)).Inc()
}

func (m *Metrics) recordCheck(name string, status Status) {
	if m == nil {
		return
	}
	value := 0.0
	switch status {
	case StatusHealthy:
		value = 1
	case StatusDegraded:
		value = 0.5
	}
	m.checkStatus.WithLabelValues(name).Set(value)
}
