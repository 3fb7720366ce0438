package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the guarded sink did with each record.
type Metrics struct {
	Delivered    *prometheus.CounterVec
	Sampled      prometheus.Counter
	CircuitDrops prometheus.Counter
	Failures     *prometheus.CounterVec
	CircuitState prometheus.Gauge
}

// NewMetrics registers the sink metrics on reg under the given sink label.
func NewMetrics(reg prometheus.Registerer, sink string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"sink": sink}
	return &Metrics{
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "audittrail_sink_delivered_total",
			Help:        "Audit records accepted by the sink, by phase",
			ConstLabels: labels,
		}, []string{"phase"}),
		Sampled: factory.NewCounter(prometheus.CounterOpts{
			Name:        "audittrail_sink_sampled_out_total",
			Help:        "Audit records skipped by sampling",
			ConstLabels: labels,
		}),
		CircuitDrops: factory.NewCounter(prometheus.CounterOpts{
			Name:        "audittrail_sink_circuit_dropped_total",
			Help:        "Audit records refused while the circuit was open",
			ConstLabels: labels,
		}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "audittrail_sink_failures_total",
			Help:        "Audit records the sink failed to deliver, by phase",
			ConstLabels: labels,
		}, []string{"phase"}),
		CircuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "audittrail_sink_circuit_open",
			Help:        "Circuit state (0=closed, 1=open)",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) setCircuitOpen(open bool) {
	if open {
		m.CircuitState.Set(1)
	} else {
		m.CircuitState.Set(0)
	}
}
