// Package prometheus provides the Prometheus implementations of the
// per-component metrics interfaces. Every constructor returns nil when
// metrics are disabled; the nil value is safe to install and records
// nothing.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/casewire/casewire/pkg/metrics"
)

// busMetrics is the Prometheus implementation of bus.Metrics.
type busMetrics struct {
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	pending   prometheus.Gauge
}

// NewBusMetrics creates a Prometheus-backed bus metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewBusMetrics() *busMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &busMetrics{
		delivered: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_bus_signals_delivered_total",
				Help: "Total signals delivered to subscriber mailboxes by topic",
			},
			[]string{"topic"},
		),
		dropped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_bus_signals_dropped_total",
				Help: "Total signals dropped by mailbox overflow policy by topic",
			},
			[]string{"topic"},
		),
		pending: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "casewire_bus_pending_requests",
				Help: "Requests currently awaiting a response or timeout",
			},
		),
	}
}

func (m *busMetrics) SignalDelivered(topic string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(topic).Inc()
}

func (m *busMetrics) SignalDropped(topic string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(topic).Inc()
}

func (m *busMetrics) PendingRequests(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
