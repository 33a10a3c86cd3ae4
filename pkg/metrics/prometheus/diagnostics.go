package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/casewire/casewire/pkg/metrics"
)

// diagnosticsMetrics is the Prometheus implementation of
// diagnostics.Metrics.
type diagnosticsMetrics struct {
	raised  *prometheus.CounterVec
	repairs *prometheus.CounterVec
	depth   prometheus.Gauge
	healthy *prometheus.GaugeVec
}

// NewDiagnosticsMetrics creates a Prometheus-backed supervision metrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewDiagnosticsMetrics() *diagnosticsMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &diagnosticsMetrics{
		raised: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_diag_faults_raised_total",
				Help: "Total faults raised by code and severity",
			},
			[]string{"code", "severity"},
		),
		repairs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_diag_repair_outcomes_total",
				Help: "Total repair attempts by final outcome",
			},
			[]string{"outcome"}, // "closed", "unrepaired"
		),
		depth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "casewire_diag_repair_queue_depth",
				Help: "Faults currently waiting in the repair queue",
			},
		),
		healthy: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "casewire_diag_member_healthy",
				Help: "Liveness verdict per supervised address (1 healthy, 0 unresponsive)",
			},
			[]string{"address"},
		),
	}
}

func (m *diagnosticsMetrics) FaultRaised(code, severity string) {
	if m == nil {
		return
	}
	m.raised.WithLabelValues(code, severity).Inc()
}

func (m *diagnosticsMetrics) RepairOutcome(outcome string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(outcome).Inc()
}

func (m *diagnosticsMetrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}

func (m *diagnosticsMetrics) MemberHealthy(addr string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.healthy.WithLabelValues(addr).Set(v)
}
