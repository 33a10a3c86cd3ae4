package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/casewire/casewire/pkg/metrics"
)

// marshallMetrics is the Prometheus implementation of marshall.Metrics.
type marshallMetrics struct {
	granted *prometheus.CounterVec
	denied  *prometheus.CounterVec
}

// NewMarshallMetrics creates a Prometheus-backed custody gate metrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewMarshallMetrics() *marshallMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &marshallMetrics{
		granted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_marshall_checkouts_granted_total",
				Help: "Total evidence checkouts granted to executing sections",
			},
			[]string{"section"},
		),
		denied: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_marshall_checkouts_denied_total",
				Help: "Total evidence checkouts refused by the custody gate",
			},
			[]string{"section"},
		),
	}
}

func (m *marshallMetrics) CheckoutGranted(sectionID string) {
	if m == nil {
		return
	}
	m.granted.WithLabelValues(sectionID).Inc()
}

func (m *marshallMetrics) CheckoutDenied(sectionID string) {
	if m == nil {
		return
	}
	m.denied.WithLabelValues(sectionID).Inc()
}
