package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/casewire/casewire/pkg/metrics"
)

// eccMetrics is the Prometheus implementation of ecc.Metrics.
type eccMetrics struct {
	transitions *prometheus.CounterVec
}

// NewECCMetrics creates a Prometheus-backed section lifecycle metrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewECCMetrics() *eccMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &eccMetrics{
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_ecc_section_transitions_total",
				Help: "Total accepted section state transitions",
			},
			[]string{"section", "from", "to"},
		),
	}
}

func (m *eccMetrics) SectionTransition(sectionID, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(sectionID, from, to).Inc()
}
