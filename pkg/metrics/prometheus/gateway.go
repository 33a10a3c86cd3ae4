package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/casewire/casewire/pkg/metrics"
)

// gatewayMetrics is the Prometheus implementation of gateway.Metrics.
type gatewayMetrics struct {
	delivered *prometheus.CounterVec
	published *prometheus.CounterVec
	revisions *prometheus.CounterVec
}

// NewGatewayMetrics creates a Prometheus-backed routing metrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewGatewayMetrics() *gatewayMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &gatewayMetrics{
		delivered: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_gateway_evidence_delivered_total",
				Help: "Total evidence deliveries routed to section feeds",
			},
			[]string{"section"},
		),
		published: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_gateway_sections_published_total",
				Help: "Total section payload publications accepted",
			},
			[]string{"section"},
		),
		revisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_gateway_revisions_forwarded_total",
				Help: "Total revision requests replayed to sections",
			},
			[]string{"section"},
		),
	}
}

func (m *gatewayMetrics) EvidenceDelivered(sectionID string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(sectionID).Inc()
}

func (m *gatewayMetrics) SectionPublished(sectionID string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(sectionID).Inc()
}

func (m *gatewayMetrics) RevisionForwarded(sectionID string) {
	if m == nil {
		return
	}
	m.revisions.WithLabelValues(sectionID).Inc()
}
