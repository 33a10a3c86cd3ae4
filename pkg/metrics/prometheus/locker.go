package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/casewire/casewire/pkg/metrics"
)

// lockerMetrics is the Prometheus implementation of locker.Metrics.
type lockerMetrics struct {
	ingested    *prometheus.CounterVec
	duplicates  prometheus.Counter
	classified  *prometheus.CounterVec
	quarantined prometheus.Counter
}

// NewLockerMetrics creates a Prometheus-backed evidence intake metrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewLockerMetrics() *lockerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &lockerMetrics{
		ingested: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_locker_evidence_ingested_total",
				Help: "Total evidence items accepted into the locker by kind",
			},
			[]string{"kind"},
		),
		duplicates: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "casewire_locker_evidence_duplicates_total",
				Help: "Total submissions absorbed as content-hash duplicates",
			},
		),
		classified: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "casewire_locker_evidence_classified_total",
				Help: "Total classification outcomes by result",
			},
			[]string{"outcome"}, // classification label or "unknown"
		),
		quarantined: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "casewire_locker_evidence_quarantined_total",
				Help: "Total evidence items quarantined after integrity failures",
			},
		),
	}
}

func (m *lockerMetrics) EvidenceIngested(kind string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(kind).Inc()
}

func (m *lockerMetrics) EvidenceDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *lockerMetrics) EvidenceClassified(outcome string) {
	if m == nil {
		return
	}
	m.classified.WithLabelValues(outcome).Inc()
}

func (m *lockerMetrics) EvidenceQuarantined() {
	if m == nil {
		return
	}
	m.quarantined.Inc()
}
