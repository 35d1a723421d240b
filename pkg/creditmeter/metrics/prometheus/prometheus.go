// Package prommetrics provides a Prometheus implementation of the
// creditmeter.Metrics interface.
package prommetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements creditmeter.Metrics using Prometheus.
type Metrics struct {
	chargesTotal     *prometheus.CounterVec
	denialsTotal     *prometheus.CounterVec
	refreshesTotal   *prometheus.CounterVec
	tierChangesTotal *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for the
// credit ledger and tier state machine.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		chargesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "charges_total",
			Help:      "Total number of settled operation charges.",
		}, []string{"operation", "status"}),

		denialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "denials_total",
			Help:      "Total number of pre-flight charge denials.",
		}, []string{"operation", "reason"}),

		refreshesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "refreshes_total",
			Help:      "Total number of credit refreshes to the tier ceiling.",
		}, []string{"trigger"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "tier_changes_total",
			Help:      "Total number of subscription tier transitions.",
		}, []string{"from_tier", "to_tier"}),
	}
}

// DefaultMetrics creates a Metrics registered on the default Prometheus
// registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordCharge(operation, status string) {
	m.chargesTotal.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) RecordDenial(operation, reason string) {
	m.denialsTotal.WithLabelValues(operation, reason).Inc()
}

func (m *Metrics) RecordRefresh(trigger string) {
	m.refreshesTotal.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RecordTierChange(fromTier, toTier string) {
	m.tierChangesTotal.WithLabelValues(fromTier, toTier).Inc()
}
