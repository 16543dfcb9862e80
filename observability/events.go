package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	transitions *prometheus.CounterVec
	issuance    prometheus.Counter
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured lifecycle events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lien",
				Subsystem: "events",
				Name:      "state_transitions_total",
				Help:      "Count of loan state transitions segmented by destination state.",
			}, []string{"state"}),
			issuance: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lien",
				Subsystem: "events",
				Name:      "debt_tokens_issued_total",
				Help:      "Count of debt receipt tokens issued.",
			}),
		}
		prometheus.MustRegister(eventRegistry.transitions, eventRegistry.issuance)
	})
	return eventRegistry
}

// RecordTransition increments the transition counter for the destination state.
func (m *eventMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(state))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.transitions.WithLabelValues(normalized).Inc()
}

// RecordIssuance increments the debt token issuance counter.
func (m *eventMetrics) RecordIssuance() {
	if m == nil {
		return
	}
	m.issuance.Inc()
}
