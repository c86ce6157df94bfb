package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TriageMetrics records inbox assembly and lifecycle write outcomes.
type TriageMetrics struct {
	assembliesTotal  prometheus.Counter
	assemblyDuration prometheus.Histogram
	itemsSurfaced    prometheus.Histogram
	eventsExcluded   *prometheus.CounterVec
	lifecycleTotal   *prometheus.CounterVec
}

// NewTriageMetrics creates the collector and registers it on registry.
func NewTriageMetrics(registry prometheus.Registerer) (*TriageMetrics, error) {
	m := &TriageMetrics{
		assembliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_assemblies_total",
			Help:      "Number of triage inbox assemblies",
		}),
		assemblyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inbox_assembly_duration_seconds",
			Help:      "Time to load the stores and assemble one inbox",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		itemsSurfaced: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inbox_items",
			Help:      "Triage items surfaced per assembly",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		eventsExcluded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_events_excluded_total",
			Help:      "Log events left out of the inbox",
		}, []string{"reason"}), // reason: malformed, unresolved_patient, not_risk_worthy, search_filtered
		lifecycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_operations_total",
			Help:      "Review and intervention writes by outcome",
		}, []string{"operation", "outcome"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *TriageMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.assembliesTotal,
		m.assemblyDuration,
		m.itemsSurfaced,
		m.eventsExcluded,
		m.lifecycleTotal,
	}
}

// Describe implements the Collector interface
func (m *TriageMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *TriageMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *TriageMetrics) RecordAssembly(d time.Duration, surfaced int, excluded map[string]int) {
	m.assembliesTotal.Inc()
	m.assemblyDuration.Observe(d.Seconds())
	m.itemsSurfaced.Observe(float64(surfaced))
	for reason, n := range excluded {
		if n > 0 {
			m.eventsExcluded.WithLabelValues(reason).Add(float64(n))
		}
	}
}

func (m *TriageMetrics) RecordLifecycle(op, outcome string) {
	m.lifecycleTotal.WithLabelValues(op, outcome).Inc()
}
