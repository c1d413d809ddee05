package eventstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/canopy/metric"
)

// storeMetrics holds Prometheus metrics for the event store
type storeMetrics struct {
	recordsTotal *prometheus.CounterVec
	queriesTotal *prometheus.CounterVec
	errorsTotal  prometheus.Counter
}

// newStoreMetrics creates and registers event store metrics.
// Returns nil when no registry is supplied (tests).
func newStoreMetrics(registry *metric.Registry) *storeMetrics {
	if registry == nil {
		return nil
	}

	m := &storeMetrics{
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "eventstore",
			Name:      "records_total",
			Help:      "Record operations by stream and result",
		}, []string{"stream", "result"}),

		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "eventstore",
			Name:      "queries_total",
			Help:      "Windowed queries by stream",
		}, []string{"stream"}),

		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "eventstore",
			Name:      "errors_total",
			Help:      "Storage errors",
		}),
	}

	registry.MustRegister("eventstore", map[string]prometheus.Collector{
		"records_total": m.recordsTotal,
		"queries_total": m.queriesTotal,
		"errors_total":  m.errorsTotal,
	})

	return m
}

func (m *storeMetrics) trackRecord(stream string, result Result) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(stream, result.String()).Inc()
}

func (m *storeMetrics) trackQuery(stream string) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(stream).Inc()
}

func (m *storeMetrics) trackError() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}
