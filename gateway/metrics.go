package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/canopy/metric"
)

// gatewayMetrics holds Prometheus metrics for the agent gateway
type gatewayMetrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	readingsTotal     prometheus.Counter
	commandsTotal     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
}

// newGatewayMetrics creates and registers gateway metrics.
// Returns nil when no registry is supplied (tests).
func newGatewayMetrics(registry *metric.Registry) *gatewayMetrics {
	if registry == nil {
		return nil
	}

	m := &gatewayMetrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "connections_active",
			Help:      "Active agent connections",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Agent connections accepted",
		}),

		readingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "readings_total",
			Help:      "Telemetry readings stored",
		}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "commands_total",
			Help:      "Commands pushed to agents by device prefix",
		}, []string{"device_prefix"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Gateway errors by type",
		}, []string{"type"}),
	}

	registry.MustRegister("gateway", map[string]prometheus.Collector{
		"connections_active": m.connectionsActive,
		"connections_total":  m.connectionsTotal,
		"readings_total":     m.readingsTotal,
		"commands_total":     m.commandsTotal,
		"errors_total":       m.errorsTotal,
	})

	return m
}

func (m *gatewayMetrics) trackConnect() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *gatewayMetrics) trackDisconnect() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *gatewayMetrics) trackReadings(count int) {
	if m == nil {
		return
	}
	m.readingsTotal.Add(float64(count))
}

func (m *gatewayMetrics) trackCommand(prefix string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(prefix).Inc()
}

func (m *gatewayMetrics) trackError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}
