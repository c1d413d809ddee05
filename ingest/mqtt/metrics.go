package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/canopy/metric"
)

// bridgeMetrics holds Prometheus metrics for the MQTT bridge
type bridgeMetrics struct {
	messagesTotal    prometheus.Counter
	disconnectsTotal prometheus.Counter
	errorsTotal      *prometheus.CounterVec
}

// newBridgeMetrics creates and registers bridge metrics.
// Returns nil when no registry is supplied (tests).
func newBridgeMetrics(registry *metric.Registry) *bridgeMetrics {
	if registry == nil {
		return nil
	}

	m := &bridgeMetrics{
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "mqtt_bridge",
			Name:      "messages_total",
			Help:      "Telemetry messages stored",
		}),

		disconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "mqtt_bridge",
			Name:      "disconnects_total",
			Help:      "Broker connection losses",
		}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "mqtt_bridge",
			Name:      "errors_total",
			Help:      "Bridge errors by type",
		}, []string{"type"}),
	}

	registry.MustRegister("mqtt_bridge", map[string]prometheus.Collector{
		"messages_total":    m.messagesTotal,
		"disconnects_total": m.disconnectsTotal,
		"errors_total":      m.errorsTotal,
	})

	return m
}

func (m *bridgeMetrics) trackMessage() {
	if m == nil {
		return
	}
	m.messagesTotal.Inc()
}

func (m *bridgeMetrics) trackDisconnect() {
	if m == nil {
		return
	}
	m.disconnectsTotal.Inc()
}

func (m *bridgeMetrics) trackError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}
