package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/canopy/eventstore"
	"github.com/c360/canopy/metric"
)

// dispatchMetrics holds Prometheus metrics for the dispatcher
type dispatchMetrics struct {
	writesTotal   *prometheus.CounterVec
	commandsTotal *prometheus.CounterVec
	syncsTotal    prometheus.Counter
	errorsTotal   prometheus.Counter
}

// newDispatchMetrics creates and registers dispatcher metrics.
// Returns nil when no registry is supplied (tests).
func newDispatchMetrics(registry *metric.Registry) *dispatchMetrics {
	if registry == nil {
		return nil
	}

	m := &dispatchMetrics{
		writesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatch",
			Name:      "writes_total",
			Help:      "Output writes by channel and result",
		}, []string{"channel", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Agent commands by channel and outcome",
		}, []string{"channel", "outcome"}),

		syncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatch",
			Name:      "syncs_total",
			Help:      "Completed output state syncs",
		}),

		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatch",
			Name:      "errors_total",
			Help:      "Output write failures",
		}),
	}

	registry.MustRegister("dispatch", map[string]prometheus.Collector{
		"writes_total":   m.writesTotal,
		"commands_total": m.commandsTotal,
		"syncs_total":    m.syncsTotal,
		"errors_total":   m.errorsTotal,
	})

	return m
}

func (m *dispatchMetrics) trackWrite(channel string, result eventstore.Result) {
	if m == nil {
		return
	}
	m.writesTotal.WithLabelValues(channel, result.String()).Inc()
}

func (m *dispatchMetrics) trackCommand(channel, outcome string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(channel, outcome).Inc()
}

func (m *dispatchMetrics) trackSync() {
	if m == nil {
		return
	}
	m.syncsTotal.Inc()
}

func (m *dispatchMetrics) trackError() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}
