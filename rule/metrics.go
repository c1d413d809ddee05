package rule

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/canopy/metric"
)

// engineMetrics holds Prometheus metrics for the rule engine
type engineMetrics struct {
	runsTotal        prometheus.Counter
	runDuration      prometheus.Histogram
	activeRules      prometheus.Gauge
	evaluationsTotal *prometheus.CounterVec
	ruleErrorsTotal  *prometheus.CounterVec
}

// newEngineMetrics creates and registers rule engine metrics.
// Returns nil when no registry is supplied (tests).
func newEngineMetrics(registry *metric.Registry) *engineMetrics {
	if registry == nil {
		return nil
	}

	m := &engineMetrics{
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "rule_engine",
			Name:      "runs_total",
			Help:      "Completed evaluation runs",
		}),

		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "rule_engine",
			Name:      "run_duration_seconds",
			Help:      "Evaluation run duration",
			Buckets:   prometheus.DefBuckets,
		}),

		activeRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "rule_engine",
			Name:      "active_rules",
			Help:      "Rules matched during the last run",
		}),

		evaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "rule_engine",
			Name:      "evaluations_total",
			Help:      "Rule evaluations by rule and outcome",
		}, []string{"rule", "matched"}),

		ruleErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "rule_engine",
			Name:      "rule_errors_total",
			Help:      "Rules skipped due to evaluation failure",
		}, []string{"rule"}),
	}

	registry.MustRegister("rule_engine", map[string]prometheus.Collector{
		"runs_total":           m.runsTotal,
		"run_duration_seconds": m.runDuration,
		"active_rules":         m.activeRules,
		"evaluations_total":    m.evaluationsTotal,
		"rule_errors_total":    m.ruleErrorsTotal,
	})

	return m
}

func (m *engineMetrics) trackRun() {
	if m == nil {
		return
	}
	m.runsTotal.Inc()
}

func (m *engineMetrics) trackRunDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}

func (m *engineMetrics) trackActive(count int) {
	if m == nil {
		return
	}
	m.activeRules.Set(float64(count))
}

func (m *engineMetrics) trackEvaluation(rule string, matched bool) {
	if m == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	m.evaluationsTotal.WithLabelValues(rule, label).Inc()
}

func (m *engineMetrics) trackRuleError(rule string) {
	if m == nil {
		return
	}
	m.ruleErrorsTotal.WithLabelValues(rule).Inc()
}
