package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/canopy/errors"
)

func newTestCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      "test counter",
	})
}

func TestRegisterAndUnregister(t *testing.T) {
	r := NewRegistry()

	c := newTestCounter("events_total")
	require.NoError(t, r.Register("eventstore", "events_total", c))

	assert.True(t, r.Unregister("eventstore", "events_total"))
	assert.False(t, r.Unregister("eventstore", "events_total"))
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry()

	c := newTestCounter("dup_total")
	require.NoError(t, r.Register("gateway", "dup_total", c))

	err := r.Register("gateway", "dup_total", newTestCounter("dup_total"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestHandlerServesMetrics(t *testing.T) {
	r := NewRegistry()
	assert.NotNil(t, r.Handler())
	assert.NotNil(t, r.PrometheusRegistry())
}
