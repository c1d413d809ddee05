// Package dispatch turns desired output values into stored state changes
// and agent commands. Writes go through the run-length-encoded output
// stream first; a command is pushed to the owning agent only when the
// write actually changed the stored value.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/canopy/component"
	"github.com/c360/canopy/errors"
	"github.com/c360/canopy/eventstore"
	"github.com/c360/canopy/metric"
	"github.com/c360/canopy/pkg/timestamp"
)

var (
	_ component.Component     = (*Dispatcher)(nil)
	_ component.HealthChecker = (*Dispatcher)(nil)
)

// Binding kinds.
const (
	KindLevel  = "level"
	KindSwitch = "switch"
)

// Binding maps an output channel to the agent device that actuates it.
// Device is the owning agent's device prefix; DeviceChannel is the
// agent-local target the command names.
type Binding struct {
	Device        string `json:"device"`
	DeviceChannel string `json:"deviceChannel"`
	Kind          string `json:"kind"`
}

// BindingSource loads the output channel bindings. *catalog.Catalog
// satisfies it.
type BindingSource interface {
	OutputBindings() (map[string]Binding, error)
}

// OutputStore is the event store surface the dispatcher needs.
// *eventstore.Store satisfies it.
type OutputStore interface {
	RecordOutput(channel string, ts int64, value float64) (eventstore.Result, error)
	CurrentOutputValues() (map[string]float64, error)
}

// CommandSender pushes a set_state command to the agent identified by a
// device prefix. *gateway.Gateway satisfies it. ErrNoAgentConnected is
// expected when the agent is offline and is not treated as a failure.
type CommandSender interface {
	SendCommand(devicePrefix, device string, value float64) error
}

// Dispatcher is the single writer for output state. It also re-asserts
// non-zero output states to agents on a timer, so an agent that restarted
// and lost its actuator state converges without waiting for a rule edge.
type Dispatcher struct {
	store    OutputStore
	bindings BindingSource
	sender   CommandSender
	logger   *slog.Logger

	syncInterval     time.Duration
	startupSyncDelay time.Duration

	started     atomic.Bool
	startedAt   atomic.Int64
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex

	metrics *dispatchMetrics
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	store OutputStore,
	bindings BindingSource,
	sender CommandSender,
	syncInterval time.Duration,
	startupSyncDelay time.Duration,
	logger *slog.Logger,
	registry *metric.Registry,
) *Dispatcher {
	return &Dispatcher{
		store:            store,
		bindings:         bindings,
		sender:           sender,
		logger:           logger.With("component", "dispatcher"),
		syncInterval:     syncInterval,
		startupSyncDelay: startupSyncDelay,
		metrics:          newDispatchMetrics(registry),
	}
}

// Name implements component.Component.
func (d *Dispatcher) Name() string { return "dispatcher" }

// Initialize implements component.Component.
func (d *Dispatcher) Initialize() error { return nil }

// Start launches the periodic state sync loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Dispatcher", "Start", "check started state")
	}

	syncCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go d.syncLoop(syncCtx)

	d.startedAt.Store(timestamp.Now())
	d.started.Store(true)
	return nil
}

// Health implements component.HealthChecker.
func (d *Dispatcher) Health() component.HealthStatus {
	h := component.HealthStatus{Healthy: d.started.Load(), LastCheck: time.Now()}
	if h.Healthy {
		h.Uptime = time.Since(timestamp.FromUnixMs(d.startedAt.Load()))
	}
	return h
}

// Stop stops the sync loop.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.started.Load() {
		return nil
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Dispatcher", "Stop", "wait for sync loop")
	}

	d.started.Store(false)
	return nil
}

// WriteOutputValue records the desired value for an output channel and,
// when the stored value actually changed, pushes a command to the owning
// agent. The stored series keeps the raw desired value; switch-kind
// channels clamp to 0 or 1 only on the device-facing command.
func (d *Dispatcher) WriteOutputValue(channel string, value float64) error {
	bindings, err := d.bindings.OutputBindings()
	if err != nil {
		return errors.WrapTransient(err, "Dispatcher", "WriteOutputValue", "load bindings")
	}

	binding, bound := bindings[channel]

	result, err := d.store.RecordOutput(channel, timestamp.Now(), value)
	if err != nil {
		d.metrics.trackError()
		return errors.WrapTransient(err, "Dispatcher", "WriteOutputValue", "record output")
	}
	d.metrics.trackWrite(channel, result)

	if result != eventstore.Inserted {
		// Value unchanged: no command.
		return nil
	}

	d.logger.Info("output changed", "channel", channel, "value", value)

	if !bound {
		// A channel without a binding is state-only: rules and charts
		// see it, but no agent actuates it.
		return nil
	}
	d.sendCommand(channel, binding, value)
	return nil
}

// SyncOutputStates re-sends commands for every channel with a non-zero
// current value. Zero states are not re-sent: agents default to off.
func (d *Dispatcher) SyncOutputStates() {
	values, err := d.store.CurrentOutputValues()
	if err != nil {
		d.logger.Warn("state sync skipped", "error", err)
		return
	}
	bindings, err := d.bindings.OutputBindings()
	if err != nil {
		d.logger.Warn("state sync skipped", "error", err)
		return
	}

	channels := make([]string, 0, len(values))
	for channel := range values {
		channels = append(channels, channel)
	}
	sort.Strings(channels)

	for _, channel := range channels {
		value := values[channel]
		if value == 0 {
			continue
		}
		binding, bound := bindings[channel]
		if !bound {
			continue
		}
		d.sendCommand(channel, binding, value)
	}
	d.metrics.trackSync()
}

func (d *Dispatcher) sendCommand(channel string, binding Binding, value float64) {
	if binding.Kind == KindSwitch {
		value = clampSwitch(value)
	}
	err := d.sender.SendCommand(binding.Device, binding.DeviceChannel, value)
	switch {
	case err == nil:
		d.metrics.trackCommand(channel, "sent")
	case errors.Is(err, errors.ErrNoAgentConnected):
		d.metrics.trackCommand(channel, "offline")
		d.logger.Debug("agent offline, command dropped",
			"channel", channel, "device_prefix", binding.Device)
	default:
		d.metrics.trackCommand(channel, "error")
		d.logger.Warn("command send failed",
			"channel", channel, "device_prefix", binding.Device, "error", err)
	}
}

func (d *Dispatcher) syncLoop(ctx context.Context) {
	defer d.wg.Done()

	// Initial sync is delayed so agents reconnecting after a restart
	// have a chance to authenticate first.
	select {
	case <-ctx.Done():
		return
	case <-time.After(d.startupSyncDelay):
		d.SyncOutputStates()
	}

	ticker := time.NewTicker(d.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SyncOutputStates()
		}
	}
}

func clampSwitch(value float64) float64 {
	if value != 0 {
		return 1
	}
	return 0
}
