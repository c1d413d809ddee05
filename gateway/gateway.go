// Package gateway accepts WebSocket connections from field agents,
// authenticates them by API key, ingests their telemetry into the event
// store, and pushes actuator commands back down the same connection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/canopy/catalog"
	"github.com/c360/canopy/component"
	"github.com/c360/canopy/errors"
	"github.com/c360/canopy/eventstore"
	"github.com/c360/canopy/metric"
	"github.com/c360/canopy/pkg/timestamp"
)

var (
	_ component.Component     = (*Gateway)(nil)
	_ component.HealthChecker = (*Gateway)(nil)
)

// Authenticator resolves presented API keys. *catalog.Catalog satisfies it.
type Authenticator interface {
	LookupAPIKey(key string) (catalog.APIKey, error)
}

// TelemetryStore is the event store surface the gateway needs.
// *eventstore.Store satisfies it.
type TelemetryStore interface {
	RecordSensor(device, channel string, ts int64, r eventstore.Reading) (eventstore.Result, error)
}

// Triggerer is poked after each stored batch so rules re-evaluate
// immediately. *rule.Engine satisfies it.
type Triggerer interface {
	Trigger()
}

// Config holds gateway tunables.
type Config struct {
	// PingInterval is how often transport pings are sent; a peer that
	// misses two in a row is considered dead.
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Gateway is the agent-facing WebSocket endpoint. It is mounted on the
// API HTTP server via Handler, so Start and Stop only manage connection
// state, not a listener.
type Gateway struct {
	keys    Authenticator
	store   TelemetryStore
	trigger Triggerer
	config  Config
	logger  *slog.Logger

	upgrader websocket.Upgrader

	// conns holds every live connection; byPrefix indexes them by the
	// device prefix their key authenticated, for command fan-out.
	mu       sync.RWMutex
	conns    map[string]*agentConn
	byPrefix map[string]map[string]*agentConn

	started     atomic.Bool
	startedAt   atomic.Int64
	lifecycleMu sync.Mutex
	wg          sync.WaitGroup

	metrics *gatewayMetrics
}

// NewGateway creates a gateway. trigger may be nil and injected later
// with SetTrigger when construction order requires it.
func NewGateway(
	keys Authenticator,
	store TelemetryStore,
	trigger Triggerer,
	config Config,
	logger *slog.Logger,
	registry *metric.Registry,
) *Gateway {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Gateway{
		keys:    keys,
		store:   store,
		trigger: trigger,
		config:  config,
		logger:  logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:    make(map[string]*agentConn),
		byPrefix: make(map[string]map[string]*agentConn),
		metrics:  newGatewayMetrics(registry),
	}
}

// SetTrigger injects the rule engine trigger. Must be called before
// Start.
func (g *Gateway) SetTrigger(trigger Triggerer) {
	g.trigger = trigger
}

// Name implements component.Component.
func (g *Gateway) Name() string { return "gateway" }

// Initialize implements component.Component.
func (g *Gateway) Initialize() error { return nil }

// Start implements component.Component.
func (g *Gateway) Start(_ context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Gateway", "Start", "check started state")
	}
	g.startedAt.Store(timestamp.Now())
	g.started.Store(true)
	return nil
}

// Health implements component.HealthChecker.
func (g *Gateway) Health() component.HealthStatus {
	h := component.HealthStatus{Healthy: g.started.Load(), LastCheck: time.Now()}
	if h.Healthy {
		h.Uptime = time.Since(timestamp.FromUnixMs(g.startedAt.Load()))
	}
	return h
}

// Stop closes all agent connections and waits for their pumps to drain.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.started.Load() {
		return nil
	}
	g.started.Store(false)

	g.mu.Lock()
	for _, conn := range g.conns {
		conn.close()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Gateway", "Stop", "wait for connections")
	}
	return nil
}

// Handler returns the HTTP handler that upgrades agent connections.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.handleUpgrade)
}

// ConnectedPrefixes returns the device prefixes that currently have at
// least one authenticated connection.
func (g *Gateway) ConnectedPrefixes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	prefixes := make([]string, 0, len(g.byPrefix))
	for prefix := range g.byPrefix {
		prefixes = append(prefixes, prefix)
	}
	return prefixes
}

// SendCommand pushes a set_state command to every authenticated
// connection under the device prefix. Returns ErrNoAgentConnected when
// no such connection exists.
func (g *Gateway) SendCommand(devicePrefix, device string, value float64) error {
	payload, err := json.Marshal(Command{
		Type:   TypeCommand,
		Device: device,
		Action: "set_state",
		Value:  value,
	})
	if err != nil {
		return errors.WrapFatal(err, "Gateway", "SendCommand", "marshal command")
	}

	g.mu.RLock()
	targets := make([]*agentConn, 0, 1)
	for _, conn := range g.byPrefix[devicePrefix] {
		targets = append(targets, conn)
	}
	g.mu.RUnlock()

	if len(targets) == 0 {
		return errors.ErrNoAgentConnected
	}

	for _, conn := range targets {
		conn.enqueue(payload)
	}
	g.metrics.trackCommand(devicePrefix)
	g.logger.Debug("command sent",
		"device_prefix", devicePrefix, "device", device, "value", value)
	return nil
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !g.started.Load() {
		http.Error(w, "gateway not running", http.StatusServiceUnavailable)
		return
	}

	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.metrics.trackError("upgrade")
		return
	}

	conn := newAgentConn(g, sock)
	g.register(conn)
	g.metrics.trackConnect()

	g.wg.Add(2)
	go conn.writePump()
	go conn.readLoop()
}

func (g *Gateway) register(conn *agentConn) {
	g.mu.Lock()
	g.conns[conn.id] = conn
	g.mu.Unlock()
}

// bind indexes an authenticated connection under its device prefix.
func (g *Gateway) bind(conn *agentConn, key catalog.APIKey) {
	g.mu.Lock()
	set := g.byPrefix[key.DevicePrefix]
	if set == nil {
		set = make(map[string]*agentConn)
		g.byPrefix[key.DevicePrefix] = set
	}
	set[conn.id] = conn
	g.mu.Unlock()

	g.logger.Info("agent authenticated",
		"conn_id", conn.id, "agent", key.Name, "device_prefix", key.DevicePrefix)
}

func (g *Gateway) unregister(conn *agentConn) {
	g.mu.Lock()
	delete(g.conns, conn.id)
	if prefix := conn.devicePrefix(); prefix != "" {
		if set := g.byPrefix[prefix]; set != nil {
			delete(set, conn.id)
			if len(set) == 0 {
				delete(g.byPrefix, prefix)
			}
		}
	}
	g.mu.Unlock()
	g.metrics.trackDisconnect()
}

// ingest stores a batch of readings under the connection's device prefix
// and returns the number stored. Invalid readings are counted but do not
// fail the batch.
func (g *Gateway) ingest(prefix string, readings []Reading) int {
	stored := 0
	for _, r := range readings {
		reading := eventstore.Reading{Value: r.Value, Payload: r.Data}
		if r.Channel == "" || !reading.IsValid() {
			g.metrics.trackError("invalid_reading")
			continue
		}

		ts := r.Timestamp
		if ts <= 0 {
			ts = timestamp.Now()
		}

		fullDevice := prefix + r.Device
		if _, err := g.store.RecordSensor(fullDevice, r.Channel, ts, reading); err != nil {
			g.metrics.trackError("storage")
			g.logger.Warn("reading dropped",
				"device", fullDevice, "channel", r.Channel, "error", err)
			continue
		}
		stored++
	}

	g.metrics.trackReadings(stored)
	if stored > 0 && g.trigger != nil {
		g.trigger.Trigger()
	}
	return stored
}
