// Package mqtt bridges an MQTT broker into the telemetry store for
// devices that speak MQTT instead of the agent protocol. Messages on
// <prefix>/telemetry/<device>/<channel> carry either a bare number or a
// JSON payload.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/canopy/component"
	"github.com/c360/canopy/errors"
	"github.com/c360/canopy/eventstore"
	"github.com/c360/canopy/metric"
	"github.com/c360/canopy/pkg/timestamp"
)

var (
	_ component.Component     = (*Bridge)(nil)
	_ component.HealthChecker = (*Bridge)(nil)
)

// TelemetryStore is the event store surface the bridge needs.
// *eventstore.Store satisfies it.
type TelemetryStore interface {
	RecordSensor(device, channel string, ts int64, r eventstore.Reading) (eventstore.Result, error)
}

// Triggerer is poked after each stored reading. *rule.Engine satisfies it.
type Triggerer interface {
	Trigger()
}

// Config holds MQTT bridge settings.
type Config struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	// DevicePrefix namespaces MQTT devices the same way an API key
	// namespaces agent devices.
	DevicePrefix string

	ConnectTimeout time.Duration
}

// Bridge subscribes to the broker's telemetry topics and records every
// parseable message.
type Bridge struct {
	config  Config
	store   TelemetryStore
	trigger Triggerer
	logger  *slog.Logger

	client    pahomqtt.Client
	started   atomic.Bool
	startedAt atomic.Int64

	metrics *bridgeMetrics
}

// NewBridge creates an MQTT bridge.
func NewBridge(
	config Config,
	store TelemetryStore,
	trigger Triggerer,
	logger *slog.Logger,
	registry *metric.Registry,
) *Bridge {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ClientID == "" {
		config.ClientID = "canopy-bridge"
	}
	return &Bridge{
		config:  config,
		store:   store,
		trigger: trigger,
		logger:  logger.With("component", "mqtt-bridge"),
		metrics: newBridgeMetrics(registry),
	}
}

// Name implements component.Component.
func (b *Bridge) Name() string { return "mqtt-bridge" }

// Initialize implements component.Component.
func (b *Bridge) Initialize() error {
	if b.config.BrokerURL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: broker URL", errors.ErrMissingConfig),
			"Bridge", "Initialize", "validate config")
	}
	return nil
}

// Start connects to the broker and subscribes to the telemetry topics.
func (b *Bridge) Start(_ context.Context) error {
	if b.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Bridge", "Start", "check started state")
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(b.config.BrokerURL).
		SetClientID(b.config.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.metrics.trackDisconnect()
			b.logger.Warn("broker connection lost", "error", err)
		})
	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
		opts.SetPassword(b.config.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(b.config.ConnectTimeout) {
		return errors.WrapTransient(
			fmt.Errorf("broker connect timeout after %v", b.config.ConnectTimeout),
			"Bridge", "Start", "connect to broker")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "Bridge", "Start", "connect to broker")
	}

	b.startedAt.Store(timestamp.Now())
	b.started.Store(true)
	return nil
}

// Health implements component.HealthChecker. A started bridge that lost
// its broker connection reports unhealthy until paho reconnects.
func (b *Bridge) Health() component.HealthStatus {
	connected := b.started.Load() && b.client != nil && b.client.IsConnected()
	h := component.HealthStatus{Healthy: connected, LastCheck: time.Now()}
	if b.started.Load() {
		h.Uptime = time.Since(timestamp.FromUnixMs(b.startedAt.Load()))
	}
	if b.started.Load() && !connected {
		h.LastError = "broker connection lost"
	}
	return h
}

// onConnect re-subscribes on every (re)connect.
func (b *Bridge) onConnect(client pahomqtt.Client) {
	topic := b.config.TopicPrefix + "/telemetry/+/+"
	token := client.Subscribe(topic, 1, b.handleMessage)
	if token.WaitTimeout(b.config.ConnectTimeout) && token.Error() == nil {
		b.logger.Info("subscribed", "topic", topic)
		return
	}
	b.logger.Error("subscribe failed", "topic", topic, "error", token.Error())
}

// Stop disconnects from the broker.
func (b *Bridge) Stop(timeout time.Duration) error {
	if !b.started.Load() {
		return nil
	}
	b.client.Disconnect(uint(timeout.Milliseconds()))
	b.started.Store(false)
	return nil
}

func (b *Bridge) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	device, channel, ok := b.parseTopic(msg.Topic())
	if !ok {
		b.metrics.trackError("topic")
		return
	}

	reading, ok := parsePayload(msg.Payload())
	if !ok {
		b.metrics.trackError("payload")
		b.logger.Warn("unparseable payload", "topic", msg.Topic())
		return
	}

	fullDevice := b.config.DevicePrefix + device
	if _, err := b.store.RecordSensor(fullDevice, channel, timestamp.Now(), reading); err != nil {
		b.metrics.trackError("storage")
		b.logger.Warn("reading dropped",
			"device", fullDevice, "channel", channel, "error", err)
		return
	}

	b.metrics.trackMessage()
	b.trigger.Trigger()
}

// parseTopic extracts device and channel from
// <prefix>/telemetry/<device>/<channel>.
func (b *Bridge) parseTopic(topic string) (device, channel string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.config.TopicPrefix+"/telemetry/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// parsePayload interprets a bare number as a numeric reading and any
// other valid JSON as a structured reading.
func parsePayload(payload []byte) (eventstore.Reading, bool) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return eventstore.Reading{}, false
	}

	if value, err := strconv.ParseFloat(text, 64); err == nil {
		return eventstore.NumberReading(value), true
	}
	if json.Valid([]byte(text)) {
		return eventstore.JSONReading(json.RawMessage(text)), true
	}
	return eventstore.Reading{}, false
}
