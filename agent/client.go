// Package agent is the client library field agents use to talk to the
// gateway: a reconnecting WebSocket with API key auth, an ordered
// pre-auth queue for readings captured while offline, and a callback for
// actuator commands pushed by the server.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/canopy/errors"
	"github.com/c360/canopy/gateway"
	"github.com/c360/canopy/pkg/queue"
	"github.com/c360/canopy/pkg/retry"
)

// maxQueuedBatches bounds the offline queue. When full, the oldest batch
// is dropped so recent telemetry survives long outages.
const maxQueuedBatches = 256

// CommandHandler receives set_state commands from the server. Device is
// the agent-local target named in the output binding.
type CommandHandler func(device string, value float64)

// Config holds agent client settings.
type Config struct {
	// URL is the gateway endpoint, e.g. "ws://host:8080/agent".
	URL    string
	APIKey string

	// Retry shapes the reconnect backoff. Zero value means 1s doubling
	// to a 60s cap.
	Retry retry.Config

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval is how often the application-level keepalive pong is
	// sent on an open connection.
	PingInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Retry.MaxDelay <= 0 {
		c.Retry = retry.Config{
			InitialDelay: time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
		}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// Client is a reconnecting gateway connection. Readings sent while the
// connection is down or not yet authenticated are queued in order and
// flushed on auth success.
type Client struct {
	config    Config
	onCommand CommandHandler
	logger    *slog.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	authenticated bool
	pending       *queue.Ring[[]byte]

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewClient creates a client. onCommand may be nil for telemetry-only
// agents.
func NewClient(config Config, onCommand CommandHandler, logger *slog.Logger) *Client {
	config.applyDefaults()
	return &Client{
		config:    config,
		onCommand: onCommand,
		pending:   queue.New[[]byte](maxQueuedBatches),
		logger:    logger.With("component", "agent-client"),
	}
}

// Start launches the connect loop. The client keeps reconnecting with
// exponential backoff until Close is called or ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Client", "Start", "check started state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.connectLoop(runCtx)
	return nil
}

// Close stops reconnecting and closes any open connection.
func (c *Client) Close() error {
	if !c.started.Swap(false) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// SendReadings delivers a telemetry batch, or queues it when the
// connection is down or still authenticating.
func (c *Client) SendReadings(readings []gateway.Reading) error {
	payload, err := json.Marshal(struct {
		Type     string            `json:"type"`
		Readings []gateway.Reading `json:"readings"`
	}{gateway.TypeData, readings})
	if err != nil {
		return errors.WrapInvalid(err, "Client", "SendReadings", "marshal readings")
	}

	c.mu.Lock()
	if !c.authenticated || c.conn == nil {
		c.mu.Unlock()
		c.enqueue(payload)
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, payload); err != nil {
		// Connection went away mid-send: keep the batch for the next
		// session.
		c.enqueue(payload)
		return errors.WrapTransient(errors.ErrConnectionLost, "Client", "SendReadings", "write batch")
	}
	return nil
}

func (c *Client) enqueue(payload []byte) {
	if c.pending.Push(payload) {
		c.logger.Warn("offline queue full, dropped oldest batch")
	}
}

func (c *Client) write(conn *websocket.Conn, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// connectLoop dials forever with exponential backoff. The attempt
// counter resets every time a connection opens, so a brief outage costs
// only the base delay.
func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
		if err != nil {
			delay := c.config.Retry.Delay(attempt)
			attempt++
			c.logger.Warn("connect failed, retrying",
				"url", c.config.URL, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.logger.Info("connected", "url", c.config.URL)
		c.session(ctx, conn)
		c.logger.Info("disconnected", "url", c.config.URL)

		// Base delay before redialing keeps a rejecting or flapping
		// server from being hammered.
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.Retry.InitialDelay):
		}
	}
}

// session owns one live connection: authenticate, then pump inbound
// frames until the connection drops.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.authenticated = false
	c.mu.Unlock()

	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.authenticated = false
		c.mu.Unlock()
	}()

	auth, err := json.Marshal(struct {
		Type   string `json:"type"`
		APIKey string `json:"apiKey"`
	}{gateway.TypeAuth, c.config.APIKey})
	if err != nil {
		return
	}
	if err := c.write(conn, auth); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.handleMessage(data) {
			return
		}
	}
}

// handleMessage processes one server frame; returns false to drop the
// connection.
func (c *Client) handleMessage(data []byte) bool {
	var msg struct {
		Type    string  `json:"type"`
		Success bool    `json:"success"`
		Error   string  `json:"error"`
		Count   int     `json:"count"`
		Device  string  `json:"device"`
		Action  string  `json:"action"`
		Value   float64 `json:"value"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("unparseable server message", "error", err)
		return true
	}

	switch msg.Type {
	case gateway.TypeAuth:
		if !msg.Success {
			c.logger.Error("authentication rejected", "error", msg.Error)
			// Backoff still applies; the key may be provisioned later.
			return false
		}
		c.onAuthenticated()
	case gateway.TypeAck:
		c.logger.Debug("batch acknowledged", "count", msg.Count)
	case gateway.TypeError:
		c.logger.Warn("server error", "error", msg.Error)
	case gateway.TypeCommand:
		if msg.Action == "set_state" && c.onCommand != nil {
			c.onCommand(msg.Device, msg.Value)
		}
	case gateway.TypePong:
	}
	return true
}

// onAuthenticated flushes the offline queue in arrival order.
func (c *Client) onAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	conn := c.conn
	c.mu.Unlock()

	if n := c.pending.Len(); n > 0 {
		c.logger.Info("flushing offline queue", "batches", n)
	}
	for {
		payload, ok := c.pending.Pop()
		if !ok {
			return
		}
		if err := c.write(conn, payload); err != nil {
			// Keep the undelivered batch for the next session.
			c.pending.Requeue(payload)
			return
		}
	}
}

// keepalive sends the application-level pong on an interval. The server
// treats it as a liveness acknowledgement and sends no reply.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	pong := []byte(fmt.Sprintf(`{"type":%q}`, gateway.TypePong))
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(conn, pong); err != nil {
				return
			}
		}
	}
}
