package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/canopy/catalog"
)

// sendQueueSize bounds the per-connection outbound queue. A peer that
// stops reading gets disconnected rather than backing up the gateway.
const sendQueueSize = 64

// agentConn is one agent WebSocket connection and its state machine:
// unauthenticated until a valid auth message arrives, then bound to the
// key's device prefix.
type agentConn struct {
	id      string
	gateway *Gateway
	sock    *websocket.Conn

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	// identity is set exactly once, on successful auth.
	mu       sync.RWMutex
	identity *catalog.APIKey
}

func newAgentConn(g *Gateway, sock *websocket.Conn) *agentConn {
	return &agentConn{
		id:      uuid.NewString(),
		gateway: g,
		sock:    sock,
		send:    make(chan []byte, sendQueueSize),
		closed:  make(chan struct{}),
	}
}

func (c *agentConn) devicePrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return ""
	}
	return c.identity.DevicePrefix
}

func (c *agentConn) authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity != nil
}

// enqueue queues an outbound frame. Frames to a full queue are dropped
// and the connection is closed as unresponsive.
func (c *agentConn) enqueue(payload []byte) {
	select {
	case <-c.closed:
	case c.send <- payload:
	default:
		c.gateway.logger.Warn("send queue full, dropping connection", "conn_id", c.id)
		c.close()
	}
}

func (c *agentConn) reply(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *agentConn) replyError(message string) {
	c.reply(errorMessage{Type: TypeError, Error: message})
}

func (c *agentConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sock.Close()
	})
}

// readLoop consumes frames until the peer disappears. The read deadline
// doubles as dead-peer detection: it is refreshed on every frame and on
// transport pongs, and expires after two missed ping intervals.
func (c *agentConn) readLoop() {
	defer c.gateway.wg.Done()
	defer func() {
		c.close()
		c.gateway.unregister(c)
		c.gateway.logger.Debug("agent disconnected", "conn_id", c.id)
	}()

	pongWait := 2 * c.gateway.config.PingInterval
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(data)
	}
}

// writePump serializes all outbound writes and drives transport pings.
func (c *agentConn) writePump() {
	defer c.gateway.wg.Done()
	defer c.close()

	ticker := time.NewTicker(c.gateway.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(c.gateway.config.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(c.gateway.config.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *agentConn) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.gateway.metrics.trackError("invalid_json")
		c.replyError("Invalid JSON")
		return
	}

	switch msg.Type {
	case TypeAuth:
		c.handleAuth(msg.APIKey)
	case TypeData:
		c.handleData(msg.Readings)
	case TypePong:
		// Application-level keepalive: the read deadline was already
		// refreshed; no reply.
	case TypePing:
		c.reply(pongMessage{Type: TypePong})
	default:
		c.gateway.metrics.trackError("unknown_type")
		c.replyError("Unknown message type: " + msg.Type)
	}
}

func (c *agentConn) handleAuth(apiKey string) {
	if c.authenticated() {
		// Re-auth on a live connection is a no-op ack of the current
		// identity.
		c.mu.RLock()
		identity := *c.identity
		c.mu.RUnlock()
		c.reply(authResult{
			Type: TypeAuth, Success: true,
			DevicePrefix: identity.DevicePrefix, Name: identity.Name,
		})
		return
	}

	key, err := c.gateway.keys.LookupAPIKey(apiKey)
	if err != nil {
		c.gateway.metrics.trackError("auth_failed")
		c.gateway.logger.Warn("auth rejected", "conn_id", c.id)
		// The connection stays open and unauthenticated; closing is the
		// peer's decision.
		c.reply(authResult{Type: TypeAuth, Success: false, Error: "invalid API key"})
		return
	}

	c.mu.Lock()
	c.identity = &key
	c.mu.Unlock()

	c.gateway.bind(c, key)
	c.reply(authResult{
		Type: TypeAuth, Success: true,
		DevicePrefix: key.DevicePrefix, Name: key.Name,
	})
}

func (c *agentConn) handleData(readings []Reading) {
	if !c.authenticated() {
		c.gateway.metrics.trackError("unauthenticated")
		c.replyError("Not authenticated")
		return
	}

	stored := c.gateway.ingest(c.devicePrefix(), readings)
	c.reply(ackMessage{Type: TypeAck, Count: stored})
}
