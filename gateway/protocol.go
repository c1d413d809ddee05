package gateway

import "encoding/json"

// Message types exchanged with agents. The first client message on a
// connection must be an auth; everything else is rejected until the
// connection is authenticated.
const (
	TypeAuth    = "auth"
	TypeData    = "data"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeAck     = "ack"
	TypeError   = "error"
	TypeCommand = "command"
)

// clientMessage is the envelope for everything an agent sends.
type clientMessage struct {
	Type     string    `json:"type"`
	APIKey   string    `json:"apiKey,omitempty"`
	Readings []Reading `json:"readings,omitempty"`
}

// Reading is one telemetry sample from an agent. Device is agent-local;
// the gateway prepends the connection's device prefix before storage.
// Exactly one of Value or Data is set.
type Reading struct {
	Device    string          `json:"device"`
	Channel   string          `json:"channel"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Value     *float64        `json:"value,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// authResult tells the agent whether its key was accepted. On success it
// carries the device prefix so the agent knows its namespace.
type authResult struct {
	Type         string `json:"type"`
	Success      bool   `json:"success"`
	DevicePrefix string `json:"devicePrefix,omitempty"`
	Name         string `json:"name,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ackMessage acknowledges a data batch with the number of readings stored.
type ackMessage struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// errorMessage reports a protocol error without closing the connection.
type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Command instructs an agent to change an actuator's state.
type Command struct {
	Type   string  `json:"type"`
	Device string  `json:"device"`
	Action string  `json:"action"`
	Value  float64 `json:"value"`
}

// pongMessage is the application-level keepalive. Either side may send
// it; it is acknowledged by nothing.
type pongMessage struct {
	Type string `json:"type"`
}
