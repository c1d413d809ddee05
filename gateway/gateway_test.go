package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/canopy/catalog"
	"github.com/c360/canopy/errors"
	"github.com/c360/canopy/eventstore"
)

type fakeKeys struct{ keys map[string]catalog.APIKey }

func (f *fakeKeys) LookupAPIKey(key string) (catalog.APIKey, error) {
	k, ok := f.keys[key]
	if !ok {
		return catalog.APIKey{}, errors.ErrInvalidAPIKey
	}
	return k, nil
}

type storedReading struct {
	device  string
	channel string
	ts      int64
	value   *float64
}

type fakeTelemetryStore struct {
	mu      sync.Mutex
	stored  []storedReading
	failAll bool
}

func (f *fakeTelemetryStore) RecordSensor(device, channel string, ts int64, r eventstore.Reading) (eventstore.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errors.ErrStorageUnavailable
	}
	f.stored = append(f.stored, storedReading{device, channel, ts, r.Value})
	return eventstore.Inserted, nil
}

func (f *fakeTelemetryStore) readings() []storedReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storedReading(nil), f.stored...)
}

type countingTrigger struct {
	mu    sync.Mutex
	fired int
}

func (c *countingTrigger) Trigger() {
	c.mu.Lock()
	c.fired++
	c.mu.Unlock()
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

type gatewayFixture struct {
	gateway *Gateway
	store   *fakeTelemetryStore
	trigger *countingTrigger
	server  *httptest.Server
}

func newFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	keys := &fakeKeys{keys: map[string]catalog.APIKey{
		"valid-key": {ID: 1, Key: "valid-key", Name: "greenhouse", DevicePrefix: "ac:"},
		"other-key": {ID: 2, Key: "other-key", Name: "barn", DevicePrefix: "zz:"},
	}}
	store := &fakeTelemetryStore{}
	trigger := &countingTrigger{}

	g := NewGateway(keys, store, trigger, Config{
		PingInterval: 100 * time.Millisecond,
		WriteTimeout: time.Second,
	}, logger, nil)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { _ = g.Stop(2 * time.Second) })

	server := httptest.NewServer(g.Handler())
	t.Cleanup(server.Close)

	return &gatewayFixture{gateway: g, store: store, trigger: trigger, server: server}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func authenticate(t *testing.T, f *gatewayFixture, conn *websocket.Conn) {
	t.Helper()
	authenticateWith(t, conn, "valid-key")
}

func authenticateWith(t *testing.T, conn *websocket.Conn, key string) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": "auth", "apiKey": key})
	msg := readMessage(t, conn)
	require.Equal(t, true, msg["success"])
}

func TestAuth_Success(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	writeJSON(t, conn, map[string]any{"type": "auth", "apiKey": "valid-key"})
	msg := readMessage(t, conn)
	assert.Equal(t, "auth", msg["type"])
	assert.Equal(t, true, msg["success"])
	assert.Equal(t, "ac:", msg["devicePrefix"])
	assert.Equal(t, "greenhouse", msg["name"])
}

func TestAuth_InvalidKey(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	writeJSON(t, conn, map[string]any{"type": "auth", "apiKey": "wrong"})
	msg := readMessage(t, conn)
	assert.Equal(t, false, msg["success"])
	assert.NotEmpty(t, msg["error"])
}

func TestAuth_InvalidKeyConnectionStaysOpen(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	writeJSON(t, conn, map[string]any{"type": "auth", "apiKey": "wrong"})
	msg := readMessage(t, conn)
	require.Equal(t, false, msg["success"])

	// The server leaves the rejected connection open; a retry with a
	// valid key on the same socket succeeds.
	writeJSON(t, conn, map[string]any{"type": "auth", "apiKey": "valid-key"})
	msg = readMessage(t, conn)
	assert.Equal(t, true, msg["success"])
	assert.Equal(t, "ac:", msg["devicePrefix"])
}

func TestData_BeforeAuthRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	writeJSON(t, conn, map[string]any{"type": "data", "readings": []map[string]any{
		{"device": "tent", "channel": "temperature", "timestamp": 1000, "value": 23.5},
	}})
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Not authenticated", msg["error"])
	assert.Empty(t, f.store.readings())
}

func TestData_StoredWithPrefixAndAcked(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	authenticate(t, f, conn)

	writeJSON(t, conn, map[string]any{"type": "data", "readings": []map[string]any{
		{"device": "tent", "channel": "temperature", "timestamp": 1000, "value": 23.5},
		{"device": "tent", "channel": "state", "timestamp": 1000, "data": map[string]any{"mode": "auto"}},
	}})
	msg := readMessage(t, conn)
	assert.Equal(t, "ack", msg["type"])
	assert.EqualValues(t, 2, msg["count"])

	readings := f.store.readings()
	require.Len(t, readings, 2)
	// Device prefix from the API key namespaces the agent-local device.
	assert.Equal(t, "ac:tent", readings[0].device)
	assert.Equal(t, "temperature", readings[0].channel)
	require.NotNil(t, readings[0].value)
	assert.InDelta(t, 23.5, *readings[0].value, 1e-9)

	assert.GreaterOrEqual(t, f.trigger.count(), 1)
}

func TestData_InvalidReadingsSkippedNotFatal(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	authenticate(t, f, conn)

	writeJSON(t, conn, map[string]any{"type": "data", "readings": []map[string]any{
		{"device": "tent", "channel": "", "timestamp": 1000, "value": 1.0},
		{"device": "tent", "channel": "temperature", "timestamp": 1000},
		{"device": "tent", "channel": "temperature", "timestamp": 1000, "value": 20.0},
	}})
	msg := readMessage(t, conn)
	assert.Equal(t, "ack", msg["type"])
	assert.EqualValues(t, 1, msg["count"])
}

func TestData_ZeroTimestampGetsServerTime(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	authenticate(t, f, conn)

	before := time.Now().UnixMilli()
	writeJSON(t, conn, map[string]any{"type": "data", "readings": []map[string]any{
		{"device": "tent", "channel": "temperature", "value": 20.0},
	}})
	readMessage(t, conn)

	readings := f.store.readings()
	require.Len(t, readings, 1)
	assert.GreaterOrEqual(t, readings[0].ts, before)
}

func TestPing_Pong(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	writeJSON(t, conn, map[string]any{"type": "ping"})
	msg := readMessage(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestPong_KeepaliveGetsNoReply(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	authenticate(t, f, conn)

	// The keepalive pong is acknowledged by nothing: the next inbound
	// frame after it must be the ack for the data batch, not an error.
	writeJSON(t, conn, map[string]any{"type": "pong"})
	writeJSON(t, conn, map[string]any{"type": "data", "readings": []map[string]any{
		{"device": "tent", "channel": "temperature", "timestamp": 1000, "value": 20.0},
	}})
	msg := readMessage(t, conn)
	assert.Equal(t, "ack", msg["type"])
}

func TestInvalidJSON_ErrorReply(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Invalid JSON", msg["error"])
}

func TestSendCommand_NoAgent(t *testing.T) {
	f := newFixture(t)
	err := f.gateway.SendCommand("ac:", "tent:fan", 1)
	assert.ErrorIs(t, err, errors.ErrNoAgentConnected)
}

func TestSendCommand_DeliveredToAgent(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	authenticate(t, f, conn)

	require.NoError(t, f.gateway.SendCommand("ac:", "tent:fan", 0.75))

	msg := readMessage(t, conn)
	assert.Equal(t, "command", msg["type"])
	assert.Equal(t, "tent:fan", msg["device"])
	assert.Equal(t, "set_state", msg["action"])
	assert.InDelta(t, 0.75, msg["value"].(float64), 1e-9)
}

func TestSendCommand_RoutesOnlyToMatchingPrefix(t *testing.T) {
	f := newFixture(t)
	target := f.dial(t)
	authenticateWith(t, target, "valid-key")
	bystander := f.dial(t)
	authenticateWith(t, bystander, "other-key")

	require.NoError(t, f.gateway.SendCommand("ac:", "tent:fan", 1))

	msg := readMessage(t, target)
	assert.Equal(t, "command", msg["type"])
	assert.Equal(t, "tent:fan", msg["device"])

	// The connection under the other prefix receives nothing.
	require.NoError(t, bystander.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := bystander.ReadMessage()
	assert.Error(t, err)
}

func TestConnectedPrefixes(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.gateway.ConnectedPrefixes())

	conn := f.dial(t)
	authenticate(t, f, conn)
	assert.Equal(t, []string{"ac:"}, f.gateway.ConnectedPrefixes())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return len(f.gateway.ConnectedPrefixes()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
