package mqtt

import (
	"log/slog"
	"sync"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/canopy/eventstore"
)

type storedReading struct {
	device  string
	channel string
	reading eventstore.Reading
}

type fakeStore struct {
	mu     sync.Mutex
	stored []storedReading
}

func (f *fakeStore) RecordSensor(device, channel string, ts int64, r eventstore.Reading) (eventstore.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, storedReading{device, channel, r})
	return eventstore.Inserted, nil
}

type fakeTrigger struct{ fired int }

func (f *fakeTrigger) Trigger() { f.fired++ }

// fakeMessage implements the subset of pahomqtt.Message the handler uses.
type fakeMessage struct {
	pahomqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func newTestBridge(t *testing.T, store *fakeStore, trigger *fakeTrigger) *Bridge {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return NewBridge(Config{
		BrokerURL:    "tcp://localhost:1883",
		TopicPrefix:  "canopy",
		DevicePrefix: "mq:",
	}, store, trigger, logger, nil)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestHandleMessage_NumericPayload(t *testing.T) {
	store := &fakeStore{}
	trigger := &fakeTrigger{}
	b := newTestBridge(t, store, trigger)

	b.handleMessage(nil, fakeMessage{topic: "canopy/telemetry/tent/temperature", payload: []byte("23.5")})

	require.Len(t, store.stored, 1)
	assert.Equal(t, "mq:tent", store.stored[0].device)
	assert.Equal(t, "temperature", store.stored[0].channel)
	require.NotNil(t, store.stored[0].reading.Value)
	assert.InDelta(t, 23.5, *store.stored[0].reading.Value, 1e-9)
	assert.Equal(t, 1, trigger.fired)
}

func TestHandleMessage_JSONPayload(t *testing.T) {
	store := &fakeStore{}
	b := newTestBridge(t, store, &fakeTrigger{})

	b.handleMessage(nil, fakeMessage{topic: "canopy/telemetry/tent/state", payload: []byte(`{"mode":"auto"}`)})

	require.Len(t, store.stored, 1)
	assert.JSONEq(t, `{"mode":"auto"}`, string(store.stored[0].reading.Payload))
}

func TestHandleMessage_BadTopicIgnored(t *testing.T) {
	store := &fakeStore{}
	trigger := &fakeTrigger{}
	b := newTestBridge(t, store, trigger)

	b.handleMessage(nil, fakeMessage{topic: "other/telemetry/tent/temperature", payload: []byte("1")})
	b.handleMessage(nil, fakeMessage{topic: "canopy/telemetry/tent", payload: []byte("1")})

	assert.Empty(t, store.stored)
	assert.Zero(t, trigger.fired)
}

func TestHandleMessage_BadPayloadIgnored(t *testing.T) {
	store := &fakeStore{}
	b := newTestBridge(t, store, &fakeTrigger{})

	b.handleMessage(nil, fakeMessage{topic: "canopy/telemetry/tent/temperature", payload: []byte("not a number")})
	b.handleMessage(nil, fakeMessage{topic: "canopy/telemetry/tent/temperature", payload: []byte("")})

	assert.Empty(t, store.stored)
}

func TestInitialize_RequiresBrokerURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	b := NewBridge(Config{}, &fakeStore{}, &fakeTrigger{}, logger, nil)
	assert.Error(t, b.Initialize())
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		numeric bool
		ok      bool
	}{
		{"integer", "42", true, true},
		{"float", "3.14", true, true},
		{"negative", "-7.5", true, true},
		{"json object", `{"a":1}`, false, true},
		{"json array", `[1,2]`, false, true},
		{"quoted string", `"on"`, false, true},
		{"garbage", "hello world", false, false},
		{"empty", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reading, ok := parsePayload([]byte(tt.payload))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.numeric, reading.Value != nil)
			}
		})
	}
}
