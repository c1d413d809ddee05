package eventstore

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestRecordSensor_RLEIdempotence(t *testing.T) {
	store := newTestStore(t)

	// Same value N times yields one row with until advanced to the
	// last timestamp.
	base := int64(1_000_000)
	for i := 0; i < 5; i++ {
		result, err := store.RecordSensor("ac:tent", "temperature", base+int64(i)*30_000, NumberReading(23.5))
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, Inserted, result)
		} else {
			assert.Equal(t, Extended, result)
		}
	}

	points, err := store.QuerySensors(
		[]Selector{{Device: "ac:tent", Channel: "temperature"}}, base-1, base+300_000)
	require.NoError(t, err)
	series := points["ac:tent:temperature"]
	require.Len(t, series, 1)
	assert.Equal(t, base, series[0].Timestamp)
	assert.Equal(t, base+4*30_000, series[0].Until)
	require.NotNil(t, series[0].Value)
	assert.InDelta(t, 23.5, *series[0].Value, Epsilon)
}

func TestRecordSensor_EpsilonDedup(t *testing.T) {
	store := newTestStore(t)

	_, err := store.RecordSensor("d", "c", 1000, NumberReading(10.0))
	require.NoError(t, err)

	// Within epsilon: extends.
	result, err := store.RecordSensor("d", "c", 2000, NumberReading(10.00005))
	require.NoError(t, err)
	assert.Equal(t, Extended, result)

	// Outside epsilon: inserts.
	result, err = store.RecordSensor("d", "c", 3000, NumberReading(10.1))
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)
}

func TestRecordSensor_InsertDoesNotClosePreviousOpenRow(t *testing.T) {
	store := newTestStore(t)

	_, err := store.RecordSensor("d", "c", 1000, NumberReading(5))
	require.NoError(t, err)
	_, err = store.RecordSensor("d", "c", 2000, NumberReading(7))
	require.NoError(t, err)

	points, err := store.QuerySensors([]Selector{{Device: "d", Channel: "c"}}, 500, 3000)
	require.NoError(t, err)
	series := points["d:c"]
	require.Len(t, series, 2)
	// Both rows are open (until = 0); the newer timestamp supersedes.
	assert.Equal(t, int64(0), series[0].Until)
	assert.Equal(t, int64(0), series[1].Until)
	assert.Equal(t, int64(1000), series[0].Timestamp)
	assert.Equal(t, int64(2000), series[1].Timestamp)
}

func TestRecordSensor_JSONPayloadExactStringDedup(t *testing.T) {
	store := newTestStore(t)

	result, err := store.RecordSensor("d", "state", 1000, JSONReading(json.RawMessage(`{"a":1,"b":2}`)))
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)

	// Identical encoding extends.
	result, err = store.RecordSensor("d", "state", 2000, JSONReading(json.RawMessage(`{"a":1,"b":2}`)))
	require.NoError(t, err)
	assert.Equal(t, Extended, result)

	// Semantically equal but different key order inserts a new row:
	// dedup is byte-level on purpose.
	result, err = store.RecordSensor("d", "state", 3000, JSONReading(json.RawMessage(`{"b":2,"a":1}`)))
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)
}

func TestRecordSensor_NumberThenJSONInserts(t *testing.T) {
	store := newTestStore(t)

	_, err := store.RecordSensor("d", "c", 1000, NumberReading(1))
	require.NoError(t, err)
	result, err := store.RecordSensor("d", "c", 2000, JSONReading(json.RawMessage(`1`)))
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)
}

func TestRecordSensor_RejectsEmptyReading(t *testing.T) {
	store := newTestStore(t)
	_, err := store.RecordSensor("d", "c", 1000, Reading{})
	assert.Error(t, err)
}

func TestQuerySensors_Backfill(t *testing.T) {
	store := newTestStore(t)

	// Rows [t0,t1)=5 then [t1,open)=7.
	t0, t1 := int64(10_000), int64(20_000)
	_, err := store.RecordSensor("d", "c", t0, NumberReading(5))
	require.NoError(t, err)
	require.NoError(t, store.ExpireSensor("d", "c", t1))
	_, err = store.RecordSensor("d", "c", t1, NumberReading(7))
	require.NoError(t, err)

	// Window [t1-1, t1+5] starts with backfill (t1-1 covered by the
	// first row) followed by the t1 row.
	points, err := store.QuerySensors([]Selector{{Device: "d", Channel: "c"}}, t1-1, t1+5)
	require.NoError(t, err)
	series := points["d:c"]
	require.Len(t, series, 2)
	assert.Equal(t, t0, series[0].Timestamp)
	assert.InDelta(t, 5, *series[0].Value, Epsilon)
	assert.Equal(t, t1, series[1].Timestamp)
	assert.InDelta(t, 7, *series[1].Value, Epsilon)
}

func TestQuerySensors_NoDataNoBackfill(t *testing.T) {
	store := newTestStore(t)

	points, err := store.QuerySensors([]Selector{{Device: "d", Channel: "ghost"}}, 0, 1000)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestQuerySensors_ClosedRowBeforeWindowExcluded(t *testing.T) {
	store := newTestStore(t)

	// Row closed before the window start must not backfill.
	_, err := store.RecordSensor("d", "c", 1000, NumberReading(5))
	require.NoError(t, err)
	require.NoError(t, store.ExpireSensor("d", "c", 2000))

	points, err := store.QuerySensors([]Selector{{Device: "d", Channel: "c"}}, 5000, 9000)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestQueryOutputs_ZeroBackfillSynthesis(t *testing.T) {
	store := newTestStore(t)

	points, err := store.QueryOutputs([]string{"lights"}, 1000, 2000)
	require.NoError(t, err)
	series := points["output:lights"]
	require.Len(t, series, 1)
	assert.Equal(t, int64(1000), series[0].Timestamp)
	assert.InDelta(t, 0, *series[0].Value, Epsilon)
}

func TestQueryOutputs_WindowAndBackfill(t *testing.T) {
	store := newTestStore(t)

	_, err := store.RecordOutput("lights", 1000, 1)
	require.NoError(t, err)
	_, err = store.RecordOutput("lights", 5000, 0)
	require.NoError(t, err)

	points, err := store.QueryOutputs([]string{"lights"}, 2000, 9000)
	require.NoError(t, err)
	series := points["output:lights"]
	require.Len(t, series, 2)
	assert.Equal(t, int64(1000), series[0].Timestamp)
	assert.InDelta(t, 1, *series[0].Value, Epsilon)
	assert.Equal(t, int64(5000), series[1].Timestamp)
	assert.InDelta(t, 0, *series[1].Value, Epsilon)
}

func TestRecordOutput_RLE(t *testing.T) {
	store := newTestStore(t)

	result, err := store.RecordOutput("fan", 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)

	result, err = store.RecordOutput("fan", 2000, 1)
	require.NoError(t, err)
	assert.Equal(t, Extended, result)

	result, err = store.RecordOutput("fan", 3000, 0)
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)
}

func TestLatestValues(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.LatestSensorValue("d", "c")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.RecordSensor("d", "c", 1000, NumberReading(5))
	require.NoError(t, err)
	_, err = store.RecordSensor("d", "c", 2000, NumberReading(9))
	require.NoError(t, err)

	v, ok, err := store.LatestSensorValue("d", "c")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 9, v, Epsilon)

	// Outputs default to 0.
	ov, err := store.LatestOutputValue("ghost")
	require.NoError(t, err)
	assert.InDelta(t, 0, ov, Epsilon)

	_, err = store.RecordOutput("fan", 1000, 0.75)
	require.NoError(t, err)
	ov, err = store.LatestOutputValue("fan")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, ov, Epsilon)
}

func TestCurrentOutputValues(t *testing.T) {
	store := newTestStore(t)

	_, err := store.RecordOutput("fan", 1000, 1)
	require.NoError(t, err)
	_, err = store.RecordOutput("fan", 2000, 0.5)
	require.NoError(t, err)
	_, err = store.RecordOutput("lights", 1500, 1)
	require.NoError(t, err)

	values, err := store.CurrentOutputValues()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, values["fan"], Epsilon)
	assert.InDelta(t, 1, values["lights"], Epsilon)
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		key     string
		device  string
		channel string
		ok      bool
	}{
		{"ac:tent:temperature", "ac:tent", "temperature", true},
		{"d:c", "d", "c", true},
		{"nochannel", "", "", false},
	}

	for _, tt := range tests {
		device, channel, ok := SplitKey(tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.device, device, tt.key)
		assert.Equal(t, tt.channel, channel, tt.key)
	}
}

func TestRecordSensor_ConcurrentWritersSingleOpenRow(t *testing.T) {
	store := newTestStore(t)

	// Concurrent identical writes must never create duplicate open rows.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.RecordSensor("d", "c", int64(1000+i), NumberReading(42))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	points, err := store.QuerySensors([]Selector{{Device: "d", Channel: "c"}}, 0, 10_000)
	require.NoError(t, err)
	assert.Len(t, points["d:c"], 1)
}
