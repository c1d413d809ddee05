package eventstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	// SQLite driver registration.
	_ "github.com/mattn/go-sqlite3"

	"github.com/c360/canopy/errors"
	"github.com/c360/canopy/metric"
)

// Epsilon is the tolerance for numeric dedup: an incoming value within
// Epsilon of the open row's value extends the row instead of inserting.
const Epsilon = 1e-4

const schema = `
CREATE TABLE IF NOT EXISTS sensor_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	until     INTEGER,
	device    TEXT NOT NULL,
	channel   TEXT NOT NULL,
	value     REAL,
	data      TEXT,
	data_type TEXT NOT NULL DEFAULT 'number'
);
CREATE INDEX IF NOT EXISTS idx_sensor_events_key_ts
	ON sensor_events(device, channel, timestamp);
CREATE INDEX IF NOT EXISTS idx_sensor_events_open
	ON sensor_events(device, channel) WHERE until IS NULL;

CREATE TABLE IF NOT EXISTS output_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	until     INTEGER,
	channel   TEXT NOT NULL,
	value     REAL NOT NULL,
	data_type TEXT NOT NULL DEFAULT 'number'
);
CREATE INDEX IF NOT EXISTS idx_output_events_ch_ts
	ON output_events(channel, timestamp);
CREATE INDEX IF NOT EXISTS idx_output_events_open
	ON output_events(channel) WHERE until IS NULL;
`

// Store is the run-length-encoded event store backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Per-key write locks. Read-open-row-then-write must be atomic per
	// (device, channel); the map itself is guarded by keysMu.
	keysMu   sync.Mutex
	keyLocks map[string]*sync.Mutex

	metrics *storeMetrics
}

// Open opens (or creates) the event store at the given SQLite path and
// applies the schema. Pass a nil registry to skip metrics registration.
func Open(path string, logger *slog.Logger, registry *metric.Registry) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "EventStore", "Open", "open database")
	}

	// The sqlite3 driver serializes access per connection; a single
	// connection avoids SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "EventStore", "Open", "apply schema")
	}

	return &Store{
		db:       db,
		logger:   logger.With("component", "eventstore"),
		keyLocks: make(map[string]*sync.Mutex),
		metrics:  newStoreMetrics(registry),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// lockKey returns the mutex serializing writes for a store key,
// creating it on first use.
func (s *Store) lockKey(key string) *sync.Mutex {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	mu, ok := s.keyLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.keyLocks[key] = mu
	}
	return mu
}

// unavailable wraps a database error as a transient storage failure.
func unavailable(err error, method, action string) error {
	return errors.WrapTransient(
		fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
		"EventStore", method, action)
}

// RecordSensor records a sensor reading for (device, channel) at ts.
//
// If an open row exists with an equal value (within Epsilon for numbers,
// exact string equality for JSON payloads), its until column is advanced
// to ts and Extended is returned. Otherwise a new open row is inserted.
// The previous open row is not closed; the newer timestamp supersedes it
// at query time.
func (s *Store) RecordSensor(device, channel string, ts int64, r Reading) (Result, error) {
	if !r.IsValid() {
		return Inserted, errors.WrapInvalid(errors.ErrInvalidMessage,
			"EventStore", "RecordSensor", "reading has neither value nor payload")
	}

	mu := s.lockKey("s\x00" + device + "\x00" + channel)
	mu.Lock()
	defer mu.Unlock()

	var (
		id       int64
		value    sql.NullFloat64
		data     sql.NullString
		dataType string
	)
	err := s.db.QueryRow(`
		SELECT id, value, data, data_type FROM sensor_events
		WHERE device = ? AND channel = ? AND until IS NULL
		ORDER BY timestamp DESC LIMIT 1`,
		device, channel).Scan(&id, &value, &data, &dataType)

	switch {
	case err == sql.ErrNoRows:
		// No open row; fall through to insert.
	case err != nil:
		s.metrics.trackError()
		return Inserted, unavailable(err, "RecordSensor", "read open row")
	default:
		if readingEqual(r, dataType, value, data) {
			if _, err := s.db.Exec(
				`UPDATE sensor_events SET until = ? WHERE id = ?`, ts, id); err != nil {
				s.metrics.trackError()
				return Inserted, unavailable(err, "RecordSensor", "extend open row")
			}
			s.metrics.trackRecord("sensor", Extended)
			return Extended, nil
		}
	}

	if _, err := s.db.Exec(`
		INSERT INTO sensor_events (timestamp, until, device, channel, value, data, data_type)
		VALUES (?, NULL, ?, ?, ?, ?, ?)`,
		ts, device, channel, nullFloat(r.Value), nullJSON(r.Payload), r.dataType()); err != nil {
		s.metrics.trackError()
		return Inserted, unavailable(err, "RecordSensor", "insert row")
	}
	s.metrics.trackRecord("sensor", Inserted)
	return Inserted, nil
}

// ExpireSensor closes the open row for (device, channel) at the given
// instant. Channels with explicit expiry use this to leave a gap before
// the next reading instead of letting the stale value run on.
func (s *Store) ExpireSensor(device, channel string, until int64) error {
	mu := s.lockKey("s\x00" + device + "\x00" + channel)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.Exec(`
		UPDATE sensor_events SET until = ?
		WHERE device = ? AND channel = ? AND until IS NULL`,
		until, device, channel); err != nil {
		s.metrics.trackError()
		return unavailable(err, "ExpireSensor", "close open row")
	}
	return nil
}

// RecordOutput records an output state for channel at ts with the same
// RLE semantics as RecordSensor.
func (s *Store) RecordOutput(channel string, ts int64, value float64) (Result, error) {
	mu := s.lockKey("o\x00" + channel)
	mu.Lock()
	defer mu.Unlock()

	var (
		id      int64
		current float64
	)
	err := s.db.QueryRow(`
		SELECT id, value FROM output_events
		WHERE channel = ? AND until IS NULL
		ORDER BY timestamp DESC LIMIT 1`,
		channel).Scan(&id, &current)

	switch {
	case err == sql.ErrNoRows:
		// No open row; fall through to insert.
	case err != nil:
		s.metrics.trackError()
		return Inserted, unavailable(err, "RecordOutput", "read open row")
	default:
		if math.Abs(current-value) < Epsilon {
			if _, err := s.db.Exec(
				`UPDATE output_events SET until = ? WHERE id = ?`, ts, id); err != nil {
				s.metrics.trackError()
				return Inserted, unavailable(err, "RecordOutput", "extend open row")
			}
			s.metrics.trackRecord("output", Extended)
			return Extended, nil
		}
	}

	if _, err := s.db.Exec(`
		INSERT INTO output_events (timestamp, until, channel, value, data_type)
		VALUES (?, NULL, ?, ?, 'number')`,
		ts, channel, value); err != nil {
		s.metrics.trackError()
		return Inserted, unavailable(err, "RecordOutput", "insert row")
	}
	s.metrics.trackRecord("output", Inserted)
	return Inserted, nil
}

// readingEqual compares an incoming reading against an open row.
// Numeric values match within Epsilon. JSON payloads match on exact
// string equality: byte-level differences (key order) in semantically
// equal documents do NOT dedup, and downstream rule behavior relies on
// the resulting row-per-distinct-encoding.
func readingEqual(r Reading, dataType string, value sql.NullFloat64, data sql.NullString) bool {
	if r.Value != nil {
		return dataType == DataTypeNumber && value.Valid &&
			math.Abs(value.Float64-*r.Value) < Epsilon
	}
	return dataType == DataTypeJSON && data.Valid && data.String == string(r.Payload)
}

// QuerySensors returns, for each selector, the rows with timestamp in
// (since, until] in ascending order, preceded by at most one backfill
// row: the latest row at or before since whose interval still covered
// since. Sensors with no prior data get no backfill row.
func (s *Store) QuerySensors(selectors []Selector, since, until int64) (map[string][]Point, error) {
	result := make(map[string][]Point, len(selectors))
	if len(selectors) == 0 {
		return result, nil
	}

	for _, sel := range selectors {
		var points []Point

		// Backfill: value in effect at the start of the window.
		var bp Point
		var bpUntil sql.NullInt64
		var bpValue sql.NullFloat64
		var bpData sql.NullString
		err := s.db.QueryRow(`
			SELECT timestamp, until, value, data FROM sensor_events
			WHERE device = ? AND channel = ?
			AND timestamp <= ? AND (until >= ? OR until IS NULL)
			ORDER BY timestamp DESC LIMIT 1`,
			sel.Device, sel.Channel, since, since).
			Scan(&bp.Timestamp, &bpUntil, &bpValue, &bpData)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			s.metrics.trackError()
			return nil, unavailable(err, "QuerySensors", "backfill query")
		default:
			points = append(points, makePoint(bp.Timestamp, bpUntil, bpValue, bpData))
		}

		rows, err := s.db.Query(`
			SELECT timestamp, until, value, data FROM sensor_events
			WHERE device = ? AND channel = ?
			AND timestamp > ? AND timestamp <= ?
			ORDER BY timestamp ASC`,
			sel.Device, sel.Channel, since, until)
		if err != nil {
			s.metrics.trackError()
			return nil, unavailable(err, "QuerySensors", "window query")
		}
		points, err = appendRows(points, rows)
		if err != nil {
			return nil, unavailable(err, "QuerySensors", "scan rows")
		}

		if len(points) > 0 {
			result[sel.Key()] = points
		}
	}

	s.metrics.trackQuery("sensor")
	return result, nil
}

// QueryOutputs is the output-stream analog of QuerySensors, keyed by
// "output:<channel>". An output with no prior data synthesizes a
// zero-value backfill point at since: outputs default to off.
func (s *Store) QueryOutputs(channels []string, since, until int64) (map[string][]Point, error) {
	result := make(map[string][]Point, len(channels))

	for _, channel := range channels {
		var points []Point

		var bp Point
		var bpUntil sql.NullInt64
		var bpValue sql.NullFloat64
		err := s.db.QueryRow(`
			SELECT timestamp, until, value FROM output_events
			WHERE channel = ?
			AND timestamp <= ? AND (until >= ? OR until IS NULL)
			ORDER BY timestamp DESC LIMIT 1`,
			channel, since, since).
			Scan(&bp.Timestamp, &bpUntil, &bpValue)
		switch {
		case err == sql.ErrNoRows:
			zero := 0.0
			points = append(points, Point{Timestamp: since, Value: &zero})
		case err != nil:
			s.metrics.trackError()
			return nil, unavailable(err, "QueryOutputs", "backfill query")
		default:
			points = append(points, makePoint(bp.Timestamp, bpUntil, bpValue, sql.NullString{}))
		}

		rows, err := s.db.Query(`
			SELECT timestamp, until, value FROM output_events
			WHERE channel = ?
			AND timestamp > ? AND timestamp <= ?
			ORDER BY timestamp ASC`,
			channel, since, until)
		if err != nil {
			s.metrics.trackError()
			return nil, unavailable(err, "QueryOutputs", "window query")
		}
		points, err = appendOutputRows(points, rows)
		if err != nil {
			return nil, unavailable(err, "QueryOutputs", "scan rows")
		}

		result["output:"+channel] = points
	}

	s.metrics.trackQuery("output")
	return result, nil
}

// LatestSensorValue returns the most recent numeric value for a sensor
// key. The second return is false when the sensor has no numeric data.
func (s *Store) LatestSensorValue(device, channel string) (float64, bool, error) {
	var value sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT value FROM sensor_events
		WHERE device = ? AND channel = ? AND data_type = 'number'
		ORDER BY timestamp DESC LIMIT 1`,
		device, channel).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return 0, false, nil
	case err != nil:
		s.metrics.trackError()
		return 0, false, unavailable(err, "LatestSensorValue", "query")
	}
	if !value.Valid {
		return 0, false, nil
	}
	return value.Float64, true, nil
}

// LatestSensorValueByKey resolves a full "device:channel" key where the
// channel is the segment after the last colon.
func (s *Store) LatestSensorValueByKey(key string) (float64, bool, error) {
	device, channel, ok := SplitKey(key)
	if !ok {
		return 0, false, nil
	}
	return s.LatestSensorValue(device, channel)
}

// SplitKey splits a "device:channel" key at the last colon. Device names
// themselves contain colons ("ac:tent"), so only the final segment is
// the channel.
func SplitKey(key string) (device, channel string, ok bool) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// LatestOutputValue returns the most recent value for an output channel,
// defaulting to 0 when the channel has never been written.
func (s *Store) LatestOutputValue(channel string) (float64, error) {
	var value float64
	err := s.db.QueryRow(`
		SELECT value FROM output_events
		WHERE channel = ?
		ORDER BY timestamp DESC LIMIT 1`,
		channel).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return 0, nil
	case err != nil:
		s.metrics.trackError()
		return 0, unavailable(err, "LatestOutputValue", "query")
	}
	return value, nil
}

// CurrentOutputValues returns the most recent value for every output
// channel that has ever been written.
func (s *Store) CurrentOutputValues() (map[string]float64, error) {
	rows, err := s.db.Query(`
		SELECT channel, value FROM output_events
		WHERE id IN (SELECT MAX(id) FROM output_events GROUP BY channel)`)
	if err != nil {
		s.metrics.trackError()
		return nil, unavailable(err, "CurrentOutputValues", "query")
	}
	defer rows.Close()

	result := make(map[string]float64)
	for rows.Next() {
		var channel string
		var value float64
		if err := rows.Scan(&channel, &value); err != nil {
			return nil, unavailable(err, "CurrentOutputValues", "scan row")
		}
		result[channel] = value
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "CurrentOutputValues", "iterate rows")
	}
	return result, nil
}

func makePoint(ts int64, until sql.NullInt64, value sql.NullFloat64, data sql.NullString) Point {
	p := Point{Timestamp: ts}
	if until.Valid {
		p.Until = until.Int64
	}
	if value.Valid {
		v := value.Float64
		p.Value = &v
	}
	if data.Valid {
		p.Payload = []byte(data.String)
	}
	return p
}

func appendRows(points []Point, rows *sql.Rows) ([]Point, error) {
	defer rows.Close()
	for rows.Next() {
		var ts int64
		var until sql.NullInt64
		var value sql.NullFloat64
		var data sql.NullString
		if err := rows.Scan(&ts, &until, &value, &data); err != nil {
			return nil, err
		}
		points = append(points, makePoint(ts, until, value, data))
	}
	return points, rows.Err()
}

func appendOutputRows(points []Point, rows *sql.Rows) ([]Point, error) {
	defer rows.Close()
	for rows.Next() {
		var ts int64
		var until sql.NullInt64
		var value sql.NullFloat64
		if err := rows.Scan(&ts, &until, &value); err != nil {
			return nil, err
		}
		points = append(points, makePoint(ts, until, value, sql.NullString{}))
	}
	return points, rows.Err()
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullJSON(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}
