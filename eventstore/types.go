package eventstore

import "encoding/json"

// Result reports what a record operation did to the store.
type Result int

const (
	// Inserted means a new open row was created: the value changed.
	Inserted Result = iota
	// Extended means the existing open row's until was advanced: the
	// value was unchanged.
	Extended
)

// String returns a string representation of the record result
func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Extended:
		return "extended"
	default:
		return "unknown"
	}
}

// Data type markers stored in the data_type column.
const (
	DataTypeNumber = "number"
	DataTypeJSON   = "json"
)

// Reading is an incoming value for a (device, channel) key. Exactly one
// of Value or Payload is set: numeric readings carry Value, opaque JSON
// readings carry Payload.
type Reading struct {
	Value   *float64
	Payload json.RawMessage
}

// NumberReading builds a numeric Reading.
func NumberReading(v float64) Reading {
	return Reading{Value: &v}
}

// JSONReading builds an opaque-JSON Reading.
func JSONReading(payload json.RawMessage) Reading {
	return Reading{Payload: payload}
}

// IsValid reports whether the reading carries either a value or a payload.
func (r Reading) IsValid() bool {
	return r.Value != nil || len(r.Payload) > 0
}

// dataType returns the data_type column value for the reading.
func (r Reading) dataType() string {
	if r.Value != nil {
		return DataTypeNumber
	}
	return DataTypeJSON
}

// Selector identifies one sensor time series.
type Selector struct {
	Device  string
	Channel string
}

// Key returns the canonical "device:channel" form used in query results.
func (s Selector) Key() string {
	return s.Device + ":" + s.Channel
}

// Point is one interval in a query result. Until is 0 for open rows.
type Point struct {
	Timestamp int64           `json:"timestamp"`
	Value     *float64        `json:"value,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Until     int64           `json:"until,omitempty"`
}
