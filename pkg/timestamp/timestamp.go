// Package timestamp provides standardized Unix timestamp handling.
//
// Event rows, WebSocket payloads, and query windows all carry timestamps
// as int64 milliseconds since the Unix epoch (UTC). Using a single integer
// representation keeps SQLite range scans cheap and avoids the parsing
// ambiguity of mixed string formats.
//
// Zero Value Semantics:
//   - A timestamp value of 0 means "not set" or "unknown"
//   - Functions handle zero values gracefully, returning appropriate defaults
package timestamp

import (
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns zero time if timestamp is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format converts Unix milliseconds to an RFC3339 string for display.
// Returns empty string if timestamp is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Parse converts an RFC3339 string to Unix milliseconds.
// Returns 0 for empty or unparseable input.
func Parse(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

// MinutesSinceMidnight returns the minutes elapsed since local midnight
// for the given time. Time-of-day rule conditions compare against this.
func MinutesSinceMidnight(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
