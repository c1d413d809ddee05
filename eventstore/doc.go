// Package eventstore implements the run-length-encoded keyed-interval
// store for sensor readings and output states.
//
// Instead of one row per poll tick, an unchanged value extends the open
// row's "until" column. A row with a NULL "until" is the open row: the
// value currently in effect for its (device, channel) key. At most one
// open row exists per key; inserting a new row does not close the
// previous open row — the newer timestamp supersedes it at query time.
//
// Writes for a single key are serialized through a per-key mutex so a
// read-open-row-then-write sequence is atomic and two concurrent writers
// can never both observe "no open row".
//
// Storage failures are classified transient and wrap
// errors.ErrStorageUnavailable; callers treat reads as empty and writes
// as no-ops.
package eventstore
