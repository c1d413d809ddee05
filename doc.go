// Package canopy provides a single-process automation server for
// environmental telemetry and actuation.
//
// # Architecture
//
// Remote agents stream sensor readings over an authenticated WebSocket
// connection. Readings are stored as a run-length-encoded time series,
// an ordered rule engine turns stored values into desired output states,
// and a dispatcher pushes actuation commands back to the agents over the
// same connections.
//
//	┌──────────┐  telemetry   ┌─────────┐  record   ┌────────────┐
//	│  Agent   ├─────────────►│ Gateway ├──────────►│ Event      │
//	│  Client  │◄─────────────┤         │           │ Store      │
//	└──────────┘  commands    └────▲────┘           └─────┬──────┘
//	                               │                      │ query
//	                          send │                ┌─────▼──────┐
//	                       command │   tick/trigger │   Rule     │
//	                          ┌────┴──────┐◄────────┤   Engine   │
//	                          │ Dispatcher│  write  └────────────┘
//	                          └───────────┘
//
// A periodic tick also drives the rule engine independent of incoming
// telemetry, and a resynchronization sweep re-sends current output states
// so reconnecting agents converge without waiting for a state change.
//
// # Packages
//
// Core:
//   - eventstore: run-length-encoded keyed-interval store (SQLite)
//   - rule: condition trees and the evaluation loop
//   - dispatch: output writes, device bindings, sync sweep
//   - gateway: authenticated WebSocket server for agents
//   - agent: reconnecting WebSocket client library for agents
//
// Boundary and infrastructure:
//   - catalog: rules, output configs, API keys, changelog persistence
//   - api: read-only operations HTTP API
//   - ingest/mqtt: optional MQTT telemetry bridge
//   - service: component wiring and lifecycle
//   - config, errors, metric, component: ambient infrastructure
//   - pkg/queue, pkg/retry, pkg/timestamp: small shared utilities
package canopy
