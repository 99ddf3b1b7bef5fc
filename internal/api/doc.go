// Package api implements the HTTP REST API and WebSocket server for the ebusd bridge.
//
// This package provides:
//   - REST endpoints for circuit health, message sets and variable lists
//   - Operator actions: configuration fetch, value reads, poll requests, set commands
//   - WebSocket hub streaming decoded values per circuit and health snapshots
//   - Optional HS256 bearer auth with ticket-based WebSocket auth
//   - Prometheus exposition on /metrics, including per-route request latency
//
// # Architecture
//
// The server only talks to the bridge through BridgeService. Reads are
// served from the bridge's in-memory state; actions go out over MQTT or
// the ebusd HTTP port exactly as the bridge would perform them itself.
// The Hub is a ValueSink, so every kept message the bridge decodes is
// broadcast to subscribed WebSocket clients.
//
// # Security
//
// With api.auth.jwt_secret unset every route is open. With a secret,
// mutating routes require an Authorization: Bearer header and WebSocket
// connections need a single-use ticket, so tokens never appear in URLs.
//
// # Graceful Degradation
//
// The server operates without MQTT. Reads and WebSocket connections work;
// actions that publish return 503.
package api
