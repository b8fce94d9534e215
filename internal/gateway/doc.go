// Package gateway orchestrates the relay-gateway server.
//
// # Overview
//
// The Gateway wires the store, registry, supervisor, and router
// together and serves them over one HTTP listener:
//
//   - /ws/agent        agent websocket (register-first protocol)
//   - /api/dispatch    route a request to one of the caller's agents
//   - /api/nodes       list the caller's registered nodes
//   - /health          liveness
//   - /health/ready    readiness (at least one agent connected)
//
// # Agent Protocol
//
// The first frame on a fresh socket must be a register; anything else
// closes the connection. After that the socket carries heartbeats
// (acked, with unknown_identity when the registry has no row),
// responses (correlated back to waiting dispatches), re-registrations,
// and ping/pong.
//
// When a socket drops, its channel is detached and the node marked
// offline -- unless the channel was already superseded by a
// reconnection, in which case the replacement stays untouched.
//
// # Background Work
//
// A sweep ticker periodically flips rows with stale heartbeats offline,
// covering agents that died without disconnecting. Shutdown sends each
// connected agent a disconnect frame and flushes its row offline.
package gateway
