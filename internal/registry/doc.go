// Package registry tracks known nodes and their liveness.
//
// # Overview
//
// The Registry sits between the agent protocol and the store. It owns
// the rules the store doesn't know about: registration is an upsert
// keyed by identity (reconnects refresh, never duplicate), a heartbeat
// only lands on a known row, and "online" means the status column says
// so AND the last heartbeat is inside the timeout window.
//
// # Liveness
//
// Agents heartbeat every 25 seconds. A node is listed online while its
// last heartbeat is within the configured timeout (default 75s, three
// intervals). The background sweep flips rows that fell out of the
// window to offline so listings and the status column eventually agree.
//
// Rows are never deleted: an offline node is history, not garbage. Each
// registration, supersession, sweep, and revival is recorded as a node
// event for later inspection.
//
// # Clock
//
// All liveness math goes through an injectable clock (SetClock) so tests
// can cover the timing rules without sleeping.
package registry
