// Package relay connects live agent sockets to request routing.
//
// # Channels
//
// A Channel is the delivery path to exactly one agent connection. Each
// accepted socket gets a fresh Channel with its own generation id
// (ConnID), so a reconnection is distinguishable from the connection it
// replaced.
//
// # Supervisor
//
// The Supervisor keeps at most one live channel per owner+identity.
// A new connection with the same identity replaces the old one in
// place: the old channel gets a disconnect frame, its socket is closed,
// and a superseded event fires synchronously inside Attach -- so by the
// time the reconnection completes, every request that was in flight on
// the old channel has already been resolved as cancelled. Distinct
// identities (two pids on one host) coexist without interfering.
//
// # Router
//
// The Router delivers a request to one agent and blocks until the
// response with the same correlation id arrives. An explicit target
// either routes to that node or fails fast with ErrNodeNotOnline; with
// no target the most recently heartbeated online node is picked. At
// most one request per correlation id may be in flight. Timeout and
// cancellation are distinct outcomes: a timed-out request may still be
// executing on the node, a cancelled one had its channel torn down.
// The router never retries on its own -- a retry could run the same
// task twice.
package relay
