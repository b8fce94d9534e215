// Package agent implements the relay agent that runs on a user's machine.
//
// # Overview
//
// The agent dials the gateway's websocket endpoint, registers its
// identity, heartbeats, and executes routed requests by forwarding them
// to a service on the loopback interface.
//
// # Connection Lifecycle
//
//  1. Dial ws://gateway/ws/agent with the relay token as a bearer credential
//  2. Send a register frame (always first; the gateway enforces it)
//  3. Heartbeat every 25 seconds (configurable)
//  4. Serve request frames until the socket drops
//
// On a transient failure the agent reconnects with capped exponential
// backoff and registers again. If a heartbeat ack reports
// unknown_identity (gateway restarted, row swept), the agent
// re-registers on the live socket. If the gateway says the connection
// was replaced, a newer process owns the identity and this one exits.
//
// # Identity
//
// The identity is derived once at startup ("{host}-{pid}") and stays
// fixed across reconnects, so the gateway sees a reconnect as the same
// node rather than a new one.
//
// # Execution
//
// HTTPExecutor forwards requests to 127.0.0.1:{port} with a 55s budget
// and a fixed method allowlist. Failures are encoded as error responses
// rather than dropped, so every routed request gets an answer.
package agent
