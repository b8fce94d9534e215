// Package wire defines the JSON protocol spoken between the gateway and
// relay agents.
//
// Every frame on an agent socket is one Envelope, discriminated by Type.
// The envelope carries at most one payload struct, matching its type.
// Frame kinds: register, registered, heartbeat, heartbeat_ack, request,
// response, ping, pong, disconnect.
//
// ChannelName builds the addressing string for one agent,
// "relay:{owner}:{identity}". Identity appears in the name, so the
// channel is private to the agent process and the gateway.
package wire
