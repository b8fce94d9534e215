// ABOUTME: JSON wire protocol spoken between the gateway and relay agents.
// ABOUTME: One envelope type per socket frame, with a payload struct per message kind.

package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the payload carried by an Envelope.
type MessageType string

const (
	// TypeRegister is the first frame an agent sends after the socket opens.
	TypeRegister MessageType = "register"
	// TypeRegistered acknowledges a registration.
	TypeRegistered MessageType = "registered"
	// TypeHeartbeat is the periodic liveness signal from an agent.
	TypeHeartbeat MessageType = "heartbeat"
	// TypeHeartbeatAck acknowledges a heartbeat, or reports the identity unknown.
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	// TypeRequest is a routed request from the gateway to an agent.
	TypeRequest MessageType = "request"
	// TypeResponse is an agent's reply to a routed request.
	TypeResponse MessageType = "response"
	// TypePing and TypePong are application-level liveness probes.
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
	// TypeDisconnect tells an agent its connection is being closed by the server.
	TypeDisconnect MessageType = "disconnect"
)

// Heartbeat ack statuses.
const (
	HeartbeatOK              = "ok"
	HeartbeatUnknownIdentity = "unknown_identity"
)

// Disconnect reasons.
const (
	DisconnectReplaced = "replaced"
	DisconnectShutdown = "shutdown"
)

// Envelope is a single frame on the agent socket. Exactly one payload
// field is set, matching Type.
type Envelope struct {
	Type MessageType `json:"type"`

	Register     *Register     `json:"register,omitempty"`
	Registered   *Registered   `json:"registered,omitempty"`
	Heartbeat    *Heartbeat    `json:"heartbeat,omitempty"`
	HeartbeatAck *HeartbeatAck `json:"heartbeat_ack,omitempty"`
	Request      *Request      `json:"request,omitempty"`
	Response     *Response     `json:"response,omitempty"`
	Disconnect   *Disconnect   `json:"disconnect,omitempty"`
}

// Register announces an agent to the gateway.
type Register struct {
	Identity     string          `json:"identity"`
	DisplayName  string          `json:"display_name"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

// Registered is the gateway's acknowledgement of a Register frame.
type Registered struct {
	ServerID string `json:"server_id"`
	Identity string `json:"identity"`
	Channel  string `json:"channel"`
}

// Heartbeat refreshes an agent's liveness window.
type Heartbeat struct {
	Identity    string `json:"identity"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// HeartbeatAck reports whether the heartbeat landed on a known registry row.
// Status HeartbeatUnknownIdentity means the agent must re-register.
type HeartbeatAck struct {
	Status string `json:"status"`
}

// Request is a unit of work routed to exactly one agent. ID is the
// correlation id used to match the eventual Response.
type Request struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Response carries an agent's reply for the Request with the same ID.
type Response struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Disconnect tells the agent why the server is closing its socket.
type Disconnect struct {
	Reason string `json:"reason"`
}

// ChannelName returns the addressable channel name for one agent. Only
// the registry (which knows the owner/identity mapping) and the owning
// agent can derive it.
func ChannelName(ownerID, identity string) string {
	return fmt.Sprintf("relay:%s:%s", ownerID, identity)
}

// Validate checks that the envelope carries the payload its type requires.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeRegister:
		if e.Register == nil {
			return fmt.Errorf("register envelope missing payload")
		}
		if e.Register.Identity == "" {
			return fmt.Errorf("register missing identity")
		}
	case TypeHeartbeat:
		if e.Heartbeat == nil || e.Heartbeat.Identity == "" {
			return fmt.Errorf("heartbeat missing identity")
		}
	case TypeRequest:
		if e.Request == nil || e.Request.ID == "" {
			return fmt.Errorf("request missing correlation id")
		}
	case TypeResponse:
		if e.Response == nil || e.Response.ID == "" {
			return fmt.Errorf("response missing correlation id")
		}
	case TypeRegistered, TypeHeartbeatAck, TypePing, TypePong, TypeDisconnect:
		// No required payload beyond the type tag.
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}
