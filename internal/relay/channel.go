// ABOUTME: Channel represents the dedicated delivery path to one connected agent.
// ABOUTME: Wraps the transport send half and carries the identity-scoped channel name.

package relay

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/wire"
)

// Sender is the transport write half backing a Channel. The gateway's
// websocket connection implements it; tests substitute fakes.
type Sender interface {
	SendEnvelope(env *wire.Envelope) error
	Close() error
}

// Channel is the addressable delivery path for exactly one agent
// connection. Every accepted socket gets a fresh Channel with its own
// generation id, so a reconnection is distinguishable from the
// connection it replaces.
type Channel struct {
	OwnerID  string
	Identity string

	// ConnID identifies this socket generation. Two channels for the
	// same identity never share a ConnID.
	ConnID string

	// Name is the addressing string, "relay:{owner}:{identity}".
	Name string

	sender Sender
	logger *slog.Logger
}

// NewChannel creates a Channel bound to the given transport sender.
func NewChannel(ownerID, identity string, sender Sender, logger *slog.Logger) *Channel {
	return &Channel{
		OwnerID:  ownerID,
		Identity: identity,
		ConnID:   uuid.New().String(),
		Name:     wire.ChannelName(ownerID, identity),
		sender:   sender,
		logger:   logger,
	}
}

// Key returns the supervisor map key for this channel. One live channel
// per owner+identity pair.
func (c *Channel) Key() string {
	return c.OwnerID + "/" + c.Identity
}

// Send writes an envelope to the agent.
func (c *Channel) Send(env *wire.Envelope) error {
	return c.sender.SendEnvelope(env)
}

// Close closes the underlying transport.
func (c *Channel) Close() error {
	return c.sender.Close()
}
