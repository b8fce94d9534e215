// ABOUTME: Connection supervisor reconciling new agent connections against live channels.
// ABOUTME: A reconnection with the same identity replaces the old channel and publishes a superseded event.

package relay

import (
	"log/slog"
	"sync"

	"github.com/2389/relay-gateway/internal/wire"
)

// EventKind classifies a channel lifecycle event.
type EventKind string

const (
	// EventSuperseded fires when a reconnection replaces a live channel.
	// The event carries the old channel.
	EventSuperseded EventKind = "superseded"
	// EventClosed fires when a channel is detached (socket gone).
	EventClosed EventKind = "closed"
)

// Event is a channel lifecycle notification. Subscribers are invoked
// synchronously inside the Attach/Detach call that caused the event, so
// in-flight request cancellation completes before the operation returns.
// Subscribers must not call back into the Supervisor.
type Event struct {
	Kind    EventKind
	Channel *Channel
}

// Supervisor owns the table of live channels, one per owner+identity.
// It enforces the reconnection policy: same identity replaces in place,
// a different pid on the same host is a distinct identity and coexists.
type Supervisor struct {
	mu       sync.Mutex
	channels map[string]*Channel
	subs     []func(Event)
	logger   *slog.Logger
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		channels: make(map[string]*Channel),
		logger:   logger,
	}
}

// Subscribe registers fn for channel lifecycle events. Subscriptions
// happen at wiring time, before any agent connects.
func (s *Supervisor) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Attach installs ch as the live channel for its owner+identity. If a
// channel is already live for that key, it is torn down in place: a
// superseded event is published (cancelling its in-flight requests), a
// disconnect frame is sent best-effort, and its socket is closed. The
// replaced channel is returned, or nil on a first attach.
func (s *Supervisor) Attach(ch *Channel) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.channels[ch.Key()]
	s.channels[ch.Key()] = ch

	if old != nil {
		s.notify(Event{Kind: EventSuperseded, Channel: old})

		// Best effort: the old socket may already be dead.
		_ = old.Send(&wire.Envelope{
			Type:       wire.TypeDisconnect,
			Disconnect: &wire.Disconnect{Reason: wire.DisconnectReplaced},
		})
		_ = old.Close()

		s.logger.Info("channel replaced",
			"channel", ch.Name,
			"old_conn_id", old.ConnID,
			"new_conn_id", ch.ConnID,
		)
	} else {
		s.logger.Info("channel attached", "channel", ch.Name, "conn_id", ch.ConnID)
	}

	return old
}

// Detach removes ch if it is still the live channel for its key. A
// detach from a superseded socket is a no-op: its replacement stays.
// Returns whether ch was actually detached.
func (s *Supervisor) Detach(ch *Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.channels[ch.Key()]
	if !ok || current.ConnID != ch.ConnID {
		return false
	}

	delete(s.channels, ch.Key())
	s.notify(Event{Kind: EventClosed, Channel: ch})
	s.logger.Info("channel detached", "channel", ch.Name, "conn_id", ch.ConnID)
	return true
}

// Get returns the live channel for owner+identity, if any.
func (s *Supervisor) Get(ownerID, identity string) (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[ownerID+"/"+identity]
	return ch, ok
}

// Count returns the number of live channels.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Channels returns a snapshot of all live channels, used by gateway
// shutdown to flush online nodes offline.
func (s *Supervisor) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// notify is called with s.mu held.
func (s *Supervisor) notify(ev Event) {
	for _, fn := range s.subs {
		fn(ev)
	}
}
