// ABOUTME: Tests for the connection supervisor's reconnection policy.
// ABOUTME: Covers replace-in-place, coexisting pids, stale detach, and synchronous events.

package relay

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/wire"
)

// fakeSender is a transport stub that records sent envelopes.
type fakeSender struct {
	mu     sync.Mutex
	sent   []*wire.Envelope
	closed bool

	// delivered signals each envelope for tests that need to wait for a
	// send from another goroutine.
	delivered chan *wire.Envelope
}

func newFakeSender() *fakeSender {
	return &fakeSender{delivered: make(chan *wire.Envelope, 16)}
}

func (f *fakeSender) SendEnvelope(env *wire.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	f.delivered <- env
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSender) envelopes() []*wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*wire.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestSupervisor_FirstAttach(t *testing.T) {
	sup := NewSupervisor(slog.Default())

	ch := NewChannel("alice", "alice-1000", newFakeSender(), slog.Default())
	replaced := sup.Attach(ch)

	assert.Nil(t, replaced)
	assert.Equal(t, 1, sup.Count())

	got, ok := sup.Get("alice", "alice-1000")
	require.True(t, ok)
	assert.Equal(t, ch.ConnID, got.ConnID)
	assert.Equal(t, "relay:alice:alice-1000", got.Name)
}

func TestSupervisor_SameIdentityReplacesInPlace(t *testing.T) {
	sup := NewSupervisor(slog.Default())

	var events []Event
	sup.Subscribe(func(ev Event) { events = append(events, ev) })

	oldSender := newFakeSender()
	oldCh := NewChannel("alice", "alice-1000", oldSender, slog.Default())
	sup.Attach(oldCh)

	newCh := NewChannel("alice", "alice-1000", newFakeSender(), slog.Default())
	replaced := sup.Attach(newCh)

	// The old channel was replaced, told to disconnect, and closed --
	// all before Attach returned.
	require.NotNil(t, replaced)
	assert.Equal(t, oldCh.ConnID, replaced.ConnID)
	assert.True(t, oldSender.isClosed())

	envs := oldSender.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, wire.TypeDisconnect, envs[0].Type)
	assert.Equal(t, wire.DisconnectReplaced, envs[0].Disconnect.Reason)

	require.Len(t, events, 1)
	assert.Equal(t, EventSuperseded, events[0].Kind)
	assert.Equal(t, oldCh.ConnID, events[0].Channel.ConnID)

	// Still exactly one channel, the new generation.
	assert.Equal(t, 1, sup.Count())
	got, ok := sup.Get("alice", "alice-1000")
	require.True(t, ok)
	assert.Equal(t, newCh.ConnID, got.ConnID)
}

func TestSupervisor_DistinctPidsCoexist(t *testing.T) {
	sup := NewSupervisor(slog.Default())

	ch10 := NewChannel("bob", "bob-10", newFakeSender(), slog.Default())
	ch11 := NewChannel("bob", "bob-11", newFakeSender(), slog.Default())

	assert.Nil(t, sup.Attach(ch10))
	assert.Nil(t, sup.Attach(ch11))
	assert.Equal(t, 2, sup.Count())
}

func TestSupervisor_StaleDetachIsNoOp(t *testing.T) {
	sup := NewSupervisor(slog.Default())

	oldCh := NewChannel("alice", "alice-1000", newFakeSender(), slog.Default())
	sup.Attach(oldCh)

	newCh := NewChannel("alice", "alice-1000", newFakeSender(), slog.Default())
	sup.Attach(newCh)

	// The superseded socket's read loop exits and detaches; its
	// replacement must survive that.
	assert.False(t, sup.Detach(oldCh))
	assert.Equal(t, 1, sup.Count())

	assert.True(t, sup.Detach(newCh))
	assert.Equal(t, 0, sup.Count())
}

func TestSupervisor_DetachPublishesClosed(t *testing.T) {
	sup := NewSupervisor(slog.Default())

	var events []Event
	sup.Subscribe(func(ev Event) { events = append(events, ev) })

	ch := NewChannel("alice", "alice-1000", newFakeSender(), slog.Default())
	sup.Attach(ch)
	sup.Detach(ch)

	require.Len(t, events, 1)
	assert.Equal(t, EventClosed, events[0].Kind)
	assert.Equal(t, ch.ConnID, events[0].Channel.ConnID)
}
