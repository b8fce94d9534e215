// ABOUTME: Node registry tracking registered agents and their online/offline liveness.
// ABOUTME: Wraps the store with upsert registration, heartbeat refresh, and the staleness sweep.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/store"
)

// ErrUnknownIdentity indicates a heartbeat for a row the registry no
// longer has. The agent recovers by re-registering.
var ErrUnknownIdentity = errors.New("unknown identity")

// Registry is the single source of truth for node online/offline status.
// It is constructed once at service start and injected into everything
// that needs liveness answers; callers must not cache its reads beyond
// one operation.
type Registry struct {
	store   store.Store
	timeout time.Duration
	logger  *slog.Logger

	// now is injectable for tests.
	now func() time.Time

	// mu serializes register and offline transitions so two concurrent
	// registrations of one identity resolve to some total order.
	mu sync.Mutex
}

// New creates a Registry over the given store. timeout is the liveness
// window: a node whose last heartbeat is older than timeout is not
// online, whatever its row says.
func New(s store.Store, timeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		store:   s,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Timeout returns the liveness window.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Register creates or refreshes the row for identity. Duplicate
// identities never error: a second registration is a reconnection and
// replaces the row's connection data in place.
func (r *Registry) Register(ctx context.Context, ownerID, identity, displayName string, capabilities map[string]bool) (*store.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()

	createdAt := now
	reconnect := false
	if existing, err := r.store.GetNode(ctx, identity); err == nil {
		createdAt = existing.CreatedAt
		reconnect = true
	} else if !errors.Is(err, store.ErrNodeNotFound) {
		return nil, fmt.Errorf("checking existing node: %w", err)
	}

	node := &store.Node{
		Identity:        identity,
		OwnerID:         ownerID,
		DisplayName:     displayName,
		NodeKind:        store.NodeKindLocal,
		Status:          store.StatusOnline,
		Capabilities:    capabilities,
		LastHeartbeatAt: now,
		ConnectedAt:     now,
		CreatedAt:       createdAt,
		UpdatedAt:       now,
	}

	if err := r.store.UpsertNode(ctx, node); err != nil {
		return nil, err
	}

	detail := ""
	if reconnect {
		detail = "reconnected"
	}
	r.recordEvent(ctx, identity, ownerID, store.EventRegistered, detail)

	r.logger.Info("node registered",
		"identity", identity,
		"owner_id", ownerID,
		"display_name", displayName,
		"reconnect", reconnect,
	)
	return node, nil
}

// Heartbeat refreshes the liveness window for identity, flipping an
// offline row back online. Unknown identities return ErrUnknownIdentity
// so the agent can re-register; the registry itself treats this as
// routine, not fatal.
func (r *Registry) Heartbeat(ctx context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()

	existing, err := r.store.GetNode(ctx, identity)
	if errors.Is(err, store.ErrNodeNotFound) {
		r.logger.Warn("heartbeat for unknown identity", "identity", identity)
		return ErrUnknownIdentity
	}
	if err != nil {
		return err
	}

	if err := r.store.TouchHeartbeat(ctx, identity, now); err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			return ErrUnknownIdentity
		}
		return err
	}

	if existing.Status == store.StatusOffline {
		r.recordEvent(ctx, identity, existing.OwnerID, store.EventResumed, "")
		r.logger.Info("node resumed via heartbeat", "identity", identity)
	}
	return nil
}

// ListOnline returns the owner's live nodes, most recently heartbeated
// first. That ordering is the deterministic tie-break used by default
// routing.
func (r *Registry) ListOnline(ctx context.Context, ownerID string) ([]*store.Node, error) {
	cutoff := r.now().UTC().Add(-r.timeout)
	return r.store.ListOnline(ctx, ownerID, cutoff)
}

// ListNodes returns every row for the owner, offline history included.
func (r *Registry) ListNodes(ctx context.Context, ownerID string) ([]*store.Node, error) {
	return r.store.ListNodes(ctx, ownerID)
}

// GetNode returns one row by identity.
func (r *Registry) GetNode(ctx context.Context, identity string) (*store.Node, error) {
	return r.store.GetNode(ctx, identity)
}

// IsOnline reports whether identity has an online row with a fresh
// heartbeat.
func (r *Registry) IsOnline(ctx context.Context, identity string) (bool, error) {
	node, err := r.store.GetNode(ctx, identity)
	if errors.Is(err, store.ErrNodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if node.Status != store.StatusOnline {
		return false, nil
	}
	cutoff := r.now().UTC().Add(-r.timeout)
	return !node.LastHeartbeatAt.Before(cutoff), nil
}

// MarkOffline flips identity to offline; the graceful-shutdown path.
func (r *Registry) MarkOffline(ctx context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()

	node, err := r.store.GetNode(ctx, identity)
	if errors.Is(err, store.ErrNodeNotFound) {
		return ErrUnknownIdentity
	}
	if err != nil {
		return err
	}

	if err := r.store.MarkOffline(ctx, identity, now); err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			return ErrUnknownIdentity
		}
		return err
	}

	r.recordEvent(ctx, identity, node.OwnerID, store.EventOffline, "")
	r.logger.Info("node marked offline", "identity", identity)
	return nil
}

// SweepStale marks every node whose heartbeat is older than the liveness
// window as offline. This is the only path that detects ungraceful
// disconnects (crash, network partition).
func (r *Registry) SweepStale(ctx context.Context) ([]store.SweptNode, error) {
	now := r.now().UTC()
	cutoff := now.Add(-r.timeout)

	swept, err := r.store.SweepStale(ctx, cutoff, now)
	if err != nil {
		return nil, err
	}

	for _, sn := range swept {
		r.recordEvent(ctx, sn.Identity, sn.OwnerID, store.EventSwept, "")
		r.logger.Info("node swept offline",
			"identity", sn.Identity,
			"owner_id", sn.OwnerID,
			"timeout", r.timeout,
		)
	}
	return swept, nil
}

// NodeEvents returns the newest lifecycle events for identity.
func (r *Registry) NodeEvents(ctx context.Context, identity string, limit int) ([]*store.NodeEvent, error) {
	return r.store.ListNodeEvents(ctx, identity, limit)
}

// RecordSuperseded appends a superseded event to a node's history. The
// connection supervisor calls this when a reconnection replaces a live
// channel.
func (r *Registry) RecordSuperseded(ctx context.Context, identity, ownerID string) {
	r.recordEvent(ctx, identity, ownerID, store.EventSuperseded, "connection replaced")
}

// recordEvent writes history best-effort: a failed audit write is logged,
// never allowed to fail the registry operation it trails.
func (r *Registry) recordEvent(ctx context.Context, identity, ownerID, kind, detail string) {
	event := &store.NodeEvent{
		ID:        uuid.New().String(),
		Identity:  identity,
		OwnerID:   ownerID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.SaveNodeEvent(ctx, event); err != nil {
		r.logger.Error("saving node event", "error", err, "identity", identity, "kind", kind)
	}
}

// SetClock overrides the registry's time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}
