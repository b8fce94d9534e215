// ABOUTME: Routes requests to one agent's channel and correlates the eventual response.
// ABOUTME: Guarantees at-most-one waiter per correlation id and cancel-on-teardown semantics.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/wire"
)

// Router errors
var (
	// ErrNodeNotOnline means the target node is offline, unknown, or has
	// no live channel. Surfaced to the caller, never retried here.
	ErrNodeNotOnline = errors.New("node not online")

	// ErrCancelled means the channel carrying an in-flight request was
	// torn down before the response arrived. Distinct from ErrTimeout so
	// callers can tell "we don't know" from "the channel died mid-flight".
	ErrCancelled = errors.New("request cancelled: channel torn down")

	// ErrTimeout means no response arrived within the caller's deadline.
	// The core never retries: a retry could double-execute the task.
	ErrTimeout = errors.New("request timed out")

	// ErrDuplicateCorrelation means a request with the same correlation
	// id is already in flight.
	ErrDuplicateCorrelation = errors.New("correlation id already in flight")
)

// outcome is what a waiter resolves to.
type outcome struct {
	resp *wire.Response
	err  error
}

// waiter is one registered response-waiter, pinned to the channel
// generation the request was written to.
type waiter struct {
	connID string
	ch     chan outcome
}

// Router delivers requests over agents' dedicated channels. Target
// selection consults the registry on every call; online status is never
// cached across operations.
type Router struct {
	registry   *registry.Registry
	supervisor *Supervisor
	logger     *slog.Logger

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewRouter creates a Router and subscribes it to the supervisor's
// channel events so teardown cancels in-flight requests synchronously.
func NewRouter(reg *registry.Registry, sup *Supervisor, logger *slog.Logger) *Router {
	r := &Router{
		registry:   reg,
		supervisor: sup,
		logger:     logger,
		waiters:    make(map[string]*waiter),
	}
	sup.Subscribe(r.onChannelEvent)
	return r
}

// Dispatch sends req to one of ownerID's agents and blocks until the
// response arrives, the context expires, or the channel is torn down.
//
// With an explicit targetIdentity the request goes to exactly that node
// or fails fast with ErrNodeNotOnline. With an empty target the router
// picks the most recently heartbeated online node; among nodes with
// close heartbeats this choice is effectively arbitrary and may change,
// so callers that need a specific machine must pass an explicit identity.
//
// If req.ID is empty a correlation id is generated. At most one request
// per correlation id may be in flight at a time.
func (r *Router) Dispatch(ctx context.Context, ownerID, targetIdentity string, req *wire.Request) (*wire.Response, error) {
	ch, err := r.selectChannel(ctx, ownerID, targetIdentity)
	if err != nil {
		return nil, err
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	w, err := r.addWaiter(req.ID, ch.ConnID)
	if err != nil {
		return nil, err
	}
	defer r.removeWaiter(req.ID)

	if err := ch.Send(&wire.Envelope{Type: wire.TypeRequest, Request: req}); err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", ch.Name, err)
	}

	r.logger.Debug("request dispatched",
		"channel", ch.Name,
		"correlation_id", req.ID,
		"method", req.Method,
		"path", req.Path,
	)

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case out := <-w.ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.resp, nil
	}
}

// selectChannel resolves the target channel, consulting the registry
// for liveness on every call.
func (r *Router) selectChannel(ctx context.Context, ownerID, targetIdentity string) (*Channel, error) {
	if targetIdentity != "" {
		online, err := r.registry.IsOnline(ctx, targetIdentity)
		if err != nil {
			return nil, err
		}
		ch, ok := r.supervisor.Get(ownerID, targetIdentity)
		if !online || !ok {
			return nil, ErrNodeNotOnline
		}
		return ch, nil
	}

	nodes, err := r.registry.ListOnline(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if ch, ok := r.supervisor.Get(ownerID, node.Identity); ok {
			return ch, nil
		}
	}
	return nil, ErrNodeNotOnline
}

// HandleResponse resolves the waiter for resp.ID, if the response came
// from the channel generation the request was sent on. Responses from
// superseded connections or for unknown correlation ids are dropped.
func (r *Router) HandleResponse(connID string, resp *wire.Response) bool {
	r.mu.Lock()
	w, ok := r.waiters[resp.ID]
	if !ok || w.connID != connID {
		r.mu.Unlock()
		r.logger.Warn("response for unknown or superseded request",
			"correlation_id", resp.ID,
			"conn_id", connID,
		)
		return false
	}
	delete(r.waiters, resp.ID)
	r.mu.Unlock()

	w.ch <- outcome{resp: resp}
	return true
}

// PendingCount returns the number of registered response-waiters.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// onChannelEvent cancels every waiter pinned to a torn-down channel.
// Runs synchronously inside Supervisor.Attach/Detach.
func (r *Router) onChannelEvent(ev Event) {
	if ev.Kind != EventSuperseded && ev.Kind != EventClosed {
		return
	}

	r.mu.Lock()
	var cancelled []*waiter
	for id, w := range r.waiters {
		if w.connID == ev.Channel.ConnID {
			cancelled = append(cancelled, w)
			delete(r.waiters, id)
		}
	}
	r.mu.Unlock()

	for _, w := range cancelled {
		w.ch <- outcome{err: ErrCancelled}
	}

	if len(cancelled) > 0 {
		r.logger.Info("cancelled in-flight requests on channel teardown",
			"channel", ev.Channel.Name,
			"count", len(cancelled),
		)
	}
}

func (r *Router) addWaiter(correlationID, connID string) (*waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.waiters[correlationID]; exists {
		return nil, ErrDuplicateCorrelation
	}

	// Buffered so resolution never blocks on a caller that already gave up.
	w := &waiter{connID: connID, ch: make(chan outcome, 1)}
	r.waiters[correlationID] = w
	return w, nil
}

func (r *Router) removeWaiter(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, correlationID)
}
