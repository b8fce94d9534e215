// ABOUTME: HTTP API for dispatching requests to agents and listing nodes
// ABOUTME: Maps routing outcomes onto distinct statuses callers can branch on

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/wire"
)

// dispatchRequest is the POST /api/dispatch body. Target is optional:
// empty means "any online node of mine", which picks the most recently
// heartbeated one.
type dispatchRequest struct {
	Target         string            `json:"target,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           json.RawMessage   `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// dispatchResult reports the routing outcome. Status is one of
// "routed", "node_not_online", "timeout", or "cancelled" -- timeout and
// cancelled stay distinct so callers know whether the request may still
// be executing.
type dispatchResult struct {
	Status   string         `json:"status"`
	Error    string         `json:"error,omitempty"`
	Response *wire.Response `json:"response,omitempty"`
}

// nodeView is one row of GET /api/nodes.
type nodeView struct {
	Identity        string          `json:"identity"`
	DisplayName     string          `json:"display_name"`
	Status          string          `json:"status"`
	Online          bool            `json:"online"`
	Channel         string          `json:"channel"`
	Capabilities    map[string]bool `json:"capabilities,omitempty"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
	ConnectedAt     time.Time       `json:"connected_at"`
}

func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	ownerID, _ := auth.OwnerFromContext(r.Context())

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Method == "" || req.Path == "" {
		http.Error(w, `{"error":"method and path required"}`, http.StatusBadRequest)
		return
	}

	timeout := DefaultDispatchTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, err := g.router.Dispatch(ctx, ownerID, req.Target, &wire.Request{
		ID:      req.CorrelationID,
		Method:  req.Method,
		Path:    req.Path,
		Headers: req.Headers,
		Body:    req.Body,
	})

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, dispatchResult{Status: "routed", Response: resp})
	case errors.Is(err, relay.ErrNodeNotOnline):
		writeJSON(w, http.StatusNotFound, dispatchResult{Status: "node_not_online", Error: err.Error()})
	case errors.Is(err, relay.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, dispatchResult{Status: "timeout", Error: err.Error()})
	case errors.Is(err, relay.ErrCancelled):
		writeJSON(w, http.StatusBadGateway, dispatchResult{Status: "cancelled", Error: err.Error()})
	case errors.Is(err, relay.ErrDuplicateCorrelation):
		writeJSON(w, http.StatusConflict, dispatchResult{Status: "duplicate", Error: err.Error()})
	default:
		g.logger.Error("dispatch failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, dispatchResult{Status: "error", Error: "internal error"})
	}
}

func (g *Gateway) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	ownerID, _ := auth.OwnerFromContext(r.Context())

	nodes, err := g.registry.ListNodes(r.Context(), ownerID)
	if err != nil {
		g.logger.Error("listing nodes failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, nodeView{
			Identity:        n.Identity,
			DisplayName:     n.DisplayName,
			Status:          string(n.Status),
			Online:          n.Status == store.StatusOnline && time.Since(n.LastHeartbeatAt) <= g.registry.Timeout(),
			Channel:         wire.ChannelName(n.OwnerID, n.Identity),
			Capabilities:    n.Capabilities,
			LastHeartbeatAt: n.LastHeartbeatAt,
			ConnectedAt:     n.ConnectedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"nodes": views})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
