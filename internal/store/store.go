// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines the Node row, node lifecycle events, and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNodeNotFound is returned when a requested node row does not exist
var ErrNodeNotFound = errors.New("node not found")

// Node statuses
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// NodeKindLocal is the fixed kind tag for locally-running agents.
const NodeKindLocal = "local"

// Node event kinds, recorded in the node_events history table.
const (
	EventRegistered = "registered"
	EventSuperseded = "superseded"
	EventOffline    = "offline"
	EventSwept      = "swept"
	EventResumed    = "resumed"
)

// Node is one registered agent process. Rows are keyed by identity
// ("{host}-{pid}") and are never hard-deleted; a node that goes away is
// marked offline and retained as history.
type Node struct {
	Identity        string
	OwnerID         string
	DisplayName     string
	NodeKind        string
	Status          string
	Capabilities    map[string]bool
	LastHeartbeatAt time.Time
	ConnectedAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NodeEvent is one entry in a node's lifecycle history.
type NodeEvent struct {
	ID        string
	Identity  string
	OwnerID   string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// SweptNode identifies a row flipped offline by a staleness sweep.
type SweptNode struct {
	Identity string
	OwnerID  string
}

// Store defines the interface for node registry persistence.
// Implementations must apply each mutation as a single atomic statement
// (or transaction) so concurrent updates to one row serialize.
type Store interface {
	// UpsertNode creates or replaces the row for node.Identity, preserving
	// the original created_at on replace. Used by registration; never
	// errors on a duplicate identity.
	UpsertNode(ctx context.Context, node *Node) error

	// GetNode returns the row for identity, or ErrNodeNotFound.
	GetNode(ctx context.Context, identity string) (*Node, error)

	// TouchHeartbeat sets last_heartbeat_at to at and flips the row back
	// online if it was offline. Returns ErrNodeNotFound for unknown rows.
	TouchHeartbeat(ctx context.Context, identity string, at time.Time) error

	// ListOnline returns the owner's nodes with status online and a
	// heartbeat at or after cutoff, most recently heartbeated first.
	ListOnline(ctx context.Context, ownerID string, cutoff time.Time) ([]*Node, error)

	// ListNodes returns all of the owner's rows, online or not.
	ListNodes(ctx context.Context, ownerID string) ([]*Node, error)

	// MarkOffline flips a row to offline. Returns ErrNodeNotFound for
	// unknown rows.
	MarkOffline(ctx context.Context, identity string, at time.Time) error

	// SweepStale flips every online row whose last heartbeat is before
	// cutoff to offline and returns the affected rows.
	SweepStale(ctx context.Context, cutoff time.Time, at time.Time) ([]SweptNode, error)

	// SaveNodeEvent appends a lifecycle event to the node history.
	SaveNodeEvent(ctx context.Context, event *NodeEvent) error

	// ListNodeEvents returns the most recent events for identity, newest
	// first, up to limit.
	ListNodeEvents(ctx context.Context, identity string, limit int) ([]*NodeEvent, error)

	// Close releases any resources held by the store
	Close() error
}
