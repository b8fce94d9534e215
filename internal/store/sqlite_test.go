// ABOUTME: Tests for the SQLite node store
// ABOUTME: Covers upsert semantics, heartbeat touch, online listing order, sweep, and event history

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func testNode(identity, owner string, heartbeat time.Time) *Node {
	return &Node{
		Identity:        identity,
		OwnerID:         owner,
		DisplayName:     "Test Machine",
		NodeKind:        NodeKindLocal,
		Status:          StatusOnline,
		Capabilities:    map[string]bool{"claude": true},
		LastHeartbeatAt: heartbeat,
		ConnectedAt:     heartbeat,
		CreatedAt:       heartbeat,
		UpdatedAt:       heartbeat,
	}
}

func TestUpsertNode_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertNode(ctx, testNode("alice-1000", "alice", now)))

	got, err := s.GetNode(ctx, "alice-1000")
	require.NoError(t, err)
	assert.Equal(t, "alice-1000", got.Identity)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, StatusOnline, got.Status)
	assert.Equal(t, NodeKindLocal, got.NodeKind)
	assert.True(t, got.Capabilities["claude"])
}

func TestUpsertNode_DuplicateIdentityReplacesInPlace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertNode(ctx, testNode("alice-1000", "alice", t0)))

	// Re-register the same identity with fresh connection data.
	t1 := t0.Add(time.Minute)
	updated := testNode("alice-1000", "alice", t1)
	updated.Capabilities = map[string]bool{"claude": true, "shell": true}
	require.NoError(t, s.UpsertNode(ctx, updated))

	got, err := s.GetNode(ctx, "alice-1000")
	require.NoError(t, err)
	assert.Equal(t, t1, got.ConnectedAt.UTC())
	assert.True(t, got.Capabilities["shell"])

	// Still exactly one row for the owner.
	nodes, err := s.ListNodes(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestGetNode_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetNode(context.Background(), "nobody-1")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestTouchHeartbeat(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Second)

	node := testNode("alice-1000", "alice", t0)
	node.Status = StatusOffline
	require.NoError(t, s.UpsertNode(ctx, node))

	// A heartbeat flips the offline row back online.
	t1 := t0.Add(25 * time.Second)
	require.NoError(t, s.TouchHeartbeat(ctx, "alice-1000", t1))

	got, err := s.GetNode(ctx, "alice-1000")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)
	assert.Equal(t, t1, got.LastHeartbeatAt.UTC())
}

func TestTouchHeartbeat_UnknownIdentity(t *testing.T) {
	s := setupTestStore(t)

	err := s.TouchHeartbeat(context.Background(), "ghost-1", time.Now())
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestListOnline_OrderAndCutoff(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	// Three nodes with staggered heartbeats, one stale, one offline.
	require.NoError(t, s.UpsertNode(ctx, testNode("bob-10", "bob", base.Add(10*time.Second))))
	require.NoError(t, s.UpsertNode(ctx, testNode("bob-11", "bob", base.Add(30*time.Second))))
	require.NoError(t, s.UpsertNode(ctx, testNode("bob-12", "bob", base.Add(-5*time.Minute))))

	offline := testNode("bob-13", "bob", base.Add(20*time.Second))
	offline.Status = StatusOffline
	require.NoError(t, s.UpsertNode(ctx, offline))

	// A node owned by someone else never shows up.
	require.NoError(t, s.UpsertNode(ctx, testNode("carol-99", "carol", base.Add(time.Minute))))

	nodes, err := s.ListOnline(ctx, "bob", base)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	// Most recently heartbeated first.
	assert.Equal(t, "bob-11", nodes[0].Identity)
	assert.Equal(t, "bob-10", nodes[1].Identity)
}

func TestMarkOffline(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertNode(ctx, testNode("alice-1000", "alice", now)))
	require.NoError(t, s.MarkOffline(ctx, "alice-1000", now.Add(time.Second)))

	got, err := s.GetNode(ctx, "alice-1000")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, got.Status)

	assert.ErrorIs(t, s.MarkOffline(ctx, "ghost-1", now), ErrNodeNotFound)
}

func TestSweepStale(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertNode(ctx, testNode("alice-1000", "alice", base.Add(-2*time.Minute))))
	require.NoError(t, s.UpsertNode(ctx, testNode("alice-1001", "alice", base)))
	require.NoError(t, s.UpsertNode(ctx, testNode("bob-10", "bob", base.Add(-3*time.Minute))))

	swept, err := s.SweepStale(ctx, base.Add(-time.Minute), base)
	require.NoError(t, err)
	require.Len(t, swept, 2)

	identities := []string{swept[0].Identity, swept[1].Identity}
	assert.ElementsMatch(t, []string{"alice-1000", "bob-10"}, identities)

	// Swept rows are offline, the fresh one untouched.
	stale, err := s.GetNode(ctx, "alice-1000")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, stale.Status)

	fresh, err := s.GetNode(ctx, "alice-1001")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, fresh.Status)

	// A second sweep with nothing stale is a no-op.
	swept, err = s.SweepStale(ctx, base.Add(-time.Minute), base)
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestNodeEvents_History(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	events := []*NodeEvent{
		{ID: "e1", Identity: "alice-1000", OwnerID: "alice", Kind: EventRegistered, CreatedAt: base},
		{ID: "e2", Identity: "alice-1000", OwnerID: "alice", Kind: EventSuperseded, Detail: "reconnected", CreatedAt: base.Add(time.Second)},
		{ID: "e3", Identity: "alice-1000", OwnerID: "alice", Kind: EventOffline, CreatedAt: base.Add(2 * time.Second)},
		{ID: "e4", Identity: "bob-10", OwnerID: "bob", Kind: EventRegistered, CreatedAt: base},
	}
	for _, e := range events {
		require.NoError(t, s.SaveNodeEvent(ctx, e))
	}

	got, err := s.ListNodeEvents(ctx, "alice-1000", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first.
	assert.Equal(t, EventOffline, got[0].Kind)
	assert.Equal(t, EventSuperseded, got[1].Kind)
	assert.Equal(t, "reconnected", got[1].Detail)
	assert.Equal(t, EventRegistered, got[2].Kind)

	limited, err := s.ListNodeEvents(ctx, "alice-1000", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
