// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides compute node persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS compute_nodes (
			identity          TEXT PRIMARY KEY,
			owner_id          TEXT NOT NULL,
			display_name      TEXT NOT NULL,
			node_kind         TEXT NOT NULL DEFAULT 'local',
			status            TEXT NOT NULL,
			capabilities      TEXT NOT NULL DEFAULT '{}',
			last_heartbeat_at DATETIME NOT NULL,
			connected_at      DATETIME NOT NULL,
			created_at        DATETIME NOT NULL,
			updated_at        DATETIME NOT NULL,

			CHECK (status IN ('online', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_nodes_owner_status
			ON compute_nodes(owner_id, status);

		CREATE INDEX IF NOT EXISTS idx_nodes_heartbeat
			ON compute_nodes(last_heartbeat_at);

		CREATE TABLE IF NOT EXISTS node_events (
			event_id   TEXT PRIMARY KEY,
			identity   TEXT NOT NULL,
			owner_id   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			detail     TEXT,
			created_at DATETIME NOT NULL,

			CHECK (kind IN ('registered', 'superseded', 'offline', 'swept', 'resumed'))
		);

		CREATE INDEX IF NOT EXISTS idx_node_events_identity
			ON node_events(identity, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// UpsertNode creates or replaces the row for node.Identity.
// created_at is preserved when the row already exists; everything else
// is refreshed from the incoming node.
func (s *SQLiteStore) UpsertNode(ctx context.Context, node *Node) error {
	caps, err := marshalCapabilities(node.Capabilities)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compute_nodes (
			identity, owner_id, display_name, node_kind, status,
			capabilities, last_heartbeat_at, connected_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			owner_id          = excluded.owner_id,
			display_name      = excluded.display_name,
			node_kind         = excluded.node_kind,
			status            = excluded.status,
			capabilities      = excluded.capabilities,
			last_heartbeat_at = excluded.last_heartbeat_at,
			connected_at      = excluded.connected_at,
			updated_at        = excluded.updated_at`,
		node.Identity, node.OwnerID, node.DisplayName, node.NodeKind, node.Status,
		caps, node.LastHeartbeatAt.UTC(), node.ConnectedAt.UTC(),
		node.CreatedAt.UTC(), node.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting node %s: %w", node.Identity, err)
	}
	return nil
}

// GetNode returns the row for identity, or ErrNodeNotFound.
func (s *SQLiteStore) GetNode(ctx context.Context, identity string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identity, owner_id, display_name, node_kind, status,
		       capabilities, last_heartbeat_at, connected_at, created_at, updated_at
		FROM compute_nodes
		WHERE identity = ?`, identity)

	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting node %s: %w", identity, err)
	}
	return node, nil
}

// TouchHeartbeat refreshes last_heartbeat_at and flips offline rows back online.
func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, identity string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE compute_nodes
		SET last_heartbeat_at = ?, status = ?, updated_at = ?
		WHERE identity = ?`,
		at.UTC(), StatusOnline, at.UTC(), identity)
	if err != nil {
		return fmt.Errorf("touching heartbeat for %s: %w", identity, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touching heartbeat for %s: %w", identity, err)
	}
	if n == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// ListOnline returns the owner's live nodes ordered by most recent heartbeat.
func (s *SQLiteStore) ListOnline(ctx context.Context, ownerID string, cutoff time.Time) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, owner_id, display_name, node_kind, status,
		       capabilities, last_heartbeat_at, connected_at, created_at, updated_at
		FROM compute_nodes
		WHERE owner_id = ? AND status = ? AND last_heartbeat_at >= ?
		ORDER BY last_heartbeat_at DESC, identity`,
		ownerID, StatusOnline, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing online nodes for %s: %w", ownerID, err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// ListNodes returns all of the owner's rows, online or offline.
func (s *SQLiteStore) ListNodes(ctx context.Context, ownerID string) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, owner_id, display_name, node_kind, status,
		       capabilities, last_heartbeat_at, connected_at, created_at, updated_at
		FROM compute_nodes
		WHERE owner_id = ?
		ORDER BY last_heartbeat_at DESC, identity`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing nodes for %s: %w", ownerID, err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// MarkOffline flips one row to offline.
func (s *SQLiteStore) MarkOffline(ctx context.Context, identity string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE compute_nodes
		SET status = ?, updated_at = ?
		WHERE identity = ?`,
		StatusOffline, at.UTC(), identity)
	if err != nil {
		return fmt.Errorf("marking %s offline: %w", identity, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking %s offline: %w", identity, err)
	}
	if n == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// SweepStale flips online rows with heartbeats older than cutoff to
// offline, returning the affected identities. Runs in a transaction so
// the select and update observe the same rows.
func (s *SQLiteStore) SweepStale(ctx context.Context, cutoff time.Time, at time.Time) ([]SweptNode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT identity, owner_id FROM compute_nodes
		WHERE status = ? AND last_heartbeat_at < ?`,
		StatusOnline, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("selecting stale nodes: %w", err)
	}

	var swept []SweptNode
	for rows.Next() {
		var sn SweptNode
		if err := rows.Scan(&sn.Identity, &sn.OwnerID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning stale node: %w", err)
		}
		swept = append(swept, sn)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating stale nodes: %w", err)
	}
	rows.Close()

	if len(swept) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE compute_nodes
		SET status = ?, updated_at = ?
		WHERE status = ? AND last_heartbeat_at < ?`,
		StatusOffline, at.UTC(), StatusOnline, cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("sweeping stale nodes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing sweep: %w", err)
	}
	return swept, nil
}

// SaveNodeEvent appends one lifecycle event.
func (s *SQLiteStore) SaveNodeEvent(ctx context.Context, event *NodeEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_events (event_id, identity, owner_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Identity, event.OwnerID, event.Kind, event.Detail, event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving node event: %w", err)
	}
	return nil
}

// ListNodeEvents returns the newest events for identity, up to limit.
func (s *SQLiteStore) ListNodeEvents(ctx context.Context, identity string, limit int) ([]*NodeEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, identity, owner_id, kind, detail, created_at
		FROM node_events
		WHERE identity = ?
		ORDER BY created_at DESC
		LIMIT ?`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("listing node events for %s: %w", identity, err)
	}
	defer rows.Close()

	var events []*NodeEvent
	for rows.Next() {
		var e NodeEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Identity, &e.OwnerID, &e.Kind, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning node event: %w", err)
		}
		e.Detail = detail.String
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node events: %w", err)
	}
	return events, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanNode(sc scanner) (*Node, error) {
	var n Node
	var caps string
	if err := sc.Scan(
		&n.Identity, &n.OwnerID, &n.DisplayName, &n.NodeKind, &n.Status,
		&caps, &n.LastHeartbeatAt, &n.ConnectedAt, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}

	capabilities, err := unmarshalCapabilities(caps)
	if err != nil {
		return nil, err
	}
	n.Capabilities = capabilities
	return &n, nil
}

func collectNodes(rows *sql.Rows) ([]*Node, error) {
	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

func marshalCapabilities(caps map[string]bool) (string, error) {
	if caps == nil {
		return "{}", nil
	}
	data, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("marshaling capabilities: %w", err)
	}
	return string(data), nil
}

func unmarshalCapabilities(raw string) (map[string]bool, error) {
	if raw == "" {
		return map[string]bool{}, nil
	}
	var caps map[string]bool
	if err := json.Unmarshal([]byte(raw), &caps); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
	}
	return caps, nil
}
