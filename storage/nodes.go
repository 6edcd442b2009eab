package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type scanner interface {
	Scan(dest ...any) error
}

// SplitPath returns the parent path and the last key of a slash-separated graph path.
func SplitPath(path string) (parent, key string) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// PutNode merges one node using last-writer-wins on (state, value).
// It reports whether the incoming write replaced the stored one; a stale
// or identical write leaves the row untouched and returns false.
func (s *Store) PutNode(node Node) (bool, error) {
	if node.Path == "" {
		return false, errors.New("path is required")
	}
	if node.State <= 0 {
		return false, errors.New("state must be > 0")
	}
	node.Parent, node.Key = SplitPath(node.Path)
	if node.Key == "" {
		return false, fmt.Errorf("invalid path %q", node.Path)
	}

	var value sql.NullString
	if !node.Deleted {
		if len(node.Value) == 0 {
			return false, errors.New("value is required for live nodes")
		}
		value = sql.NullString{String: string(node.Value), Valid: true}
	}

	res, err := s.db.Exec(
		`INSERT INTO graph_nodes (path, parent, key, value, state, origin, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			value = excluded.value,
			state = excluded.state,
			origin = excluded.origin,
			deleted = excluded.deleted
		WHERE excluded.state > graph_nodes.state
		   OR (excluded.state = graph_nodes.state
		       AND COALESCE(excluded.value, '') > COALESCE(graph_nodes.value, ''))`,
		node.Path,
		node.Parent,
		node.Key,
		value,
		node.State,
		node.Origin,
		node.Deleted,
	)
	if err != nil {
		return false, fmt.Errorf("put node %q: %w", node.Path, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for put node %q: %w", node.Path, err)
	}

	return rowsAffected > 0, nil
}

// GetNode returns the stored node at path, including tombstones.
func (s *Store) GetNode(path string) (*Node, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}

	row := s.db.QueryRow(
		`SELECT path, parent, key, value, state, origin, deleted
		FROM graph_nodes
		WHERE path = ?`,
		path,
	)

	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get node %q: %w", path, err)
	}

	return node, nil
}

// ListChildren returns the live direct children of parent ordered by key.
func (s *Store) ListChildren(parent string) ([]Node, error) {
	if parent == "" {
		return nil, errors.New("parent is required")
	}

	rows, err := s.db.Query(
		`SELECT path, parent, key, value, state, origin, deleted
		FROM graph_nodes
		WHERE parent = ? AND deleted = 0
		ORDER BY key`,
		parent,
	)
	if err != nil {
		return nil, fmt.Errorf("list children of %q: %w", parent, err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// NodesSince returns every node (tombstones included) after the position
// (since, afterPath) in (state, path) order. An empty afterPath starts after
// every node of state since. limit <= 0 means no limit.
func (s *Store) NodesSince(since int64, afterPath string, limit int) ([]Node, error) {
	if since < 0 {
		return nil, errors.New("since must be >= 0")
	}
	if limit <= 0 {
		limit = -1
	}

	var (
		rows *sql.Rows
		err  error
	)
	if afterPath == "" {
		rows, err = s.db.Query(
			`SELECT path, parent, key, value, state, origin, deleted
			FROM graph_nodes
			WHERE state > ?
			ORDER BY state, path
			LIMIT ?`,
			since, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT path, parent, key, value, state, origin, deleted
			FROM graph_nodes
			WHERE state > ? OR (state = ? AND path > ?)
			ORDER BY state, path
			LIMIT ?`,
			since, since, afterPath, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list nodes since %d/%q: %w", since, afterPath, err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// MaxState returns the highest stored state, or 0 for an empty graph.
func (s *Store) MaxState() (int64, error) {
	var state sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(state) FROM graph_nodes`).Scan(&state); err != nil {
		return 0, fmt.Errorf("read max node state: %w", err)
	}
	return state.Int64, nil
}

func collectNodes(rows *sql.Rows) ([]Node, error) {
	nodes := make([]Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		nodes = append(nodes, *node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node rows: %w", err)
	}
	return nodes, nil
}

func scanNode(row scanner) (*Node, error) {
	var (
		node    Node
		value   sql.NullString
		deleted int
	)

	if err := row.Scan(
		&node.Path,
		&node.Parent,
		&node.Key,
		&value,
		&node.State,
		&node.Origin,
		&deleted,
	); err != nil {
		return nil, err
	}

	if value.Valid {
		node.Value = []byte(value.String)
	}
	node.Deleted = deleted == 1

	return &node, nil
}
