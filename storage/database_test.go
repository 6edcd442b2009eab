package storage

import (
	"path/filepath"
	"testing"
)

func TestOpenPreparesSchema(t *testing.T) {
	dir := t.TempDir()
	store, dbPath, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if want := filepath.Join(dir, "graph.db"); dbPath != want {
		t.Fatalf("db path = %q, want %q", dbPath, want)
	}

	var version int
	var mode string
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if version != len(migrations) || mode != "wal" {
		t.Fatalf("version=%d mode=%q, want version=%d mode=wal", version, mode, len(migrations))
	}

	objects := map[string]string{
		"graph_nodes":                 "table",
		"seen_update_ids":             "table",
		"relay_peers":                 "table",
		"idx_graph_nodes_parent":      "index",
		"idx_graph_nodes_state":       "index",
		"idx_seen_update_received_at": "index",
	}
	for name, kind := range objects {
		var got string
		if err := store.db.QueryRow("SELECT type FROM sqlite_master WHERE name = ?", name).Scan(&got); err != nil {
			t.Fatalf("%s %q missing: %v", kind, name, err)
		}
		if got != kind {
			t.Fatalf("%q is a %s, want %s", name, got, kind)
		}
	}
}

func TestReopenKeepsGraph(t *testing.T) {
	dir := t.TempDir()
	first, _, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustPutNode(t, first, "chats/a", `{"id":"a"}`, 1)
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	second, _, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	node, err := second.GetNode("chats/a")
	if err != nil {
		t.Fatalf("GetNode after reopen: %v", err)
	}
	if string(node.Value) != `{"id":"a"}` || node.State != 1 {
		t.Fatalf("node after reopen = %+v", node)
	}
}
