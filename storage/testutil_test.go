package storage

import (
	"path/filepath"
	"testing"
)

// newTestStore opens a throwaway database with background maintenance disabled.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustPutNode(t *testing.T, store *Store, path, value string, state int64) bool {
	t.Helper()

	applied, err := store.PutNode(Node{Path: path, Value: []byte(value), State: state, Origin: "test"})
	if err != nil {
		t.Fatalf("put node %q: %v", path, err)
	}
	return applied
}
