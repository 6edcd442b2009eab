package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "graph.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSeenUpdateRetention bounds how long relayed update ids are remembered.
	DefaultSeenUpdateRetention = 7 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS graph_nodes (
  path    TEXT PRIMARY KEY,
  parent  TEXT NOT NULL,
  key     TEXT NOT NULL,
  value   TEXT,
  state   INTEGER NOT NULL,
  origin  TEXT NOT NULL DEFAULT '',
  deleted INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_graph_nodes_parent
ON graph_nodes (parent, deleted, key);
`,
	`
CREATE INDEX IF NOT EXISTS idx_graph_nodes_state
ON graph_nodes (state, path);
`,
	`
CREATE TABLE IF NOT EXISTS seen_update_ids (
  update_id   TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_update_received_at
ON seen_update_ids (received_at);
`,
	`
CREATE TABLE IF NOT EXISTS relay_peers (
  peer_id             TEXT PRIMARY KEY,
  identity_key        TEXT NOT NULL,
  key_fingerprint     TEXT NOT NULL,
  status              TEXT CHECK(status IN ('online','offline','blocked')) DEFAULT 'offline',
  added_timestamp     INTEGER NOT NULL,
  last_seen_timestamp INTEGER,
  last_known_address  TEXT,
  last_synced_state   INTEGER NOT NULL DEFAULT 0
);
`,
}

// Store holds the replicated graph, relay peer records and the seen-update
// ledger in one SQLite database.
type Store struct {
	db *sql.DB

	maintainEvery time.Duration
	seenRetention time.Duration
	stop          chan struct{}
	done          sync.WaitGroup
	closeOnce     sync.Once
}

// Open opens (or creates) graph.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, switches it to WAL and migrates
// the schema to the latest version.
func OpenPath(dbPath string) (*Store, error) {
	dsn := "file:" + filepath.ToSlash(dbPath) + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	store := &Store{
		db:            db,
		maintainEvery: DefaultWALCheckpointInterval,
		seenRetention: DefaultSeenUpdateRetention,
		stop:          make(chan struct{}),
	}
	if err := store.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.done.Add(1)
	go store.maintain()
	return store, nil
}

func (s *Store) prepare() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for ; version < len(migrations); version++ {
		if err := s.migrate(version); err != nil {
			return err
		}
	}
	return s.checkpoint()
}

// migrate applies migrations[step] and bumps user_version in one transaction.
func (s *Store) migrate(step int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: %w", step+1, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migrations[step]); err != nil {
		return fmt.Errorf("migration %d: %w", step+1, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", step+1)); err != nil {
		return fmt.Errorf("migration %d: set version: %w", step+1, err)
	}
	return tx.Commit()
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("checkpoint wal: %w", err)
	}
	return nil
}

// maintain truncates the WAL and prunes old seen-update ids until Close.
func (s *Store) maintain() {
	defer s.done.Done()
	if s.maintainEvery <= 0 {
		<-s.stop
		return
	}
	ticker := time.NewTicker(s.maintainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			_ = s.checkpoint()
			if s.seenRetention > 0 {
				_, _ = s.PruneSeenUpdates(now.Add(-s.seenRetention))
			}
		}
	}
}

// Close stops background maintenance and closes the database. It is safe to call twice.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.done.Wait()
		err = s.db.Close()
	})
	return err
}
