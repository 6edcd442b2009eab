package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Relay peer statuses. A blocked peer stays blocked across reconnects.
const (
	PeerStatusOnline  = "online"
	PeerStatusOffline = "offline"
	PeerStatusBlocked = "blocked"
)

// Node is one path of the replicated graph as persisted locally.
// Value holds raw JSON; a tombstoned node has Deleted set and a nil Value.
type Node struct {
	Path    string
	Parent  string
	Key     string
	Value   []byte
	State   int64
	Origin  string
	Deleted bool
}

// RelayPeer is a node we have replicated with.
type RelayPeer struct {
	PeerID            string
	IdentityKey       string
	KeyFingerprint    string
	Status            string
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	// LastKnownAddress is only set for peers reached by dialing out.
	LastKnownAddress *string
	LastSyncedState  int64
}

func checkPeerStatus(status string) error {
	switch status {
	case PeerStatusOnline, PeerStatusOffline, PeerStatusBlocked:
		return nil
	}
	return fmt.Errorf("invalid peer status %q", status)
}

// nullable maps a nil pointer to SQL NULL.
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull[T any](v sql.Null[T]) *T {
	if !v.Valid {
		return nil
	}
	out := v.V
	return &out
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
