package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const relayPeerColumns = `peer_id, identity_key, key_fingerprint, status,
	added_timestamp, last_seen_timestamp, last_known_address, last_synced_state`

// UpsertRelayPeer inserts a relay peer or refreshes its identity key, status
// and address. A blocked peer keeps its status, and the sync cursor is
// never touched by an upsert.
func (s *Store) UpsertRelayPeer(peer RelayPeer) error {
	switch {
	case peer.PeerID == "":
		return errors.New("peer_id is required")
	case peer.IdentityKey == "":
		return errors.New("identity_key is required")
	case peer.KeyFingerprint == "":
		return errors.New("key_fingerprint is required")
	}
	if peer.Status == "" {
		peer.Status = PeerStatusOffline
	}
	if err := checkPeerStatus(peer.Status); err != nil {
		return err
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(`INSERT INTO relay_peers (`+relayPeerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			identity_key = excluded.identity_key,
			key_fingerprint = excluded.key_fingerprint,
			status = CASE WHEN relay_peers.status = 'blocked' THEN 'blocked' ELSE excluded.status END,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, relay_peers.last_seen_timestamp),
			last_known_address = COALESCE(excluded.last_known_address, relay_peers.last_known_address)`,
		peer.PeerID, peer.IdentityKey, peer.KeyFingerprint, peer.Status, peer.AddedTimestamp,
		nullable(peer.LastSeenTimestamp), nullable(peer.LastKnownAddress), peer.LastSyncedState,
	)
	if err != nil {
		return fmt.Errorf("upsert relay peer %q: %w", peer.PeerID, err)
	}
	return nil
}

// GetRelayPeer fetches a relay peer by peer ID.
func (s *Store) GetRelayPeer(peerID string) (*RelayPeer, error) {
	peer, err := scanRelayPeer(s.db.QueryRow(`SELECT `+relayPeerColumns+` FROM relay_peers WHERE peer_id = ?`, peerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get relay peer %q: %w", peerID, err)
	}
	return peer, nil
}

// ListRelayPeers returns all relay peers sorted by peer ID.
func (s *Store) ListRelayPeers() ([]RelayPeer, error) {
	rows, err := s.db.Query(`SELECT ` + relayPeerColumns + ` FROM relay_peers ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("list relay peers: %w", err)
	}
	defer rows.Close()

	var peers []RelayPeer
	for rows.Next() {
		peer, err := scanRelayPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("list relay peers: %w", err)
		}
		peers = append(peers, *peer)
	}
	return peers, rows.Err()
}

// UpdateRelayPeerStatus sets status, and the last seen time when lastSeen > 0.
func (s *Store) UpdateRelayPeerStatus(peerID, status string, lastSeen int64) error {
	if err := checkPeerStatus(status); err != nil {
		return err
	}
	return s.updatePeer(peerID, `UPDATE relay_peers
		SET status = ?, last_seen_timestamp = IIF(? > 0, ?, last_seen_timestamp)
		WHERE peer_id = ?`, status, lastSeen, lastSeen, peerID)
}

// AdvanceRelayPeerSyncState raises last_synced_state; it never moves backwards.
func (s *Store) AdvanceRelayPeerSyncState(peerID string, state int64) error {
	return s.updatePeer(peerID, `UPDATE relay_peers
		SET last_synced_state = MAX(last_synced_state, ?)
		WHERE peer_id = ?`, state, peerID)
}

// updatePeer runs a single-row update and maps a missing row to ErrNotFound.
func (s *Store) updatePeer(peerID, query string, args ...any) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update relay peer %q: %w", peerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update relay peer %q: %w", peerID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRelayPeer(row scanner) (*RelayPeer, error) {
	var (
		peer     RelayPeer
		lastSeen sql.Null[int64]
		address  sql.Null[string]
	)
	if err := row.Scan(
		&peer.PeerID, &peer.IdentityKey, &peer.KeyFingerprint, &peer.Status,
		&peer.AddedTimestamp, &lastSeen, &address, &peer.LastSyncedState,
	); err != nil {
		return nil, err
	}
	peer.LastSeenTimestamp = fromNull(lastSeen)
	peer.LastKnownAddress = fromNull(address)
	return &peer, nil
}
