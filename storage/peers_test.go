package storage

import (
	"errors"
	"testing"
)

func TestRelayPeerCRUD(t *testing.T) {
	store := newTestStore(t)

	addr := "10.0.0.2:9400"
	if err := store.UpsertRelayPeer(RelayPeer{
		PeerID:           "peer-b",
		IdentityKey:      "key-b",
		KeyFingerprint:   "fp-b",
		LastKnownAddress: &addr,
	}); err != nil {
		t.Fatalf("UpsertRelayPeer failed: %v", err)
	}
	if err := store.UpsertRelayPeer(RelayPeer{
		PeerID:         "peer-a",
		IdentityKey:    "key-a",
		KeyFingerprint: "fp-a",
		Status:         PeerStatusOnline,
	}); err != nil {
		t.Fatalf("UpsertRelayPeer failed: %v", err)
	}

	peers, err := store.ListRelayPeers()
	if err != nil {
		t.Fatalf("ListRelayPeers failed: %v", err)
	}
	if len(peers) != 2 || peers[0].PeerID != "peer-a" || peers[1].PeerID != "peer-b" {
		t.Fatalf("unexpected peers: %+v", peers)
	}
	if peers[1].Status != PeerStatusOffline {
		t.Fatalf("expected default offline status, got %q", peers[1].Status)
	}

	if err := store.UpdateRelayPeerStatus("peer-b", PeerStatusOnline, 5000); err != nil {
		t.Fatalf("UpdateRelayPeerStatus failed: %v", err)
	}
	if err := store.AdvanceRelayPeerSyncState("peer-b", 900); err != nil {
		t.Fatalf("AdvanceRelayPeerSyncState failed: %v", err)
	}
	if err := store.AdvanceRelayPeerSyncState("peer-b", 400); err != nil {
		t.Fatalf("AdvanceRelayPeerSyncState (lower) failed: %v", err)
	}

	peer, err := store.GetRelayPeer("peer-b")
	if err != nil {
		t.Fatalf("GetRelayPeer failed: %v", err)
	}
	if peer.Status != PeerStatusOnline {
		t.Fatalf("expected online, got %q", peer.Status)
	}
	if peer.LastSeenTimestamp == nil || *peer.LastSeenTimestamp != 5000 {
		t.Fatalf("unexpected last seen: %v", peer.LastSeenTimestamp)
	}
	if peer.LastSyncedState != 900 {
		t.Fatalf("sync state must not move backwards, got %d", peer.LastSyncedState)
	}
	if peer.LastKnownAddress == nil || *peer.LastKnownAddress != addr {
		t.Fatalf("unexpected address: %v", peer.LastKnownAddress)
	}

	if err := store.UpsertRelayPeer(RelayPeer{PeerID: "peer-b", IdentityKey: "key-b", KeyFingerprint: "fp-b", Status: PeerStatusOnline}); err != nil {
		t.Fatalf("UpsertRelayPeer without address failed: %v", err)
	}
	peer, err = store.GetRelayPeer("peer-b")
	if err != nil {
		t.Fatalf("GetRelayPeer failed: %v", err)
	}
	if peer.LastKnownAddress == nil || *peer.LastKnownAddress != addr {
		t.Fatalf("address should survive an upsert without one, got %v", peer.LastKnownAddress)
	}
	if peer.LastSyncedState != 900 {
		t.Fatalf("upsert must not reset the sync cursor, got %d", peer.LastSyncedState)
	}
}

func TestRelayPeerBlockedStatusSurvivesUpsert(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertRelayPeer(RelayPeer{PeerID: "p", IdentityKey: "k", KeyFingerprint: "f"}); err != nil {
		t.Fatalf("UpsertRelayPeer failed: %v", err)
	}
	if err := store.UpdateRelayPeerStatus("p", PeerStatusBlocked, 0); err != nil {
		t.Fatalf("UpdateRelayPeerStatus failed: %v", err)
	}
	if err := store.UpsertRelayPeer(RelayPeer{PeerID: "p", IdentityKey: "k2", KeyFingerprint: "f2", Status: PeerStatusOnline}); err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}

	peer, err := store.GetRelayPeer("p")
	if err != nil {
		t.Fatalf("GetRelayPeer failed: %v", err)
	}
	if peer.Status != PeerStatusBlocked {
		t.Fatalf("expected blocked status to persist, got %q", peer.Status)
	}
	if peer.IdentityKey != "k2" {
		t.Fatalf("expected identity key refresh, got %q", peer.IdentityKey)
	}
}

func TestRelayPeerMissing(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetRelayPeer("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateRelayPeerStatus("ghost", PeerStatusOnline, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.AdvanceRelayPeerSyncState("ghost", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpsertRelayPeer(RelayPeer{PeerID: "x", IdentityKey: "k", KeyFingerprint: "f", Status: "bogus"}); err == nil {
		t.Fatalf("expected invalid status error")
	}
}
