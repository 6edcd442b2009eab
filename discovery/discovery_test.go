package discovery

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAdvertisesTXTRecords(t *testing.T) {
	var (
		gotInstance, gotService, gotDomain string
		gotPort                            int
		gotTXT                             []string
	)

	svc, err := Start(Config{
		PeerID:         "peer-123",
		Alias:          "alice",
		Port:           9400,
		KeyFingerprint: "abcd",
		registerFn: func(instance, service, domain string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			gotInstance, gotService, gotDomain, gotPort = instance, service, domain, port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
		browseFn: func(ctx context.Context, _, _ string, _ chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, svc.Scanner)
	svc.Stop()
	svc.Stop()

	assert.Equal(t, "alice", gotInstance)
	assert.Equal(t, "_lindachat._tcp", gotService)
	assert.Equal(t, DefaultDomain, gotDomain)
	assert.Equal(t, 9400, gotPort)
	assert.ElementsMatch(t, []string{"peer_id=peer-123", "version=1", "key_fingerprint=abcd"}, gotTXT)
}

func TestStartValidatesConfig(t *testing.T) {
	_, err := Start(Config{Port: 9400})
	assert.Error(t, err)

	_, err = Start(Config{PeerID: "p"})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{RefreshInterval: time.Minute, StaleAfter: time.Second}.withDefaults()
	assert.Equal(t, DefaultService, cfg.Service)
	assert.Equal(t, DefaultScanTimeout, cfg.ScanTimeout)
	assert.Equal(t, 2*time.Minute, cfg.StaleAfter)
}

func TestScannerFiltersSelfAndRefreshes(t *testing.T) {
	var calls atomic.Int32
	scanner, err := NewScanner(Config{
		PeerID:          "self",
		RefreshInterval: time.Hour,
		ScanTimeout:     30 * time.Millisecond,
		browseFn: func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			call := calls.Add(1)
			entries <- testEntry("self", "me", 9400, "10.0.0.1")
			entries <- testEntry("peer-1", "bob", 9401, "10.0.0.2")
			if call >= 2 {
				entries <- testEntry("peer-2", "carol", 9402, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)
	scanner.Start()
	defer scanner.Stop()

	require.Eventually(t, func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].PeerID == "peer-1"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, scanner.Refresh(context.Background()))
	peers := scanner.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "bob", peers[0].Alias)
	assert.Equal(t, "carol", peers[1].Alias)
	assert.Equal(t, "10.0.0.3:9402", peers[1].Address())
	assert.Equal(t, "fp-peer-2", peers[1].KeyFingerprint)
}

func TestScannerKeepsPeersUntilStale(t *testing.T) {
	var (
		mu      sync.Mutex
		now     = time.Unix(1_700_000_000, 0)
		present = map[string]bool{"peer-1": true, "peer-2": true}
	)
	scanner, err := NewScanner(Config{
		PeerID:          "self",
		RefreshInterval: time.Hour,
		ScanTimeout:     20 * time.Millisecond,
		StaleAfter:      2 * time.Hour,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
		browseFn: func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			mu.Lock()
			ids := make([]string, 0, len(present))
			for id, ok := range present {
				if ok {
					ids = append(ids, id)
				}
			}
			mu.Unlock()
			for _, id := range ids {
				entries <- testEntry(id, id, 9400, "10.0.0.9")
			}
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)
	scanner.Start()
	defer scanner.Stop()

	require.Eventually(t, func() bool { return len(scanner.Peers()) == 2 }, time.Second, 10*time.Millisecond)

	mu.Lock()
	present["peer-1"] = false
	now = now.Add(time.Hour)
	mu.Unlock()
	require.NoError(t, scanner.Refresh(context.Background()))
	assert.Len(t, scanner.Peers(), 2, "a single missed window keeps the peer")

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	require.NoError(t, scanner.Refresh(context.Background()))
	peers := scanner.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "peer-2", peers[0].PeerID)

	assert.True(t, waitForEvent(scanner.Events(), EventPeerRemoved, "peer-1", time.Second))
}

func TestScannerIgnoresDeadlineErrorsFromBrowse(t *testing.T) {
	scanner, err := NewScanner(Config{
		PeerID:          "self",
		RefreshInterval: time.Hour,
		ScanTimeout:     20 * time.Millisecond,
		browseFn: func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testEntry("peer-1", "bob", 9401, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	scanner.Start()
	defer scanner.Stop()

	require.NoError(t, scanner.Refresh(context.Background()))
	require.Len(t, scanner.Peers(), 1)
}

func TestPeerAddressPrefersIPv4(t *testing.T) {
	peer := Peer{Port: 9400, Addresses: []string{"fe80::1", "192.168.1.4"}}
	assert.Equal(t, "192.168.1.4:9400", peer.Address())

	peer = Peer{Port: 9400, Addresses: []string{"fe80::1"}}
	assert.Equal(t, "[fe80::1]:9400", peer.Address())

	assert.Empty(t, Peer{Port: 9400}.Address())
}

func TestParseEntrySkipsMissingPeerID(t *testing.T) {
	entry := testEntry("", "ghost", 9400, "10.0.0.1")
	_, ok := parseEntry(entry, "self")
	assert.False(t, ok)

	_, ok = parseEntry(nil, "self")
	assert.False(t, ok)
}

func testEntry(peerID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"peer_id=" + peerID,
			"version=1",
			"key_fingerprint=fp-" + peerID,
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForEvent(events <-chan Event, eventType EventType, peerID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.PeerID == peerID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
