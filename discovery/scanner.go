package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// EventType identifies peer discovery updates.
type EventType string

const (
	// EventPeerUpserted is emitted when a peer appears or its record changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer has not been seen for StaleAfter.
	EventPeerRemoved EventType = "peer_removed"
)

// Event carries one discovery update.
type Event struct {
	Type EventType
	Peer Peer
}

// Peer is a relay endpoint found on the local network.
type Peer struct {
	PeerID         string    `json:"peer_id"`
	Alias          string    `json:"alias"`
	KeyFingerprint string    `json:"key_fingerprint"`
	Version        int       `json:"version"`
	HostName       string    `json:"host_name"`
	Port           int       `json:"port"`
	Addresses      []string  `json:"addresses"`
	LastSeen       time.Time `json:"last_seen"`
}

// Address returns a dialable host:port, preferring IPv4.
func (p Peer) Address() string {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return ""
	}
	host := p.Addresses[0]
	for _, addr := range p.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

func (p Peer) sameRecord(other Peer) bool {
	if p.PeerID != other.PeerID ||
		p.Alias != other.Alias ||
		p.KeyFingerprint != other.KeyFingerprint ||
		p.Version != other.Version ||
		p.Port != other.Port ||
		len(p.Addresses) != len(other.Addresses) {
		return false
	}
	for i := range p.Addresses {
		if p.Addresses[i] != other.Addresses[i] {
			return false
		}
	}
	return true
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner browses for peers periodically and on demand.
type Scanner struct {
	cfg    Config
	browse browseFunc

	mu    sync.RWMutex
	peers map[string]Peer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	refresh chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.PeerID) == "" {
		return nil, errors.New("peer ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		cfg:     cfg,
		browse:  browse,
		peers:   make(map[string]Peer),
		events:  make(chan Event, 128),
		ctx:     ctx,
		cancel:  cancel,
		refresh: make(chan refreshRequest),
	}, nil
}

// Start begins background browsing.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends browsing and closes Events.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// Events delivers upserts and removals. Events are dropped when the buffer is full.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh runs one browse window immediately.
func (s *Scanner) Refresh(ctx context.Context) error {
	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case s.refresh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("discovery: scanner stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Peers returns the current peers ordered by alias, then peer id.
func (s *Scanner) Peers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Alias != out[j].Alias {
			return out[i].Alias < out[j].Alias
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.scan(s.ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scan(s.ctx)
		case req := <-s.refresh:
			req.done <- s.scan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) scan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]Peer)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if peer, ok := parseEntry(entry, s.cfg.PeerID); ok {
					found[peer.PeerID] = peer
				}
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	<-scanCtx.Done()
	<-collected

	s.merge(found, s.cfg.Now())
	return nil
}

// merge folds one browse window into the peer set. A peer missing from a
// window is kept until it has not been seen for StaleAfter.
func (s *Scanner) merge(found map[string]Peer, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range found {
		peer.LastSeen = now
		old, exists := s.peers[id]
		s.peers[id] = peer
		if !exists || !old.sameRecord(peer) {
			s.emit(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range s.peers {
		if _, seen := found[id]; seen {
			continue
		}
		if now.Sub(peer.LastSeen) >= s.cfg.StaleAfter {
			delete(s.peers, id)
			s.emit(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *Scanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, self string) (Peer, bool) {
	if entry == nil {
		return Peer{}, false
	}
	txt := parseTXT(entry.Text)

	peerID := txt[txtPeerID]
	if peerID == "" || peerID == self {
		return Peer{}, false
	}

	version, _ := strconv.Atoi(txt[txtVersion])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	alias := strings.TrimSpace(entry.Instance)
	if alias == "" {
		alias = peerID
	}

	return Peer{
		PeerID:         peerID,
		Alias:          alias,
		KeyFingerprint: txt[txtKeyFingerprint],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func parseTXT(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
