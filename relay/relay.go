// Package relay replicates graph writes between nodes over authenticated,
// encrypted TCP connections.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"lindachat/crypto"
	"lindachat/graph"
	"lindachat/metrics"
	"lindachat/storage"
)

const (
	defaultSyncBatchSize = 500
	defaultSeenRetention = 24 * time.Hour
	defaultPruneInterval = time.Hour
	defaultRedialDelay   = time.Second
)

// Replica is the part of the local graph the relay reads and merges into.
type Replica interface {
	Merge(update graph.Update) (bool, error)
	Since(after graph.Cursor, limit int) ([]graph.Update, error)
	OnUpdate(fn func(graph.Update)) func()
}

// PeerStore persists relay peers and the seen update ids used for dedup.
type PeerStore interface {
	MarkUpdateSeen(updateID string, at time.Time) (bool, error)
	UpdateSeen(updateID string) (bool, error)
	PruneSeenUpdates(before time.Time) (int64, error)
	ListRelayPeers() ([]storage.RelayPeer, error)
	GetRelayPeer(peerID string) (*storage.RelayPeer, error)
	UpsertRelayPeer(peer storage.RelayPeer) error
	UpdateRelayPeerStatus(peerID, status string, lastSeenTimestamp int64) error
	AdvanceRelayPeerSyncState(peerID string, state int64) error
}

// Options configures a Relay.
type Options struct {
	Identity      Identity
	Replica       Replica
	Store         PeerStore
	ListenAddress string
	Logger        zerolog.Logger

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration

	SyncBatchSize int
	SeenRetention time.Duration
	PruneInterval time.Duration
	// RedialDelay is waited after an established outbound connection ends.
	RedialDelay time.Duration
	// NewBackOff builds the retry policy used while an outbound peer is unreachable.
	NewBackOff func() backoff.BackOff
}

// PeerInfo describes one live connection.
type PeerInfo struct {
	PeerID      string `json:"peer_id"`
	IdentityKey string `json:"identity_key"`
	Address     string `json:"address"`
	Inbound     bool   `json:"inbound"`
}

type link struct {
	address string
	inbound bool
}

type outbound struct {
	msg  UpdateMessage
	from string
}

// Relay forwards every applied graph update to all connected peers and merges
// the updates they send back.
type Relay struct {
	opts      Options
	handshake HandshakeOptions
	log       zerolog.Logger

	server *listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	mu      sync.Mutex
	conns   map[*Conn]link
	dialers map[string]context.CancelFunc
	merging map[string]string

	queueMu sync.Mutex
	queue   []outbound
	wake    chan struct{}

	stopUpdates func()
}

// New validates options and builds a stopped relay.
func New(opts Options) (*Relay, error) {
	if opts.Replica == nil {
		return nil, errors.New("replica is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.SyncBatchSize <= 0 {
		opts.SyncBatchSize = defaultSyncBatchSize
	}
	if opts.SeenRetention <= 0 {
		opts.SeenRetention = defaultSeenRetention
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneInterval
	}
	if opts.RedialDelay <= 0 {
		opts.RedialDelay = defaultRedialDelay
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}

	r := &Relay{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "relay").Str("peer_id", opts.Identity.PeerID).Logger(),
		conns:   make(map[*Conn]link),
		dialers: make(map[string]context.CancelFunc),
		merging: make(map[string]string),
		wake:    make(chan struct{}, 1),
	}
	r.handshake = HandshakeOptions{
		Identity:          opts.Identity,
		TrustPeer:         r.trustPeer,
		ConnectionTimeout: opts.ConnectionTimeout,
		KeepAliveInterval: opts.KeepAliveInterval,
		KeepAliveTimeout:  opts.KeepAliveTimeout,
		FrameReadTimeout:  opts.FrameReadTimeout,
	}.withDefaults()
	if err := r.handshake.validateIdentity(); err != nil {
		return nil, err
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

// Start listens (when ListenAddress is set) and begins forwarding updates.
func (r *Relay) Start() error {
	var err error
	r.startOnce.Do(func() {
		if r.opts.ListenAddress != "" {
			r.server, err = listen(r.opts.ListenAddress, r.handshake, r.acceptInbound, func(err error) {
				r.log.Debug().Err(err).Msg("inbound handshake failed")
			})
			if err != nil {
				return
			}
			r.log.Info().Str("address", r.server.Addr().String()).Msg("relay listening")
		}

		r.stopUpdates = r.opts.Replica.OnUpdate(r.enqueue)
		r.wg.Add(2)
		go r.broadcastLoop()
		go r.pruneLoop()
		r.redialKnown()
	})
	return err
}

// redialKnown reconnects to every unblocked peer this node has dialed before.
func (r *Relay) redialKnown() {
	peers, err := r.opts.Store.ListRelayPeers()
	if err != nil {
		r.log.Warn().Err(err).Msg("list known relay peers")
		return
	}
	for _, p := range peers {
		if p.Status == storage.PeerStatusBlocked || p.LastKnownAddress == nil {
			continue
		}
		r.Connect(*p.LastKnownAddress)
	}
}

// Addr returns the listening address, or nil when not listening.
func (r *Relay) Addr() net.Addr {
	if r.server == nil {
		return nil
	}
	return r.server.Addr()
}

// Connect keeps an outbound connection to address alive until Disconnect or
// Stop. Calling it again for the same address is a no-op.
func (r *Relay) Connect(address string) {
	r.mu.Lock()
	if _, ok := r.dialers[address]; ok || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.dialers[address] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.dialLoop(ctx, address)
}

// Disconnect stops redialing address and closes its connection.
func (r *Relay) Disconnect(address string) {
	r.mu.Lock()
	cancel, ok := r.dialers[address]
	delete(r.dialers, address)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Peers lists live connections ordered by peer id.
func (r *Relay) Peers() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]PeerInfo, 0, len(r.conns))
	for c, l := range r.conns {
		address := l.address
		if address == "" {
			address = c.RemoteAddr().String()
		}
		peers = append(peers, PeerInfo{
			PeerID:      c.PeerID(),
			IdentityKey: c.IdentityKey(),
			Address:     address,
			Inbound:     l.inbound,
		})
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].PeerID != peers[j].PeerID {
			return peers[i].PeerID < peers[j].PeerID
		}
		return peers[i].Address < peers[j].Address
	})
	return peers
}

// Stop closes every connection and waits for background work to finish.
func (r *Relay) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		r.cancel()
		if r.stopUpdates != nil {
			r.stopUpdates()
		}
		if r.server != nil {
			err = r.server.Close()
		}
		for _, c := range r.connections() {
			_ = c.Disconnect()
		}
		r.wg.Wait()
	})
	return err
}

func (r *Relay) acceptInbound(c *Conn) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.serve(r.ctx, c, "", true)
	}()
}

func (r *Relay) dialLoop(ctx context.Context, address string) {
	defer r.wg.Done()
	log := r.log.With().Str("address", address).Logger()

	for ctx.Err() == nil {
		var c *Conn
		dial := func() error {
			conn, err := Dial(ctx, address, r.handshake)
			if err != nil {
				if errors.Is(err, ErrPeerBlocked) || errors.Is(err, ErrKeyChanged) {
					return backoff.Permanent(err)
				}
				log.Debug().Err(err).Msg("relay dial failed")
				return err
			}
			c = conn
			return nil
		}
		if err := backoff.Retry(dial, backoff.WithContext(r.opts.NewBackOff(), ctx)); err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("giving up on relay peer")
			}
			return
		}

		r.serve(ctx, c, address, false)

		select {
		case <-ctx.Done():
		case <-time.After(r.opts.RedialDelay):
		}
	}
}

// serve runs one connection until it closes or ctx ends.
func (r *Relay) serve(ctx context.Context, c *Conn, address string, inbound bool) {
	log := r.log.With().Str("remote_peer", c.PeerID()).Bool("inbound", inbound).Logger()
	defer c.Close()

	since, err := r.recordPeer(c, address)
	if err != nil {
		log.Warn().Err(err).Msg("record relay peer")
		return
	}

	r.register(c, address, inbound)
	defer r.unregister(c)
	log.Info().Msg("relay peer connected")

	if err := c.Send(SyncRequest{Type: TypeSyncRequest, Since: since}); err != nil {
		log.Warn().Err(err).Msg("send sync request")
		return
	}

	for {
		payload, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && c.Err() != nil {
				log.Warn().Err(c.Err()).Msg("relay connection lost")
			}
			return
		}
		r.handle(c, payload, log)
	}
}

func (r *Relay) handle(c *Conn, payload []byte, log zerolog.Logger) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		log.Debug().Err(err).Msg("undecodable relay message")
		return
	}

	switch msgType {
	case TypeUpdate:
		var msg UpdateMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Debug().Err(err).Msg("decode update")
			return
		}
		r.applyUpdate(c, msg, log)
	case TypeSyncRequest:
		var req SyncRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Debug().Err(err).Msg("decode sync request")
			return
		}
		r.wg.Add(1)
		go r.sendSync(c, req.Since, log)
	case TypeSyncDone:
		var done SyncDone
		if err := json.Unmarshal(payload, &done); err != nil {
			log.Debug().Err(err).Msg("decode sync done")
			return
		}
		if err := r.opts.Store.AdvanceRelayPeerSyncState(c.PeerID(), done.State); err != nil {
			log.Warn().Err(err).Msg("advance sync state")
		}
	case TypeError:
		log.Warn().Err(remoteError(payload)).Msg("relay peer reported error")
	default:
		log.Debug().Str("type", msgType).Msg("ignoring unknown relay message")
	}
}

func (r *Relay) applyUpdate(c *Conn, msg UpdateMessage, log zerolog.Logger) {
	update := msg.GraphUpdate()
	if msg.UpdateID != UpdateID(update) {
		log.Warn().Str("update_id", msg.UpdateID).Msg("dropping update with mismatched id")
		return
	}

	seen, err := r.opts.Store.UpdateSeen(msg.UpdateID)
	if err != nil {
		log.Warn().Err(err).Msg("check update seen")
		return
	}
	if seen {
		return
	}

	r.mu.Lock()
	if _, busy := r.merging[msg.UpdateID]; busy {
		r.mu.Unlock()
		return
	}
	r.merging[msg.UpdateID] = c.PeerID()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.merging, msg.UpdateID)
		r.mu.Unlock()
	}()

	// An update that failed to merge stays unseen so a redelivery or the
	// next sync can apply it.
	if _, err := r.opts.Replica.Merge(update); err != nil {
		log.Warn().Err(err).Str("path", msg.Path).Msg("merge relayed update")
		return
	}
	if _, err := r.opts.Store.MarkUpdateSeen(msg.UpdateID, time.Now()); err != nil {
		log.Warn().Err(err).Msg("mark update seen")
	}
}

func (r *Relay) sendSync(c *Conn, since int64, log zerolog.Logger) {
	defer r.wg.Done()

	cursor := graph.Cursor{State: since}
	for {
		page, err := r.opts.Replica.Since(cursor, r.opts.SyncBatchSize)
		if err != nil {
			log.Warn().Err(err).Msg("read updates for sync")
			return
		}
		for _, u := range page {
			if err := c.Send(NewUpdateMessage(u)); err != nil {
				return
			}
		}
		if len(page) > 0 {
			cursor = page[len(page)-1].After()
		}
		if len(page) < r.opts.SyncBatchSize || r.ctx.Err() != nil {
			break
		}
	}

	if err := c.Send(SyncDone{Type: TypeSyncDone, State: cursor.State}); err != nil {
		log.Debug().Err(err).Msg("send sync done")
	}
}

// enqueue runs on the writer's goroutine, so it only queues.
func (r *Relay) enqueue(u graph.Update) {
	msg := NewUpdateMessage(u)

	r.mu.Lock()
	from := r.merging[msg.UpdateID]
	r.mu.Unlock()

	r.queueMu.Lock()
	r.queue = append(r.queue, outbound{msg: msg, from: from})
	r.queueMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) broadcastLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}

		r.queueMu.Lock()
		batch := r.queue
		r.queue = nil
		r.queueMu.Unlock()

		for _, item := range batch {
			if item.from == "" {
				if _, err := r.opts.Store.MarkUpdateSeen(item.msg.UpdateID, time.Now()); err != nil {
					r.log.Warn().Err(err).Msg("record local update")
				}
			}
			for _, c := range r.connections() {
				if c.PeerID() == item.from {
					continue
				}
				if err := c.Send(item.msg); err != nil {
					r.log.Debug().Err(err).Str("remote_peer", c.PeerID()).Msg("forward update")
				}
			}
		}
	}
}

func (r *Relay) pruneLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := r.opts.Store.PruneSeenUpdates(now.Add(-r.opts.SeenRetention))
			if err != nil {
				r.log.Warn().Err(err).Msg("prune seen update ids")
				continue
			}
			if removed > 0 {
				r.log.Debug().Int64("removed", removed).Msg("pruned seen update ids")
			}
		}
	}
}

func (r *Relay) trustPeer(peerID, identityKey string) error {
	peer, err := r.opts.Store.GetRelayPeer(peerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if peer.Status == storage.PeerStatusBlocked {
		return ErrPeerBlocked
	}
	if peer.IdentityKey != identityKey {
		return ErrKeyChanged
	}
	return nil
}

// recordPeer marks the peer online and returns its sync cursor.
func (r *Relay) recordPeer(c *Conn, address string) (int64, error) {
	publicKey, err := crypto.DecodeIdentityKey(c.IdentityKey())
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	peer := storage.RelayPeer{
		PeerID:            c.PeerID(),
		IdentityKey:       c.IdentityKey(),
		KeyFingerprint:    crypto.KeyFingerprint(publicKey),
		Status:            storage.PeerStatusOnline,
		LastSeenTimestamp: &now,
	}
	if address != "" {
		peer.LastKnownAddress = &address
	}
	if err := r.opts.Store.UpsertRelayPeer(peer); err != nil {
		return 0, err
	}

	stored, err := r.opts.Store.GetRelayPeer(c.PeerID())
	if err != nil {
		return 0, fmt.Errorf("reload relay peer: %w", err)
	}
	if stored.Status == storage.PeerStatusBlocked {
		return 0, ErrPeerBlocked
	}
	return stored.LastSyncedState, nil
}

func (r *Relay) register(c *Conn, address string, inbound bool) {
	r.mu.Lock()
	r.conns[c] = link{address: address, inbound: inbound}
	r.mu.Unlock()
	metrics.RelayConnections.Inc()
}

func (r *Relay) unregister(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	stillConnected := false
	for other := range r.conns {
		if other.PeerID() == c.PeerID() {
			stillConnected = true
			break
		}
	}
	r.mu.Unlock()
	metrics.RelayConnections.Dec()

	if stillConnected {
		return
	}
	if err := r.opts.Store.UpdateRelayPeerStatus(c.PeerID(), storage.PeerStatusOffline, time.Now().UnixMilli()); err != nil {
		r.log.Debug().Err(err).Str("remote_peer", c.PeerID()).Msg("mark relay peer offline")
	}
}

func (r *Relay) connections() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}
