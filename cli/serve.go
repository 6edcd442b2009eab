package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lindachat/api"
	"lindachat/chat"
	"lindachat/config"
	"lindachat/crypto"
	"lindachat/discovery"
	"lindachat/graph"
	"lindachat/logging"
	"lindachat/metrics"
	"lindachat/relay"
	"lindachat/storage"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	HTTPAddress  string
	Peers        []string
	NoDiscovery  bool
	JSONLogs     bool
	CORSOrigins  []string
	RateLimitRPM int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a chat node",
		Long: `Run a chat node: open the local replica, log in with this node's keys,
replicate with relay peers, and serve the control API.

Example:
  lindachat serve --peer 192.168.1.20:9400`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.HTTPAddress, "http", "", "control API listen address (overrides config)")
	cmd.Flags().StringSliceVar(&opts.Peers, "peer", nil, "relay peer address to keep connected (repeatable)")
	cmd.Flags().BoolVar(&opts.NoDiscovery, "no-discovery", false, "disable mDNS advertisement and browsing")
	cmd.Flags().BoolVar(&opts.JSONLogs, "json-logs", false, "write logs as JSON lines")
	cmd.Flags().StringSliceVar(&opts.CORSOrigins, "cors-origin", nil, "allowed CORS origin (repeatable)")
	cmd.Flags().IntVar(&opts.RateLimitRPM, "rate-limit", 0, "control API requests per minute per address")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.HTTPAddress != "" {
		cfg.HTTPAddress = opts.HTTPAddress
	}
	cfg.RelayPeers = append(cfg.RelayPeers, opts.Peers...)
	if opts.NoDiscovery {
		cfg.DiscoveryDisabled = true
	}
	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	log := logging.NewConsole(level, cmd.ErrOrStderr())
	if opts.JSONLogs {
		log = logging.New(level, cmd.ErrOrStderr())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, nodeOptions{
		Config:       cfg,
		ConfigPath:   cfgPath,
		Logger:       log,
		CORSOrigins:  opts.CORSOrigins,
		RateLimitRPM: opts.RateLimitRPM,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "start node", err)
	}
	defer n.Close()

	if err := opts.formatter(cmd).Success(n.summary()); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-n.httpErr:
		return WrapExitError(ExitFailure, "control API stopped", err)
	}
	log.Info().Msg("shutting down")
	return nil
}

type nodeOptions struct {
	Config       *config.NodeConfig
	ConfigPath   string
	Logger       zerolog.Logger
	CORSOrigins  []string
	RateLimitRPM int
}

// node is one running lindachat process.
type node struct {
	cfg     *config.NodeConfig
	cfgPath string
	dbPath  string
	log     zerolog.Logger

	identity  chat.Identity
	store     *storage.Store
	graph     *graph.Local
	client    *chat.Client
	relay     *relay.Relay
	discovery *discovery.Service

	httpServer *http.Server
	httpAddr   net.Addr
	httpErr    chan error

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func startNode(ctx context.Context, opts nodeOptions) (_ *node, err error) {
	cfg := opts.Config
	n := &node{cfg: cfg, cfgPath: opts.ConfigPath, log: opts.Logger, httpErr: make(chan error, 1)}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	privateKey, publicKey, err := crypto.LoadOrCreateIdentity(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare Ed25519 keypair: %w", err)
	}
	xkey, err := crypto.LoadOrCreateX25519Key(cfg.X25519PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare X25519 key: %w", err)
	}
	if err := n.persistFingerprint(crypto.KeyFingerprint(publicKey)); err != nil {
		return nil, err
	}

	dataDir := filepath.Dir(opts.ConfigPath)
	n.store, n.dbPath, err = storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pub := crypto.EncodeIdentityKey(publicKey)
	n.graph, err = graph.NewLocal(n.store, graph.Options{
		Writer: pub,
		Origin: cfg.PeerID,
		VerifyCertificate: func(cert, owner, writer, rel string) error {
			return crypto.VerifyCertificate(cert, owner, writer, rel, time.Now())
		},
		Logger: n.log,
	})
	if err != nil {
		return nil, fmt.Errorf("open graph: %w", err)
	}

	box := crypto.NewBox(xkey)
	n.client, err = chat.New(chat.Options{
		Graph:              n.graph,
		Cipher:             box,
		Certifier:          crypto.NewCertifier(privateKey),
		Logger:             n.log,
		BlockCheckInterval: cfg.BlockCheckInterval(),
		PreviewLength:      cfg.PreviewLength,
	})
	if err != nil {
		return nil, err
	}
	n.identity = chat.Identity{Pub: pub, EPub: box.PublicKey(), Alias: cfg.Alias}
	if err := n.client.Login(ctx, n.identity); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	n.relay, err = relay.New(relay.Options{
		Identity:      relay.Identity{PeerID: cfg.PeerID, PrivateKey: privateKey, PublicKey: publicKey},
		Replica:       n.graph,
		Store:         n.store,
		ListenAddress: net.JoinHostPort("", strconv.Itoa(cfg.ListeningPort)),
		Logger:        n.log,
	})
	if err != nil {
		return nil, err
	}
	if err := n.relay.Start(); err != nil {
		return nil, fmt.Errorf("start relay: %w", err)
	}
	for _, addr := range cfg.RelayPeers {
		n.relay.Connect(addr)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	var discovered api.DiscoveredPeers
	if !cfg.DiscoveryDisabled {
		svc, err := discovery.Start(discovery.Config{
			PeerID:         cfg.PeerID,
			Alias:          cfg.Alias,
			Port:           n.relay.Addr().(*net.TCPAddr).Port,
			KeyFingerprint: cfg.KeyFingerprint,
		})
		if err != nil {
			n.log.Warn().Err(err).Msg("discovery unavailable")
		} else {
			n.discovery = svc
			discovered = svc.Scanner
			n.wg.Add(1)
			go n.followDiscovery(loopCtx, svc.Scanner.Events())
		}
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ln, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddress, err)
	}
	n.httpAddr = ln.Addr()
	n.httpServer = &http.Server{
		Handler: api.NewRouter(api.Options{
			Client:      n.client,
			Relay:       n.relay,
			Discovery:   discovered,
			Logger:      n.log,
			Gatherer:    reg,
			CORSOrigins: opts.CORSOrigins,
			RateLimit:   opts.RateLimitRPM,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := n.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.httpErr <- err
		}
	}()

	n.log.Info().
		Str("peer_id", cfg.PeerID).
		Str("relay", n.relay.Addr().String()).
		Str("http", n.httpAddr.String()).
		Msg("node started")
	return n, nil
}

// persistFingerprint records the key fingerprint in the config file without
// writing back environment overrides.
func (n *node) persistFingerprint(fingerprint string) error {
	if n.cfg.KeyFingerprint == fingerprint {
		return nil
	}
	n.cfg.KeyFingerprint = fingerprint
	stored, err := config.Load(n.cfgPath)
	if err != nil {
		return err
	}
	stored.KeyFingerprint = fingerprint
	if err := config.Save(n.cfgPath, stored); err != nil {
		return fmt.Errorf("persist key fingerprint: %w", err)
	}
	return nil
}

// followDiscovery dials discovered peers. Only the side with the smaller peer
// id dials so two nodes that find each other open a single connection.
func (n *node) followDiscovery(ctx context.Context, events <-chan discovery.Event) {
	defer n.wg.Done()
	dialed := make(map[string]string)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			peer := event.Peer
			switch event.Type {
			case discovery.EventPeerUpserted:
				addr := peer.Address()
				if addr == "" || n.cfg.PeerID > peer.PeerID {
					continue
				}
				if prev, ok := dialed[peer.PeerID]; ok && prev != addr {
					n.relay.Disconnect(prev)
				}
				dialed[peer.PeerID] = addr
				n.log.Info().Str("peer", peer.PeerID).Str("addr", addr).Str("alias", peer.Alias).Msg("discovered peer")
				n.relay.Connect(addr)
			case discovery.EventPeerRemoved:
				if addr, ok := dialed[peer.PeerID]; ok {
					delete(dialed, peer.PeerID)
					n.relay.Disconnect(addr)
				}
				n.log.Info().Str("peer", peer.PeerID).Msg("peer left")
			}
		}
	}
}

// Close stops every component in reverse start order.
func (n *node) Close() {
	n.closeOnce.Do(func() {
		if n.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := n.httpServer.Shutdown(ctx); err != nil {
				n.log.Warn().Err(err).Msg("control API shutdown")
			}
			cancel()
		}
		if n.cancel != nil {
			n.cancel()
		}
		if n.discovery != nil {
			n.discovery.Stop()
		}
		n.wg.Wait()
		if n.relay != nil {
			if err := n.relay.Stop(); err != nil {
				n.log.Warn().Err(err).Msg("relay shutdown")
			}
		}
		if n.client != nil {
			n.client.Close()
		}
		if n.graph != nil {
			if err := n.graph.Close(); err != nil {
				n.log.Warn().Err(err).Msg("graph close")
			}
		}
		if n.store != nil {
			if err := n.store.Close(); err != nil {
				n.log.Warn().Err(err).Msg("database close")
			}
		}
	})
}

type nodeSummary struct {
	PeerID      string `json:"peer_id"`
	Alias       string `json:"alias"`
	Pub         string `json:"pub"`
	Fingerprint string `json:"fingerprint"`
	Relay       string `json:"relay"`
	HTTP        string `json:"http"`
	Discovery   bool   `json:"discovery"`
	ConfigFile  string `json:"config_file"`
	Database    string `json:"database"`
}

func (n *node) summary() nodeSummary {
	return nodeSummary{
		PeerID:      n.cfg.PeerID,
		Alias:       n.cfg.Alias,
		Pub:         n.identity.Pub,
		Fingerprint: crypto.FormatFingerprint(n.cfg.KeyFingerprint),
		Relay:       n.relay.Addr().String(),
		HTTP:        n.httpAddr.String(),
		Discovery:   n.discovery != nil,
		ConfigFile:  n.cfgPath,
		Database:    n.dbPath,
	}
}

func (s nodeSummary) renderText(w io.Writer) {
	fmt.Fprintf(w, "Peer ID:         %s\n", s.PeerID)
	fmt.Fprintf(w, "Alias:           %s\n", s.Alias)
	fmt.Fprintf(w, "Public Key:      %s\n", s.Pub)
	fmt.Fprintf(w, "Fingerprint:     %s\n", s.Fingerprint)
	fmt.Fprintf(w, "Relay:           %s\n", s.Relay)
	fmt.Fprintf(w, "Control API:     http://%s\n", s.HTTP)
	fmt.Fprintf(w, "Discovery:       %t\n", s.Discovery)
	fmt.Fprintf(w, "Config File:     %s\n", s.ConfigFile)
	fmt.Fprintf(w, "Database File:   %s\n", s.Database)
	fmt.Fprintln(w, "Status:          running (press Ctrl+C to stop)")
}
