// Package discovery advertises this node's relay listener over mDNS and
// browses for other nodes on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lindachat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the advertised relay protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultStaleAfter drops peers not seen for this long.
	DefaultStaleAfter = 30 * time.Second

	txtPeerID         = "peer_id"
	txtVersion        = "version"
	txtKeyFingerprint = "key_fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertising and browsing. Zero fields take the Default values.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	StaleAfter      time.Duration

	PeerID         string
	Alias          string
	Port           int
	KeyFingerprint string

	Now func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func (c Config) withDefaults() Config {
	c.Service = orDefault(c.Service, DefaultService)
	c.Domain = orDefault(c.Domain, DefaultDomain)
	c.Version = orDefault(c.Version, DefaultVersion)
	c.RefreshInterval = orDefault(max(c.RefreshInterval, 0), DefaultRefreshInterval)
	c.ScanTimeout = orDefault(max(c.ScanTimeout, 0), DefaultScanTimeout)
	c.StaleAfter = orDefault(max(c.StaleAfter, 0), DefaultStaleAfter)
	// A peer must survive at least one missed browse window.
	c.StaleAfter = max(c.StaleAfter, 2*c.RefreshInterval)
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	return c
}

// TXT renders the advertised TXT records.
func (c Config) TXT() []string {
	return []string{
		fmt.Sprintf("%s=%s", txtPeerID, c.PeerID),
		fmt.Sprintf("%s=%d", txtVersion, c.Version),
		fmt.Sprintf("%s=%s", txtKeyFingerprint, c.KeyFingerprint),
	}
}

// Service is a running advertisement plus the Scanner browsing for others.
type Service struct {
	Scanner *Scanner

	record *zeroconf.Server
}

// Start registers the relay listener under cfg.Alias (or the peer id) and
// starts browsing.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if cfg.Port <= 0 {
		return nil, errors.New("discovery: relay port is required")
	}
	scanner, err := NewScanner(cfg)
	if err != nil {
		return nil, err
	}

	instance := orDefault(strings.TrimSpace(cfg.Alias), cfg.PeerID)
	record, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.Port, cfg.TXT(), nil)
	if err != nil {
		scanner.Stop()
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	scanner.Start()
	return &Service{Scanner: scanner, record: record}, nil
}

// Stop stops browsing and withdraws the advertisement. It is safe to call twice.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.Scanner.Stop()
	if s.record != nil {
		s.record.Shutdown()
		s.record = nil
	}
}
