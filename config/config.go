package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "linda-chat"
	// DefaultListeningPort is the relay TCP port used when no user override exists.
	DefaultListeningPort = 9400
	// DefaultHTTPAddress is where the control API listens.
	DefaultHTTPAddress = "127.0.0.1:8787"
	// DefaultLogLevel is the zerolog level used when none is configured.
	DefaultLogLevel = "info"
	// DefaultBlockCheckInterval bounds how often block status is re-read from the graph.
	DefaultBlockCheckInterval = 2 * time.Second
	// DefaultPreviewLength is the number of characters kept in a message preview.
	DefaultPreviewLength = 50
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	dataDirEnv     = "LINDA_DATA_DIR"
	aliasEnv       = "LINDA_ALIAS"
	httpAddrEnv    = "LINDA_HTTP_ADDR"
	logLevelEnv    = "LINDA_LOG_LEVEL"
	dotEnvName     = ".env"
	configFileName = "config.json"
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	PeerID                   string   `json:"peer_id"`
	Alias                    string   `json:"alias"`
	PortMode                 string   `json:"port_mode"`
	ListeningPort            int      `json:"listening_port"`
	HTTPAddress              string   `json:"http_address"`
	Ed25519PrivateKeyPath    string   `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath     string   `json:"ed25519_public_key_path"`
	X25519PrivateKeyPath     string   `json:"x25519_private_key_path"`
	KeyFingerprint           string   `json:"key_fingerprint"`
	LogLevel                 string   `json:"log_level"`
	DiscoveryDisabled        bool     `json:"discovery_disabled,omitempty"`
	RelayPeers               []string `json:"relay_peers,omitempty"`
	BlockCheckIntervalMillis int      `json:"block_check_interval_ms"`
	PreviewLength            int      `json:"preview_length"`
}

// BlockCheckInterval returns the configured throttle window for block checks.
func (c *NodeConfig) BlockCheckInterval() time.Duration {
	if c.BlockCheckIntervalMillis <= 0 {
		return DefaultBlockCheckInterval
	}
	return time.Duration(c.BlockCheckIntervalMillis) * time.Millisecond
}

// ResolveDataDir returns LINDA_DATA_DIR when set, otherwise the app directory
// under the OS user config dir.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(dataDirEnv); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates dataDir and its keys/ subdirectory.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(filepath.Join(dataDir, "keys"), 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}

// LoadDotEnv loads .env from the working directory and, when given, dataDir.
// Variables already present in the environment win; missing files are ignored.
func LoadDotEnv(dataDir string) error {
	paths := []string{dotEnvName}
	if dataDir != "" {
		paths = append(paths, filepath.Join(dataDir, dotEnvName))
	}
	for _, path := range paths {
		err := godotenv.Load(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads config.json.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &NodeConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config.json through a temp file so a crash never leaves it half written.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides (after .env loading) are applied to the returned
// value but never written back to config.json.
func LoadOrCreate() (*NodeConfig, string, error) {
	if err := LoadDotEnv(""); err != nil {
		return nil, "", err
	}
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}
	if err := LoadDotEnv(dataDir); err != nil {
		return nil, "", err
	}

	path := ConfigPath(dataDir)
	cfg, err := Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = &NodeConfig{}
	case err != nil:
		return nil, "", err
	}
	if fillDefaults(cfg, dataDir) {
		if err := Save(path, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, path, nil
}

// fillDefaults completes a new or older config in place and reports whether
// anything changed. A config with a port but no mode is treated as fixed.
func fillDefaults(cfg *NodeConfig, dataDir string) bool {
	changed := false
	fill := func(missing bool, set func()) {
		if missing {
			set()
			changed = true
		}
	}
	keys := filepath.Join(dataDir, "keys")

	fill(cfg.PeerID == "", func() { cfg.PeerID = uuid.NewString() })
	fill(strings.TrimSpace(cfg.Alias) == "", func() { cfg.Alias = defaultAlias() })
	fill(cfg.PortMode != PortModeAutomatic && cfg.PortMode != PortModeFixed, func() {
		cfg.PortMode = PortModeAutomatic
		if cfg.ListeningPort > 0 {
			cfg.PortMode = PortModeFixed
		}
	})
	fill(cfg.PortMode == PortModeFixed && cfg.ListeningPort <= 0, func() { cfg.ListeningPort = DefaultListeningPort })
	fill(cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0, func() { cfg.ListeningPort = 0 })
	fill(cfg.HTTPAddress == "", func() { cfg.HTTPAddress = DefaultHTTPAddress })
	fill(cfg.LogLevel == "", func() { cfg.LogLevel = DefaultLogLevel })
	fill(cfg.BlockCheckIntervalMillis <= 0, func() {
		cfg.BlockCheckIntervalMillis = int(DefaultBlockCheckInterval.Milliseconds())
	})
	fill(cfg.PreviewLength <= 0, func() { cfg.PreviewLength = DefaultPreviewLength })
	fill(cfg.Ed25519PrivateKeyPath == "", func() { cfg.Ed25519PrivateKeyPath = filepath.Join(keys, "ed25519_private.pem") })
	fill(cfg.Ed25519PublicKeyPath == "", func() { cfg.Ed25519PublicKeyPath = filepath.Join(keys, "ed25519_public.pem") })
	fill(cfg.X25519PrivateKeyPath == "", func() { cfg.X25519PrivateKeyPath = filepath.Join(keys, "x25519_private.pem") })

	return changed
}

func defaultAlias() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "linda"
}

var envOverrides = []struct {
	name  string
	field func(*NodeConfig) *string
}{
	{aliasEnv, func(c *NodeConfig) *string { return &c.Alias }},
	{httpAddrEnv, func(c *NodeConfig) *string { return &c.HTTPAddress }},
	{logLevelEnv, func(c *NodeConfig) *string { return &c.LogLevel }},
}

func applyEnvOverrides(cfg *NodeConfig) {
	for _, o := range envOverrides {
		if v := strings.TrimSpace(os.Getenv(o.name)); v != "" {
			*o.field(cfg) = v
		}
	}
}
