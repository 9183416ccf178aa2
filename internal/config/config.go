// Package config loads the node's YAML configuration file and applies
// defaults. Command-line flags override individual fields after loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// ChainConfig parameterizes the chain-event tailer.
type ChainConfig struct {
	// Endpoint is the chain RPC URL (websocket or http).
	Endpoint string `yaml:"endpoint"`
	// Contract is the hex address of the announcement contract.
	Contract string `yaml:"contract"`
	// FromBlock is the block the tailer starts from on a fresh repo.
	FromBlock int64 `yaml:"from_block"`
	// StartSize/MinSize/MaxSize bound the adaptive window.
	StartSize int64 `yaml:"start_size"`
	MinSize   int64 `yaml:"min_size"`
	MaxSize   int64 `yaml:"max_size"`
	// TargetTime is the per-window duration the iterator converges on, in
	// seconds.
	TargetTime float64 `yaml:"target_time"`
	// SleepInterval is how long the tailer waits between live passes.
	SleepInterval time.Duration `yaml:"sleep_interval"`
}

// PeerConfig parameterizes the peering component and the peer client.
type PeerConfig struct {
	// ServiceID is this node's own hidden-service name.
	ServiceID string `yaml:"service_id"`
	// ContentServiceID is the hidden-service name the content endpoint is
	// reachable at, when split from the control endpoint.
	ContentServiceID string `yaml:"content_service_id"`
	// SocksProxy is the anonymizing transport's SOCKS5 address. Empty means
	// direct dialing.
	SocksProxy string `yaml:"socks_proxy"`
	// ListenAddr is the local address the peer HTTP surface binds; the
	// hidden-service controller forwards onto it.
	ListenAddr string `yaml:"listen_addr"`
	// MaxPeerCount caps the peer table.
	MaxPeerCount int `yaml:"max_peer_count"`
	// MaxDiscoveryDepth bounds the discovery walk.
	MaxDiscoveryDepth int `yaml:"max_discovery_depth"`
	// ConnectTimeout/ReadTimeout/TotalTimeout are the outbound call
	// deadlines.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	TotalTimeout   time.Duration `yaml:"total_timeout"`
}

// Config is the node's top-level configuration.
type Config struct {
	// RepoPath is the filesystem root for the datastore and content store.
	RepoPath string `yaml:"repo_path"`
	// SocketPath is the unix control socket the CLI talks to.
	SocketPath string `yaml:"socket_path"`
	// MetricsAddr, when set, serves Prometheus metrics over HTTP.
	MetricsAddr string `yaml:"metrics_addr"`
	// MaxBundleSize is a human-readable size cap for locally built bundles
	// ("10MiB", "512kb").
	MaxBundleSize string `yaml:"max_bundle_size"`
	// Version is stamped at build time, not read from the file.
	Version string `yaml:"-"`

	Chain ChainConfig `yaml:"chain"`
	Peer  PeerConfig  `yaml:"peer"`
}

// Default returns the configuration used when no file overrides anything.
func Default() Config {
	home, _ := os.UserHomeDir()
	repo := filepath.Join(home, ".sarafan")
	return Config{
		RepoPath:      repo,
		SocketPath:    filepath.Join(repo, "sarafand.sock"),
		MaxBundleSize: "10MiB",
		Chain: ChainConfig{
			StartSize:     100,
			MinSize:       1,
			MaxSize:       100000,
			TargetTime:    10,
			SleepInterval: 5 * time.Second,
		},
		Peer: PeerConfig{
			ListenAddr:     "127.0.0.1:14764",
			SocksProxy:     "127.0.0.1:9050",
			ConnectTimeout: 30 * time.Second,
			ReadTimeout:    10 * time.Second,
			TotalTimeout:   60 * time.Second,
		},
	}
}

// Load reads path into a Config on top of the defaults. A missing file is
// not an error: the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// MaxBundleBytes parses MaxBundleSize into a byte count.
func (c Config) MaxBundleBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxBundleSize)
	if err != nil {
		return 0, fmt.Errorf("config: max_bundle_size: %w", err)
	}
	return n, nil
}

// Write serializes cfg to path, creating parent directories.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
