package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Chain.StartSize, cfg.Chain.StartSize)
	require.Equal(t, "10MiB", cfg.MaxBundleSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sarafand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
repo_path: /var/lib/sarafan
max_bundle_size: 512KiB
chain:
  endpoint: ws://localhost:8546
  contract: "0x1111111111111111111111111111111111111111"
  target_time: 2.5
peer:
  service_id: abc.onion
  max_peer_count: 50
  connect_timeout: 5s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/sarafan", cfg.RepoPath)
	require.Equal(t, "ws://localhost:8546", cfg.Chain.Endpoint)
	require.Equal(t, 2.5, cfg.Chain.TargetTime)
	require.Equal(t, "abc.onion", cfg.Peer.ServiceID)
	require.Equal(t, 50, cfg.Peer.MaxPeerCount)
	require.Equal(t, 5*time.Second, cfg.Peer.ConnectTimeout)

	// untouched fields keep their defaults
	require.Equal(t, int64(100), cfg.Chain.StartSize)

	n, err := cfg.MaxBundleBytes()
	require.NoError(t, err)
	require.Equal(t, int64(512<<10), n)
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sarafand.yaml")
	cfg := Default()
	cfg.Peer.ServiceID = "roundtrip.onion"

	require.NoError(t, Write(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "roundtrip.onion", loaded.Peer.ServiceID)
}
