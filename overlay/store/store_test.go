package store

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sarafanio/overlay/overlay/magnet"
	"github.com/stretchr/testify/require"
)

func TestStoreVerifiesAndInstalls(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	content := []byte("bundle bytes")
	m := magnet.FromBytes(content)

	require.NoError(t, s.Store(m, bytes.NewReader(content)))
	require.True(t, s.Has(m))

	data, err := os.ReadFile(s.AbsolutePath(m))
	require.NoError(t, err)
	require.Equal(t, content, data)

	// a file only ever lands at the path its content hashes to
	require.Equal(t, m, magnet.FromBytes(data))
}

func TestStoreRejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	wrong := magnet.FromBytes([]byte("something else entirely"))
	err = s.Store(wrong, bytes.NewReader([]byte("actual bytes")))

	var checksumErr *InvalidChecksumError
	require.ErrorAs(t, err, &checksumErr)
	require.False(t, s.Has(wrong))

	// no temp file left behind in the shard directory
	shardDir := filepath.Dir(s.AbsolutePath(wrong))
	entries, statErr := os.ReadDir(shardDir)
	if statErr == nil {
		for _, e := range entries {
			require.False(t, strings.Contains(e.Name(), ".tmp."))
		}
	}
}

func TestShardedLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	content := []byte("shard test content")
	m := magnet.FromBytes(content)
	require.NoError(t, s.Store(m, bytes.NewReader(content)))

	want := filepath.Join(dir, magnet.ShardPath(m))
	require.Equal(t, want, s.AbsolutePath(m))
}
