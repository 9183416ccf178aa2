// Package store implements the content-addressed on-disk store: bundles are
// written through a temp file so partial writes never appear at the final,
// magnet-addressed path, and the digest is verified incrementally while
// streaming.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/sarafanio/overlay/overlay/magnet"
)

// InvalidChecksumError is returned when the streamed bytes do not hash to
// the requested magnet.
type InvalidChecksumError struct {
	Want magnet.Magnet
	Got  magnet.Magnet
}

func (e *InvalidChecksumError) Error() string {
	return fmt.Sprintf("store: checksum mismatch: want %s got %s", e.Want, e.Got)
}

var (
	bytesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sarafan",
		Subsystem: "store",
		Name:      "bytes_stored_total",
		Help:      "Total bytes successfully installed into the content store.",
	})
	checksumFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sarafan",
		Subsystem: "store",
		Name:      "checksum_failures_total",
		Help:      "Total downloads rejected for a magnet/digest mismatch.",
	})
)

func init() {
	prometheus.MustRegister(bytesStored, checksumFailures)
}

// Store is a content-addressed store rooted at a configured directory.
type Store struct {
	root string
}

// New opens a Store rooted at root, creating it if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir root: %w", err)
	}
	return &Store{root: root}, nil
}

// AbsolutePath returns root/shard_path(magnet).
func (s *Store) AbsolutePath(m magnet.Magnet) string {
	return filepath.Join(s.root, magnet.ShardPath(m))
}

// UnpackPath returns root/unpacked/shard_path(magnet).
func (s *Store) UnpackPath(m magnet.Magnet) string {
	return filepath.Join(s.root, "unpacked", magnet.ShardPath(m))
}

// Has reports whether a verified bundle for m is already installed.
func (s *Store) Has(m magnet.Magnet) bool {
	_, err := os.Stat(s.AbsolutePath(m))
	return err == nil
}

// Open returns a reader for an installed bundle's bytes.
func (s *Store) Open(m magnet.Magnet) (io.ReadCloser, error) {
	return os.Open(s.AbsolutePath(m))
}

// Store streams src to a temp sibling of absolute_path(magnet), hashing
// incrementally. On a digest match it atomically renames the temp file onto
// the final path, creating parent shard directories as needed. On a
// mismatch, the temp file is removed and InvalidChecksumError is returned.
// The temp file is unlinked on every failure path.
func (s *Store) Store(m magnet.Magnet, src io.Reader) (err error) {
	final := s.AbsolutePath(m)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir shard dir: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%s", filepath.Base(final), uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}

	removeTmp := func() {
		f.Close()
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("tmp", tmp).Msg("failed to remove temp store file")
		}
	}

	hasher := newHasher()
	n, copyErr := io.Copy(io.MultiWriter(f, hasher), src)
	if copyErr != nil {
		removeTmp()
		return fmt.Errorf("store: write: %w", copyErr)
	}
	if err := f.Sync(); err != nil {
		removeTmp()
		return fmt.Errorf("store: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: close: %w", err)
	}

	observed := hasher.sum()
	if observed != m {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("tmp", tmp).Msg("failed to remove temp store file")
		}
		checksumFailures.Inc()
		return &InvalidChecksumError{Want: m, Got: observed}
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename into place: %w", err)
	}
	bytesStored.Add(float64(n))
	log.Debug().Str("magnet", m.String()).Int64("bytes", n).Msg("bundle installed")
	return nil
}

// Remove deletes an installed bundle and any extracted copy of it.
func (s *Store) Remove(m magnet.Magnet) error {
	if err := os.Remove(s.AbsolutePath(m)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.RemoveAll(s.UnpackPath(m)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
