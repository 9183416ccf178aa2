// Package magnet implements the content-address primitives of the overlay:
// validating magnet strings and mapping them onto the sharded on-disk layout
// described by the content store.
package magnet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"golang.org/x/crypto/sha3"
)

// Size is the byte length of a magnet (keccak-256 digest).
const Size = 32

// shardLen is the hex length of each of the four path segments a magnet is
// sharded into (Size*2 hex chars / 4 segments).
const shardLen = Size * 2 / 4

// ErrInvalidMagnet is returned whenever a string fails the magnet invariant:
// exactly 64 lowercase hex characters.
var ErrInvalidMagnet = errors.New("magnet: invalid magnet string")

// Magnet is the 256-bit keccak-256 digest of a bundle's byte stream.
type Magnet [Size]byte

// Parse validates and decodes a magnet string into a Magnet.
func Parse(s string) (Magnet, error) {
	if !IsMagnet(s) {
		return Magnet{}, fmt.Errorf("%w: %q", ErrInvalidMagnet, s)
	}
	var m Magnet
	if _, err := hex.Decode(m[:], []byte(s)); err != nil {
		return Magnet{}, fmt.Errorf("%w: %v", ErrInvalidMagnet, err)
	}
	return m, nil
}

// IsMagnet reports whether s is a syntactically valid magnet: 64 characters,
// entirely lowercase hexadecimal.
func IsMagnet(s string) bool {
	if len(s) != Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// String renders the magnet as lowercase hex.
func (m Magnet) String() string {
	return hex.EncodeToString(m[:])
}

// MarshalJSON encodes the magnet as its hex string form.
func (m Magnet) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON decodes a magnet from its hex string form.
func (m *Magnet) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("%w: not a JSON string", ErrInvalidMagnet)
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// FromReader computes the magnet (keccak-256 digest) of a byte stream.
func FromReader(r io.Reader) (Magnet, error) {
	h := sha3.NewLegacyKeccak256()
	if _, err := io.Copy(h, r); err != nil {
		return Magnet{}, err
	}
	var m Magnet
	copy(m[:], h.Sum(nil))
	return m, nil
}

// FromBytes computes the magnet of an in-memory byte slice.
func FromBytes(b []byte) Magnet {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var m Magnet
	copy(m[:], h.Sum(nil))
	return m
}

// ShardPath converts a magnet into its four 16-char path segments, joined by
// the OS path separator: ROOT/aaaa.../bbbb.../cccc.../dddd...
func ShardPath(m Magnet) string {
	s := m.String()
	return filepath.Join(
		s[0*shardLen:1*shardLen],
		s[1*shardLen:2*shardLen],
		s[2*shardLen:3*shardLen],
		s[3*shardLen:4*shardLen],
	)
}

// ShardPathString validates s as a magnet and returns its shard path, failing
// with ErrInvalidMagnet when s does not validate.
func ShardPathString(s string) (string, error) {
	m, err := Parse(s)
	if err != nil {
		return "", err
	}
	return ShardPath(m), nil
}
