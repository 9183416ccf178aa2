package store

import (
	"hash"

	"github.com/sarafanio/overlay/overlay/magnet"
	"golang.org/x/crypto/sha3"
)

// incrementalHasher wraps keccak-256 so Store can compute the magnet while
// streaming bytes to disk, without buffering the whole bundle in memory.
type incrementalHasher struct {
	h hash.Hash
}

func newHasher() *incrementalHasher {
	return &incrementalHasher{h: sha3.NewLegacyKeccak256()}
}

func (i *incrementalHasher) Write(p []byte) (int, error) {
	return i.h.Write(p)
}

func (i *incrementalHasher) sum() magnet.Magnet {
	var m magnet.Magnet
	copy(m[:], i.h.Sum(nil))
	return m
}
