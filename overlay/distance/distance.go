// Package distance implements the pseudo-metric used to rank peers relative
// to a magnet or to each other. It isolates the function so it can be
// swapped without touching the peering component that consumes it.
package distance

import (
	"math"
	"math/big"

	"github.com/sarafanio/overlay/overlay/magnet"
	"golang.org/x/crypto/sha3"
)

// position converts a service identifier or magnet into a 256-bit integer.
// Magnets are taken as-is (their hex digest IS the position); any other
// string is treated as an ASCII service identifier and normalized through
// keccak-256 first.
func position(s string) *big.Int {
	if magnet.IsMagnet(s) {
		n := new(big.Int)
		n.SetString(s, 16)
		return n
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s))
	return new(big.Int).SetBytes(h.Sum(nil))
}

// Of computes |sin(position(a) XOR position(b))|, a value in [0, 1].
//
// This is a cheap, deterministic pseudo-metric, not a true metric: it does
// not satisfy the triangle inequality and offers no cryptographic guarantee.
// That is acceptable here because it only drives a greedy ranking walk, not
// an anonymity or consensus claim.
func Of(a, b string) float64 {
	pa, pb := position(a), position(b)
	x := new(big.Int).Xor(pa, pb)
	f := new(big.Float).SetInt(x)
	v, _ := f.Float64()
	return math.Abs(math.Sin(v))
}

// ServiceIDs computes the distance between two service identifiers.
func ServiceIDs(a, b string) float64 { return Of(a, b) }

// ToMagnet computes the distance between a service identifier and a magnet.
func ToMagnet(serviceID string, m magnet.Magnet) float64 {
	return Of(serviceID, m.String())
}
