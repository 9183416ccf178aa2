package distance

import (
	"testing"

	"github.com/sarafanio/overlay/overlay/magnet"
	"github.com/stretchr/testify/require"
)

func TestOfIsBounded(t *testing.T) {
	d := Of("peer-a.onion", "peer-b.onion")
	require.GreaterOrEqual(t, d, 0.0)
	require.LessOrEqual(t, d, 1.0)
}

func TestOfIsSymmetric(t *testing.T) {
	require.Equal(t, Of("a", "b"), Of("b", "a"))
}

func TestOfIsDeterministic(t *testing.T) {
	require.Equal(t, Of("peer-a.onion", "peer-b.onion"), Of("peer-a.onion", "peer-b.onion"))
}

func TestToMagnetUsesDigestAsIs(t *testing.T) {
	m := magnet.FromBytes([]byte("bundle bytes"))
	require.Equal(t, Of("service-id", m.String()), ToMagnet("service-id", m))
}
