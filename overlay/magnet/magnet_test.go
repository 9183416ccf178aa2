package magnet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleMagnet = "13600b294191fc92924bb3ce4b969c1e7e2bab8f4c93c3fc6d0a51733df3c060"

func TestIsMagnet(t *testing.T) {
	require.True(t, IsMagnet(sampleMagnet))
	require.False(t, IsMagnet("123"))
	require.False(t, IsMagnet("x"+sampleMagnet[1:]))
	require.False(t, IsMagnet(strings.ToUpper(sampleMagnet)))
}

func TestShardPath(t *testing.T) {
	m, err := Parse(sampleMagnet)
	require.NoError(t, err)

	p := ShardPath(m)
	segs := strings.Split(p, "/")
	require.Len(t, segs, 4)
	for _, s := range segs {
		require.Len(t, s, 16)
	}
	require.Equal(t, sampleMagnet, strings.Join(segs, ""))
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-a-magnet")
	require.ErrorIs(t, err, ErrInvalidMagnet)
}

func TestFromBytesRoundTrip(t *testing.T) {
	m := FromBytes([]byte("hello bundle"))
	require.True(t, IsMagnet(m.String()))

	parsed, err := Parse(m.String())
	require.NoError(t, err)
	require.Equal(t, m, parsed)
}

func TestFromReader(t *testing.T) {
	m1 := FromBytes([]byte("content"))
	m2, err := FromReader(strings.NewReader("content"))
	require.NoError(t, err)
	require.Equal(t, m1, m2)
}
