package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/sarafanio/overlay/overlay/magnet"
)

func TestDecodePublication(t *testing.T) {
	var replyTo magnet.Magnet // sentinel: no parent
	m := magnet.FromBytes([]byte("publication payload"))
	source := common.HexToAddress("0x00000000000000000000000000000000000001")

	data, err := publicationNonIndexed.Pack(source, big.NewInt(1024), uint32(7))
	require.NoError(t, err)

	l := types.Log{
		Topics: []common.Hash{
			publicationSig,
			common.Hash(replyTo),
			common.Hash(m),
		},
		Data:   data,
		TxHash: common.HexToHash("0xabc"),
	}

	evt, err := Decode(l)
	require.NoError(t, err)
	pub, ok := evt.(*PublicationEvent)
	require.True(t, ok)
	require.Equal(t, replyTo, pub.ReplyTo)
	require.Equal(t, m, pub.Magnet)
	require.Equal(t, source, pub.Source)
	require.Equal(t, big.NewInt(1024), pub.Size)
	require.Equal(t, uint32(7), pub.Retention)
	require.Equal(t, l.TxHash, pub.TxHash)
}

func TestDecodePublicationTooFewTopics(t *testing.T) {
	l := types.Log{Topics: []common.Hash{publicationSig}}
	_, err := Decode(l)
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeNewPeer(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000002")
	var hostname [32]byte
	copy(hostname[:], "peer.example")

	data, err := newPeerArgs.Pack(addr, hostname)
	require.NoError(t, err)

	l := types.Log{
		Topics: []common.Hash{newPeerSig},
		Data:   data,
		TxHash: common.HexToHash("0xdef"),
	}

	evt, err := Decode(l)
	require.NoError(t, err)
	np, ok := evt.(*NewPeerEvent)
	require.True(t, ok)
	require.Equal(t, addr, np.Addr)
	require.Equal(t, "peer.example", np.Hostname)
}

func TestDecodeUnknownTopic(t *testing.T) {
	l := types.Log{Topics: []common.Hash{common.HexToHash("0xdeadbeef")}}
	_, err := Decode(l)
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeNoTopics(t *testing.T) {
	_, err := Decode(types.Log{})
	require.ErrorIs(t, err, ErrUnknownEvent)
}
