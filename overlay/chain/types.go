package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sarafanio/overlay/overlay/magnet"
)

// ReplyToSentinel is the zero bytes32 value a Publication's replyTo field
// carries when a publication has no parent.
var ReplyToSentinel magnet.Magnet

// PublicationEvent is the decoded, snake_case-folded form of the on-chain
// Publication(replyTo bytes32 indexed, magnet bytes32 indexed, source
// address, size uint256, retention uint32) log.
type PublicationEvent struct {
	TxHash    common.Hash
	ReplyTo   magnet.Magnet
	Magnet    magnet.Magnet
	Source    common.Address
	Size      *big.Int
	Retention uint32
}

// NewPeerEvent is the decoded form of the on-chain NewPeer(addr address,
// hostname bytes32 ASCII) log. Hostname is a service identifier: an ASCII
// string right-padded with zero bytes in the bytes32 encoding.
type NewPeerEvent struct {
	TxHash   common.Hash
	Addr     common.Address
	Hostname string
}

var (
	publicationSig = crypto.Keccak256Hash([]byte("Publication(bytes32,bytes32,address,uint256,uint32)"))
	newPeerSig     = crypto.Keccak256Hash([]byte("NewPeer(address,bytes32)"))

	publicationNonIndexed = abi.Arguments{
		{Name: "source", Type: mustType("address")},
		{Name: "size", Type: mustType("uint256")},
		{Name: "retention", Type: mustType("uint32")},
	}
	newPeerArgs = abi.Arguments{
		{Name: "addr", Type: mustType("address")},
		{Name: "hostname", Type: mustType("bytes32")},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Topic0 returns the event signature hash the tailer matches a raw log
// against before attempting to decode it.
func (PublicationEvent) Topic0() common.Hash { return publicationSig }

// Topic0 returns the event signature hash for NewPeer logs.
func (NewPeerEvent) Topic0() common.Hash { return newPeerSig }

// ErrUnknownEvent is returned by Decode when a log's topic0 does not match
// any event type this tailer knows how to decode.
var ErrUnknownEvent = fmt.Errorf("chain: unrecognized event topic")

// Decode dispatches a raw log to its typed event based on topics[0],
// folding camelCase ABI field names to snake_case Go fields and converting
// bytes32 to hex string (magnets) or bytes32 to ASCII (service identifiers)
// as each field dictates.
func Decode(l types.Log) (interface{}, error) {
	if len(l.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	switch l.Topics[0] {
	case publicationSig:
		return decodePublication(l)
	case newPeerSig:
		return decodeNewPeer(l)
	default:
		return nil, ErrUnknownEvent
	}
}

func decodePublication(l types.Log) (*PublicationEvent, error) {
	if len(l.Topics) < 3 {
		return nil, fmt.Errorf("%w: Publication expects 2 indexed topics, got %d", ErrUnknownEvent, len(l.Topics)-1)
	}
	var replyTo, m magnet.Magnet
	copy(replyTo[:], l.Topics[1].Bytes())
	copy(m[:], l.Topics[2].Bytes())

	values, err := publicationNonIndexed.Unpack(l.Data)
	if err != nil {
		return nil, fmt.Errorf("chain: decode Publication data: %w", err)
	}
	source, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: Publication.source", ErrUnknownEvent)
	}
	size, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: Publication.size", ErrUnknownEvent)
	}
	retention, ok := values[2].(uint32)
	if !ok {
		return nil, fmt.Errorf("%w: Publication.retention", ErrUnknownEvent)
	}

	return &PublicationEvent{
		TxHash:    l.TxHash,
		ReplyTo:   replyTo,
		Magnet:    m,
		Source:    source,
		Size:      size,
		Retention: retention,
	}, nil
}

func decodeNewPeer(l types.Log) (*NewPeerEvent, error) {
	values, err := newPeerArgs.Unpack(l.Data)
	if err != nil {
		return nil, fmt.Errorf("chain: decode NewPeer data: %w", err)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: NewPeer.addr", ErrUnknownEvent)
	}
	hostRaw, ok := values[1].([32]byte)
	if !ok {
		return nil, fmt.Errorf("%w: NewPeer.hostname", ErrUnknownEvent)
	}

	return &NewPeerEvent{
		TxHash:   l.TxHash,
		Addr:     addr,
		Hostname: bytes32ToASCII(hostRaw),
	}, nil
}

// bytes32ToASCII trims the trailing zero padding go-ethereum's ABI encoder
// uses to right-pad a short ASCII string into a bytes32 slot.
func bytes32ToASCII(b [32]byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}
