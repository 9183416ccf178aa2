package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/sarafanio/overlay/overlay/magnet"
)

func mustBytesMagnet(s string) magnet.Magnet {
	return magnet.FromBytes([]byte(s))
}

var errTransient = errors.New("chain: transient rpc failure")

// fakeLogSource serves canned logs keyed by [from,to] window against a fixed
// head, optionally failing a configured number of calls before succeeding.
type fakeLogSource struct {
	mu   sync.Mutex
	head uint64
	logs map[[2]int64][]types.Log

	failFirstN int
	calls      int
}

func (f *fakeLogSource) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeLogSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirstN {
		return nil, errTransient
	}
	key := [2]int64{q.FromBlock.Int64(), q.ToBlock.Int64()}
	return f.logs[key], nil
}

func TestTailerFansOutPublicationEvents(t *testing.T) {
	contract := common.HexToAddress("0x00000000000000000000000000000000000099")
	source := common.HexToAddress("0x00000000000000000000000000000000000001")
	mg := mustBytesMagnet("event one")

	data, err := publicationNonIndexed.Pack(source, big.NewInt(10), uint32(0))
	require.NoError(t, err)

	logs := map[[2]int64][]types.Log{
		{0, 99}: {
			{
				Topics: []common.Hash{publicationSig, common.Hash{}, common.Hash(mg)},
				Data:   data,
				TxHash: common.HexToHash("0x01"),
			},
		},
	}

	src := &fakeLogSource{head: 99, logs: logs}
	tailer, err := NewTailer(TailerConfig{
		Client:    src,
		Contract:  contract,
		From:      0,
		To:        int64Ptr(99),
		StartSize: 100,
		Sleep:     time.Millisecond,
	})
	require.NoError(t, err)

	sub, err := tailer.Subscribe(new(PublicationEvent), 4)
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- tailer.Run(context.Background()) }()

	select {
	case evt := <-sub.Out():
		pub := evt.(PublicationEvent)
		require.Equal(t, mg, pub.Magnet)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out event")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("tailer.Run did not terminate for a bounded range")
	}
}

func TestTailerDedupesByTransactionHash(t *testing.T) {
	contract := common.HexToAddress("0x00000000000000000000000000000000000099")
	source := common.HexToAddress("0x00000000000000000000000000000000000001")
	mg := mustBytesMagnet("dup event")

	data, err := publicationNonIndexed.Pack(source, big.NewInt(1), uint32(0))
	require.NoError(t, err)

	dupLog := types.Log{
		Topics: []common.Hash{publicationSig, common.Hash{}, common.Hash(mg)},
		Data:   data,
		TxHash: common.HexToHash("0x02"),
	}

	logs := map[[2]int64][]types.Log{
		{0, 49}:  {dupLog},
		{50, 99}: {dupLog},
	}

	src := &fakeLogSource{head: 99, logs: logs}
	tailer, err := NewTailer(TailerConfig{
		Client:    src,
		Contract:  contract,
		From:      0,
		To:        int64Ptr(99),
		StartSize: 50,
		Sleep:     time.Millisecond,
	})
	require.NoError(t, err)

	sub, err := tailer.Subscribe(new(PublicationEvent), 4)
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- tailer.Run(context.Background()) }()

	select {
	case <-sub.Out():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first event")
	}

	select {
	case <-sub.Out():
		t.Fatal("duplicate transaction hash should not be delivered twice")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, <-done)
}

func TestTailerRetriesTransientRPCFailure(t *testing.T) {
	contract := common.HexToAddress("0x00000000000000000000000000000000000099")
	source := common.HexToAddress("0x00000000000000000000000000000000000001")
	mg := mustBytesMagnet("retried event")

	data, err := publicationNonIndexed.Pack(source, big.NewInt(1), uint32(0))
	require.NoError(t, err)

	// The first attempt covers [0,99] and fails; Retry halves the step to 50,
	// redoing the window as [0,49], which is the window the fake actually
	// has logs for.
	logs := map[[2]int64][]types.Log{
		{0, 49}: {
			{
				Topics: []common.Hash{publicationSig, common.Hash{}, common.Hash(mg)},
				Data:   data,
				TxHash: common.HexToHash("0x03"),
			},
		},
	}

	src := &fakeLogSource{head: 99, logs: logs, failFirstN: 1}
	tailer, err := NewTailer(TailerConfig{
		Client:    src,
		Contract:  contract,
		From:      0,
		To:        int64Ptr(99),
		StartSize: 100,
		MinSize:   1,
		Sleep:     time.Millisecond,
	})
	require.NoError(t, err)

	sub, err := tailer.Subscribe(new(PublicationEvent), 4)
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- tailer.Run(context.Background()) }()

	select {
	case evt := <-sub.Out():
		pub := evt.(PublicationEvent)
		require.Equal(t, mg, pub.Magnet)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event after retry")
	}

	require.NoError(t, <-done)
}

func int64Ptr(v int64) *int64 { return &v }
