// Package chain implements the chain-event tailer: adaptive block-range
// iteration over a single contract's logs, deduplicated by transaction hash
// and fanned out to typed subscribers.
//
// The RPC transport itself is an external collaborator; the LogSource
// interface below is exactly the subset of go-ethereum's *ethclient.Client
// the tailer needs, so a real client satisfies it with no adapter.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/libp2p/go-libp2p-core/event"
	"github.com/rs/zerolog/log"
	"github.com/sarafanio/overlay/overlay/eventbus"
)

// LogSource is the chain RPC surface the tailer depends on. Satisfied by
// *github.com/ethereum/go-ethereum/ethclient.Client.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// maxRetryAttempts bounds how many attempts a single window gets in total
// (the step size is halved before each retry) before a ChainRpcError is
// escalated to Run's caller.
const maxRetryAttempts = 6

// TailerConfig parameterizes a Tailer.
type TailerConfig struct {
	Client     LogSource
	Contract   common.Address
	From       int64
	To         *int64 // nil => live-tail forever
	StartSize  int64
	MinSize    int64
	MaxSize    int64
	Reverse    bool
	TargetTime float64
	// Sleep is block_sleep_interval: how long Run waits between passes on
	// an open-ended range.
	Sleep time.Duration
}

// Tailer drives one BlockRange over one contract's logs and fans decoded
// events out to subscribers via an internal eventbus.Bus.
type Tailer struct {
	client    LogSource
	contract  common.Address
	boundedTo *int64
	sleep     time.Duration

	br *BlockRange

	bus         *eventbus.Bus
	pubEmitter  event.Emitter
	peerEmitter event.Emitter

	mu        sync.Mutex
	seen      map[common.Hash]struct{}
	watermark int64
}

// NewTailer constructs a Tailer for one contract.
func NewTailer(cfg TailerConfig) (*Tailer, error) {
	sleep := cfg.Sleep
	if sleep == 0 {
		sleep = 5 * time.Second
	}
	if cfg.Reverse && cfg.To == nil {
		return nil, fmt.Errorf("chain: reverse tailer requires a bounded To")
	}

	br := New(Config{
		From:       cfg.From,
		To:         cfg.To,
		StartSize:  cfg.StartSize,
		MinSize:    cfg.MinSize,
		MaxSize:    cfg.MaxSize,
		Reverse:    cfg.Reverse,
		TargetTime: cfg.TargetTime,
	})

	t := &Tailer{
		client:    cfg.Client,
		contract:  cfg.Contract,
		boundedTo: cfg.To,
		sleep:     sleep,
		br:        br,
		bus:       eventbus.New(),
		seen:      make(map[common.Hash]struct{}),
	}

	pubEmitter, err := t.bus.Emitter(new(PublicationEvent))
	if err != nil {
		return nil, fmt.Errorf("chain: create publication emitter: %w", err)
	}
	peerEmitter, err := t.bus.Emitter(new(NewPeerEvent))
	if err != nil {
		return nil, fmt.Errorf("chain: create peer emitter: %w", err)
	}
	t.pubEmitter = pubEmitter
	t.peerEmitter = peerEmitter

	return t, nil
}

// Subscribe registers interest in a given event type (pass new(PublicationEvent)
// or new(NewPeerEvent)). Multiple subscriptions may be created for the same
// type and each receives every event. Delivery is back-pressured: an emit
// waits until every subscriber of the event's type has buffer room, and the
// tailer emits from its single run loop, so a full subscriber stalls the
// tailer and with it delivery to all subscribers.
func (t *Tailer) Subscribe(evtType interface{}, bufSize int) (event.Subscription, error) {
	return t.bus.Subscribe(evtType, bufSize)
}

// Run drives the tailer until the range terminates (bounded To fully
// consumed, or a reverse range reaching its origin) or, for an open-ended
// range, forever — sleeping Sleep between passes.
func (t *Tailer) Run(ctx context.Context) error {
	for {
		done, err := t.runPass(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.sleep):
		}

		if t.boundedTo == nil && !t.br.Reverse() {
			t.br = t.br.Fresh(t.br.Cursor())
		}
	}
}

func (t *Tailer) runPass(ctx context.Context) (bool, error) {
	head, err := t.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("chain: query head block: %w", err)
	}
	h := int64(head)
	if t.boundedTo != nil && *t.boundedTo < h {
		h = *t.boundedTo
	}
	if !t.br.Reverse() {
		t.br.Rebound(&h)
	}

	for {
		from, to, ok := t.br.Next()
		if !ok {
			break
		}

		logs, err := t.fetchLogsRetrying(ctx, from, to)
		if err != nil {
			return false, err
		}

		if t.br.Reverse() {
			reverseLogs(logs)
		}

		for _, l := range logs {
			if !t.markSeen(l.TxHash) {
				continue
			}
			evt, decErr := Decode(l)
			if decErr != nil {
				// Parse errors are fatal: events must never be silently
				// dropped.
				return false, fmt.Errorf("chain: fatal parse fault on tx %s: %w", l.TxHash, decErr)
			}
			t.dispatch(evt)
		}

		t.mu.Lock()
		t.watermark = t.br.Cursor()
		t.mu.Unlock()

		if !t.br.Reverse() && to >= h {
			break
		}
	}

	if t.br.Reverse() {
		return true, nil
	}
	if t.boundedTo != nil && t.br.Cursor() > *t.boundedTo {
		return true, nil
	}
	return false, nil
}

func (t *Tailer) fetchLogsRetrying(ctx context.Context, from, to int64) ([]types.Log, error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		logs, err := t.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: big.NewInt(from),
			ToBlock:   big.NewInt(to),
			Addresses: []common.Address{t.contract},
		})
		if err == nil {
			t.br.RecordTime(time.Since(start))
			return logs, nil
		}
		if attempt+1 >= maxRetryAttempts {
			return nil, fmt.Errorf("chain: persistent RPC failure for window [%d,%d]: %w", from, to, err)
		}
		log.Warn().Err(err).Int64("from", from).Int64("to", to).Int("attempt", attempt+1).Msg("chain rpc window failed, retrying with smaller window")
		t.br.Retry()
		from, to, _ = t.br.Next()
	}
}

// Watermark returns the edge up to which the tailer has fully processed
// logs. Persisting it lets a restart resume conservatively from there.
func (t *Tailer) Watermark() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark
}

func (t *Tailer) markSeen(h common.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[h]; ok {
		return false
	}
	t.seen[h] = struct{}{}
	return true
}

func (t *Tailer) dispatch(evt interface{}) {
	switch e := evt.(type) {
	case *PublicationEvent:
		if err := t.pubEmitter.Emit(*e); err != nil {
			log.Error().Err(err).Msg("failed to emit publication event")
		}
	case *NewPeerEvent:
		if err := t.peerEmitter.Emit(*e); err != nil {
			log.Error().Err(err).Msg("failed to emit new-peer event")
		}
	}
}

func reverseLogs(logs []types.Log) {
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
}
