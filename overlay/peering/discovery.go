package peering

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p-core/event"
	"github.com/rs/zerolog/log"

	"github.com/sarafanio/overlay/overlay/eventbus"
	"github.com/sarafanio/overlay/overlay/magnet"
)

// DefaultMaxDepth bounds the discovery walk.
const DefaultMaxDepth = 25

// DistributionSuccessThreshold is the number of successful uploads
// Distribute tries to reach before stopping.
const DistributionSuccessThreshold = 10

// emptyPeerListPollInterval is how long Distribute initially waits before
// re-checking the table when no peer is known yet; subsequent waits back
// off from it. A var (not const) so tests can speed it up.
var emptyPeerListPollInterval = 10 * time.Second

// ErrDiscoveryFailed is returned when the walk exhausts MAX_DEPTH without
// finding a peer that holds the magnet.
var ErrDiscoveryFailed = errors.New("peering: discovery exhausted without finding a holder")

// PeerClient is the subset of the remote peer contract the discovery and
// distribution walks need. overlay/peerclient.Client satisfies
// this without either package importing the other's concrete types.
type PeerClient interface {
	Discover(ctx context.Context, m magnet.Magnet) (match, near []Peer, err error)
	HasMagnet(ctx context.Context, m magnet.Magnet) (bool, error)
	Upload(ctx context.Context, m magnet.Magnet, src io.Reader) error
	Close() error
}

// ClientFactory builds a PeerClient for a given peer. Typically
// overlay/peerclient.New(peer.ServiceID, peer.ContentServiceID).
type ClientFactory func(p Peer) (PeerClient, error)

// DiscoveryState carries visited peers across retries so a retry does not
// revisit exhausted peers.
type DiscoveryState struct {
	RetryNumber int
	Visited     map[string]struct{}
}

// NewDiscoveryState returns an empty DiscoveryState for a first attempt.
func NewDiscoveryState() *DiscoveryState {
	return &DiscoveryState{Visited: make(map[string]struct{})}
}

// RatingChangedEvent is published whenever discovery feedback adjusts a
// peer's rating, so other components (e.g. persistence, metrics) can
// observe it without polling the table.
type RatingChangedEvent struct {
	ServiceID string
	Rating    float64
}

// DiscoveryFinishedEvent is published when discovery locates a peer holding
// the magnet.
type DiscoveryFinishedEvent struct {
	Magnet      magnet.Magnet
	Peer        Peer
	DownloadURL string
}

// DiscoveryFailedEvent is published when a discovery walk exhausts
// MAX_DEPTH without success.
type DiscoveryFailedEvent struct {
	Magnet magnet.Magnet
	State  DiscoveryState
}

// Discovery runs the greedy, distance-ranked discovery and distribution
// walks over a Table, using a ClientFactory to talk to remote peers.
type Discovery struct {
	table     *Table
	clientFor ClientFactory
	maxDepth  int

	ratingEmitter   event.Emitter
	finishedEmitter event.Emitter
	failedEmitter   event.Emitter

	mu      sync.Mutex
	clients map[string]PeerClient
}

// NewDiscovery wires a Discovery over table, publishing rating and terminal
// discovery events on bus. maxDepth of 0 uses DefaultMaxDepth.
func NewDiscovery(table *Table, clientFor ClientFactory, bus *eventbus.Bus, maxDepth int) (*Discovery, error) {
	if maxDepth == 0 {
		maxDepth = DefaultMaxDepth
	}
	d := &Discovery{
		table:     table,
		clientFor: clientFor,
		maxDepth:  maxDepth,
		clients:   make(map[string]PeerClient),
	}

	var err error
	if d.ratingEmitter, err = bus.Emitter(new(RatingChangedEvent)); err != nil {
		return nil, err
	}
	if d.finishedEmitter, err = bus.Emitter(new(DiscoveryFinishedEvent)); err != nil {
		return nil, err
	}
	if d.failedEmitter, err = bus.Emitter(new(DiscoveryFailedEvent)); err != nil {
		return nil, err
	}

	table.OnRemove = d.closeCached
	return d, nil
}

func (d *Discovery) closeCached(serviceID string) {
	d.mu.Lock()
	c, ok := d.clients[serviceID]
	delete(d.clients, serviceID)
	d.mu.Unlock()
	if ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("service_id", serviceID).Msg("failed to close cached peer client")
		}
	}
}

func (d *Discovery) clientForPeer(p Peer) (PeerClient, error) {
	d.mu.Lock()
	if c, ok := d.clients[p.ServiceID]; ok {
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	c, err := d.clientFor(p)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.clients[p.ServiceID] = c
	d.mu.Unlock()
	return c, nil
}

// Discover runs the iterative, bounded-depth discovery walk for m, starting
// from (or continuing) state. It returns the holder Peer on success.
func (d *Discovery) Discover(ctx context.Context, m magnet.Magnet, state *DiscoveryState) (*Peer, error) {
	if state == nil {
		state = NewDiscoveryState()
	}

	for depth := 0; depth <= d.maxDepth; depth++ {
		for _, p := range d.table.PeersByDistance(m, 0) {
			if _, seen := state.Visited[p.ServiceID]; seen {
				continue
			}
			state.Visited[p.ServiceID] = struct{}{}

			client, err := d.clientForPeer(p)
			if err != nil {
				d.penalize(ctx, p)
				continue
			}

			match, near, err := client.Discover(ctx, m)
			if err != nil {
				d.penalize(ctx, p)
				continue
			}
			d.reward(ctx, p)

			for _, np := range append(append([]Peer{}, match...), near...) {
				if _, known := d.table.Get(np.ServiceID); !known {
					if err := d.table.Add(ctx, np); err != nil {
						log.Warn().Err(err).Str("service_id", np.ServiceID).Msg("failed to persist discovered peer")
					}
				}
			}

			has, err := client.HasMagnet(ctx, m)
			if err != nil {
				d.penalize(ctx, p)
				continue
			}
			if has {
				d.emitFinished(p, m)
				return &p, nil
			}
		}
	}

	d.emitFailed(m, *state)
	return nil, ErrDiscoveryFailed
}

// Penalize lowers p's rating the same way a failed discovery exchange does.
// The download pipeline calls this when a peer served bytes that failed
// integrity verification.
func (d *Discovery) Penalize(ctx context.Context, p Peer) {
	d.penalize(ctx, p)
}

func (d *Discovery) reward(ctx context.Context, p Peer) {
	d.applyRating(ctx, p.ServiceID, p.Rating*2)
}

func (d *Discovery) penalize(ctx context.Context, p Peer) {
	d.applyRating(ctx, p.ServiceID, p.Rating/4)
}

func (d *Discovery) applyRating(ctx context.Context, serviceID string, rating float64) {
	if err := d.table.UpdateRating(ctx, serviceID, rating); err != nil {
		log.Warn().Err(err).Str("service_id", serviceID).Msg("failed to persist rating update")
	}
	if err := d.ratingEmitter.Emit(RatingChangedEvent{ServiceID: serviceID, Rating: rating}); err != nil {
		log.Warn().Err(err).Msg("failed to emit rating change")
	}
}

func (d *Discovery) emitFinished(p Peer, m magnet.Magnet) {
	evt := DiscoveryFinishedEvent{Magnet: m, Peer: p, DownloadURL: downloadURL(p, m)}
	if err := d.finishedEmitter.Emit(evt); err != nil {
		log.Warn().Err(err).Msg("failed to emit discovery-finished event")
	}
}

func (d *Discovery) emitFailed(m magnet.Magnet, state DiscoveryState) {
	evt := DiscoveryFailedEvent{Magnet: m, State: state}
	if err := d.failedEmitter.Emit(evt); err != nil {
		log.Warn().Err(err).Msg("failed to emit discovery-failed event")
	}
}

func downloadURL(p Peer, m magnet.Magnet) string {
	return "http://" + p.ContentHost() + "/" + magnet.ShardPath(m)
}

// Distribute takes the distance-ranked peer list and attempts streamed
// uploads sequentially until DistributionSuccessThreshold successes or the
// peer list is exhausted. If the table is initially empty,
// it polls with emptyPeerListPollInterval backoff until a peer is known.
// open must return a fresh reader for each attempt (the previous attempt's
// reader may have been partially consumed by a failed upload).
func (d *Discovery) Distribute(ctx context.Context, m magnet.Magnet, open func() (io.ReadCloser, error)) (int, error) {
	wait := &backoff.Backoff{Min: emptyPeerListPollInterval, Max: 2 * time.Minute, Factor: 1.5}
	for {
		peers := d.table.PeersByDistance(m, 0)
		if len(peers) == 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(wait.Duration()):
			}
			continue
		}

		successCount := 0
		for _, p := range peers {
			if successCount >= DistributionSuccessThreshold {
				break
			}
			if err := d.uploadOnce(ctx, p, m, open); err != nil {
				log.Warn().Err(err).Str("service_id", p.ServiceID).Msg("upload attempt failed")
				continue
			}
			successCount++
		}
		return successCount, nil
	}
}

func (d *Discovery) uploadOnce(ctx context.Context, p Peer, m magnet.Magnet, open func() (io.ReadCloser, error)) error {
	client, err := d.clientForPeer(p)
	if err != nil {
		return err
	}
	src, err := open()
	if err != nil {
		return err
	}
	defer src.Close()
	return client.Upload(ctx, m, src)
}
