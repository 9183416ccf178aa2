package peering

import (
	"context"
	"sort"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dsquery "github.com/ipfs/go-datastore/query"
	"github.com/rs/zerolog/log"

	"github.com/sarafanio/overlay/overlay/distance"
	"github.com/sarafanio/overlay/overlay/magnet"
)

// DefaultMaxPeerCount is the peer table's default capacity.
const DefaultMaxPeerCount = 1000

// ratingLivenessGate is the minimum rating peers_by_distance requires a peer
// to carry before it is considered live enough to rank.
const ratingLivenessGate = 0.1

func peerKey(serviceID string) ds.Key {
	return ds.NewKey("/peers/" + serviceID)
}

// Table is the peer table: a capacity-bounded set of Peer records indexed by
// ServiceID and kept in a secondary sequence ordered by ascending rating.
// It is backed by a go-datastore so the table survives a restart.
type Table struct {
	store        ds.Datastore
	maxPeerCount int

	// OnRemove, if set, is called when a peer is evicted or explicitly
	// removed, so the owning component can close any cached remote client.
	OnRemove func(serviceID string)

	mu       sync.Mutex
	byID     map[string]*Peer
	byRating []*Peer // kept sorted ascending by Rating
}

// NewTable constructs a Table backed by store, loading any peers already
// persisted there. maxPeerCount of 0 uses DefaultMaxPeerCount.
func NewTable(ctx context.Context, store ds.Datastore, maxPeerCount int) (*Table, error) {
	if maxPeerCount == 0 {
		maxPeerCount = DefaultMaxPeerCount
	}
	t := &Table{
		store:        store,
		maxPeerCount: maxPeerCount,
		byID:         make(map[string]*Peer),
	}

	results, err := store.Query(ctx, dsquery.Query{Prefix: "/peers"})
	if err != nil {
		return nil, err
	}
	defer results.Close()
	for entry := range results.Next() {
		if entry.Error != nil {
			return nil, entry.Error
		}
		p, err := unmarshalPeer(entry.Value)
		if err != nil {
			log.Warn().Err(err).Str("key", entry.Key).Msg("dropping unreadable peer record")
			continue
		}
		t.byID[p.ServiceID] = &p
	}
	t.rebuildRatingIndex()
	return t, nil
}

func (t *Table) rebuildRatingIndex() {
	t.byRating = t.byRating[:0]
	for _, p := range t.byID {
		t.byRating = append(t.byRating, p)
	}
	sort.SliceStable(t.byRating, func(i, j int) bool {
		return t.byRating[i].Rating < t.byRating[j].Rating
	})
}

// Add inserts or updates p (idempotent by ServiceID), re-sorts the rating
// index, then runs capacity control: while the table exceeds its cap, the
// lowest-rated peers are dropped.
func (t *Table) Add(ctx context.Context, p Peer) error {
	t.mu.Lock()
	t.byID[p.ServiceID] = &p
	t.rebuildRatingIndex()
	evicted := t.evictOverCapacityLocked()
	t.mu.Unlock()

	if err := t.persist(ctx, p); err != nil {
		return err
	}
	for _, id := range evicted {
		if err := t.store.Delete(ctx, peerKey(id)); err != nil {
			log.Warn().Err(err).Str("service_id", id).Msg("failed to evict peer record from datastore")
		}
		if t.OnRemove != nil {
			t.OnRemove(id)
		}
	}
	return nil
}

// UpdateRating adjusts an existing peer's rating in place (used by discovery
// feedback). It is a no-op if the peer is not present.
func (t *Table) UpdateRating(ctx context.Context, serviceID string, rating float64) error {
	t.mu.Lock()
	p, ok := t.byID[serviceID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	p.Rating = rating
	t.rebuildRatingIndex()
	cp := *p
	t.mu.Unlock()
	return t.persist(ctx, cp)
}

func (t *Table) persist(ctx context.Context, p Peer) error {
	b, err := p.marshal()
	if err != nil {
		return err
	}
	return t.store.Put(ctx, peerKey(p.ServiceID), b)
}

// evictOverCapacityLocked must be called with t.mu held. It only updates the
// in-memory indexes (fast, non-suspending) and returns the evicted service
// IDs so the caller can perform the slower datastore delete and OnRemove
// notification outside the critical section.
func (t *Table) evictOverCapacityLocked() []string {
	var evicted []string
	for len(t.byRating) > t.maxPeerCount {
		victim := t.byRating[0]
		delete(t.byID, victim.ServiceID)
		t.byRating = t.byRating[1:]
		evicted = append(evicted, victim.ServiceID)
	}
	return evicted
}

// Remove deletes a peer from both indexes and the backing store, and
// notifies OnRemove so any cached remote client can be closed.
func (t *Table) Remove(ctx context.Context, serviceID string) error {
	t.mu.Lock()
	_, ok := t.byID[serviceID]
	if ok {
		delete(t.byID, serviceID)
		t.rebuildRatingIndex()
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if t.OnRemove != nil {
		t.OnRemove(serviceID)
	}
	return t.store.Delete(ctx, peerKey(serviceID))
}

// Get returns the peer with the given ServiceID, if present.
func (t *Table) Get(serviceID string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[serviceID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// List returns a snapshot of every peer, ordered by descending rating.
func (t *Table) List() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.byRating))
	for i := len(t.byRating) - 1; i >= 0; i-- {
		out = append(out, *t.byRating[i])
	}
	return out
}

// Len returns the current peer count.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// PeersByDistance takes the top-topK peers by rating (a coarse quality
// filter), keeps only those with Rating > ratingLivenessGate, then sorts
// ascending by distance to m. topK of 0 uses the full table.
func (t *Table) PeersByDistance(m magnet.Magnet, topK int) []Peer {
	t.mu.Lock()
	candidates := make([]*Peer, len(t.byRating))
	copy(candidates, t.byRating)
	t.mu.Unlock()

	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}
	// byRating is ascending; the top-topK by rating are the last topK.
	top := candidates[len(candidates)-topK:]

	live := make([]Peer, 0, len(top))
	for _, p := range top {
		if p.Rating > ratingLivenessGate {
			live = append(live, *p)
		}
	}

	sort.SliceStable(live, func(i, j int) bool {
		return distance.ToMagnet(live[i].ServiceID, m) < distance.ToMagnet(live[j].ServiceID, m)
	})
	return live
}
