package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p-core/event"
	"github.com/stretchr/testify/require"

	"github.com/sarafanio/overlay/overlay/eventbus"
	"github.com/sarafanio/overlay/overlay/magnet"
	"github.com/sarafanio/overlay/overlay/peerclient"
	"github.com/sarafanio/overlay/overlay/peering"
	"github.com/sarafanio/overlay/overlay/store"
)

// fakePeer serves canned content for discovery and fetch.
type fakePeer struct {
	content   []byte // bytes served on Download
	hasMagnet bool
	match     []peering.Peer // peers advertised as holders on Discover
}

func (p *fakePeer) Discover(ctx context.Context, m magnet.Magnet) ([]peering.Peer, []peering.Peer, error) {
	return p.match, nil, nil
}

func (p *fakePeer) HasMagnet(ctx context.Context, m magnet.Magnet) (bool, error) {
	return p.hasMagnet, nil
}

func (p *fakePeer) Upload(ctx context.Context, m magnet.Magnet, src io.Reader) error {
	return nil
}

func (p *fakePeer) Download(ctx context.Context, m magnet.Magnet, sink peerclient.Sink) error {
	return sink(m, bytes.NewReader(p.content))
}

func (p *fakePeer) Close() error { return nil }

type env struct {
	table     *peering.Table
	discovery *peering.Discovery
	store     *store.Store
	bus       *eventbus.Bus
	queue     *Queue
	peers     map[string]*fakePeer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	tbl, err := peering.NewTable(ctx, ds.NewMapDatastore(), 0)
	require.NoError(t, err)

	e := &env{table: tbl, bus: eventbus.New(), peers: make(map[string]*fakePeer)}

	factory := func(p peering.Peer) (peering.PeerClient, error) {
		fp, ok := e.peers[p.ServiceID]
		if !ok {
			return nil, errors.New("no route to " + p.ServiceID)
		}
		return fp, nil
	}
	e.discovery, err = peering.NewDiscovery(tbl, factory, e.bus, 3)
	require.NoError(t, err)

	e.store, err = store.New(t.TempDir())
	require.NoError(t, err)

	fetcherFor := func(p peering.Peer) (Fetcher, error) {
		fp, ok := e.peers[p.ServiceID]
		if !ok {
			return nil, errors.New("no route to " + p.ServiceID)
		}
		return fp, nil
	}
	e.queue, err = NewQueue(e.discovery, e.store, fetcherFor, e.bus, 0)
	require.NoError(t, err)
	return e
}

func (e *env) addPeer(t *testing.T, id string, p *fakePeer) {
	t.Helper()
	e.peers[id] = p
	require.NoError(t, e.table.Add(context.Background(), peering.Peer{ServiceID: id, Rating: 1}))
}

func runQueue(t *testing.T, q *Queue) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	return func() {
		stop()
		<-done
	}
}

func waitEvent(t *testing.T, sub event.Subscription) interface{} {
	t.Helper()
	select {
	case evt := <-sub.Out():
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestHappyPathInstallsVerifiedBundle(t *testing.T) {
	e := newEnv(t)
	content := []byte("the published bundle")
	m := magnet.FromBytes(content)

	e.addPeer(t, "p1", &fakePeer{})
	e.addPeer(t, "p2", &fakePeer{})
	e.addPeer(t, "p3", &fakePeer{hasMagnet: true, content: content})

	sub, err := e.bus.Subscribe(new(FinishedEvent), 1)
	require.NoError(t, err)
	defer sub.Close()

	stop := runQueue(t, e.queue)
	defer stop()

	require.NoError(t, e.queue.Add(m))

	evt := waitEvent(t, sub).(FinishedEvent)
	require.Equal(t, m, evt.Magnet)
	require.Equal(t, "p3", evt.Peer.ServiceID)

	require.True(t, e.store.Has(m))
	d, ok := e.queue.Get(m)
	require.True(t, ok)
	require.Equal(t, StatusFinished, d.Status)
	require.Len(t, d.Log, 1)
	require.True(t, d.Log[0].Success)
}

func TestLyingPeerTriggersRediscovery(t *testing.T) {
	// The holder answers has_magnet=true but serves bytes hashing to a
	// different value. The checksum failure must not install anything, the
	// liar must not be revisited, and discovery must continue to an honest
	// peer.
	e := newEnv(t)
	content := []byte("honest bytes")
	m := magnet.FromBytes(content)

	// Only the liar is seeded; the honest holder is learned from the liar's
	// own discovery response, so the liar is always attempted first.
	e.addPeer(t, "liar", &fakePeer{
		hasMagnet: true,
		content:   []byte("counterfeit bytes"),
		match:     []peering.Peer{{ServiceID: "honest", Rating: 1}},
	})
	e.peers["honest"] = &fakePeer{hasMagnet: true, content: content}

	sub, err := e.bus.Subscribe(new(FinishedEvent), 1)
	require.NoError(t, err)
	defer sub.Close()

	stop := runQueue(t, e.queue)
	defer stop()

	require.NoError(t, e.queue.Add(m))

	evt := waitEvent(t, sub).(FinishedEvent)
	require.Equal(t, "honest", evt.Peer.ServiceID)

	require.True(t, e.store.Has(m))
	installed, err := e.store.Open(m)
	require.NoError(t, err)
	got, err := magnet.FromReader(installed)
	installed.Close()
	require.NoError(t, err)
	require.Equal(t, m, got)

	d, _ := e.queue.Get(m)
	require.Equal(t, StatusFinished, d.Status)

	var liarAttempts int
	for _, r := range d.Log {
		if r.Peer == "liar" {
			liarAttempts++
			require.False(t, r.Success)
		}
	}
	require.Equal(t, 1, liarAttempts, "the lying peer must not be revisited")
}

func TestDiscoveryExhaustionFailsDownload(t *testing.T) {
	e := newEnv(t)
	m := magnet.FromBytes([]byte("content nobody has"))

	e.addPeer(t, "p1", &fakePeer{})

	sub, err := e.bus.Subscribe(new(FailedEvent), 1)
	require.NoError(t, err)
	defer sub.Close()

	stop := runQueue(t, e.queue)
	defer stop()

	require.NoError(t, e.queue.Add(m))

	evt := waitEvent(t, sub).(FailedEvent)
	require.Equal(t, m, evt.Magnet)

	d, _ := e.queue.Get(m)
	require.Equal(t, StatusFailed, d.Status)
	require.False(t, e.store.Has(m))
}

func TestAddDeduplicatesInFlightMagnets(t *testing.T) {
	e := newEnv(t)
	m := magnet.FromBytes([]byte("queued once"))

	require.NoError(t, e.queue.Add(m))
	require.NoError(t, e.queue.Add(m))

	require.Len(t, e.queue.List(), 1)
}

func TestAddSkipsAlreadyInstalled(t *testing.T) {
	e := newEnv(t)
	content := []byte("already here")
	m := magnet.FromBytes(content)
	require.NoError(t, e.store.Store(m, bytes.NewReader(content)))

	require.NoError(t, e.queue.Add(m))
	require.Empty(t, e.queue.List())
}
