package peering

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/require"

	"github.com/sarafanio/overlay/overlay/distance"
	"github.com/sarafanio/overlay/overlay/magnet"
)

func distanceFor(serviceID string, m magnet.Magnet) float64 {
	return distance.ToMagnet(serviceID, m)
}

func newTestTable(t *testing.T, maxPeerCount int) *Table {
	t.Helper()
	tbl, err := NewTable(context.Background(), ds.NewMapDatastore(), maxPeerCount)
	require.NoError(t, err)
	return tbl
}

func TestTableAddIsIdempotentByServiceID(t *testing.T) {
	tbl := newTestTable(t, 0)
	ctx := context.Background()

	require.NoError(t, tbl.Add(ctx, Peer{ServiceID: "a", Rating: 1}))
	require.NoError(t, tbl.Add(ctx, Peer{ServiceID: "a", Rating: 5}))

	require.Equal(t, 1, tbl.Len())
	p, ok := tbl.Get("a")
	require.True(t, ok)
	require.Equal(t, 5.0, p.Rating)
}

func TestTableCapacityControlDropsLowestRated(t *testing.T) {
	// max_peer_count=3, adding four peers {0.1,0.2,0.3,0.4} retains {0.2,0.3,0.4}.
	tbl := newTestTable(t, 3)
	ctx := context.Background()

	ratings := []float64{0.1, 0.2, 0.3, 0.4}
	for i, r := range ratings {
		require.NoError(t, tbl.Add(ctx, Peer{ServiceID: string(rune('a' + i)), Rating: r}))
	}

	require.Equal(t, 3, tbl.Len())
	_, ok := tbl.Get("a")
	require.False(t, ok, "lowest-rated peer (0.1) should have been evicted")
	for _, id := range []string{"b", "c", "d"} {
		_, ok := tbl.Get(id)
		require.True(t, ok)
	}
}

func TestTableRemoveInvokesOnRemove(t *testing.T) {
	tbl := newTestTable(t, 0)
	ctx := context.Background()
	require.NoError(t, tbl.Add(ctx, Peer{ServiceID: "a", Rating: 1}))

	var removed string
	tbl.OnRemove = func(serviceID string) { removed = serviceID }

	require.NoError(t, tbl.Remove(ctx, "a"))
	require.Equal(t, "a", removed)
	require.Equal(t, 0, tbl.Len())
}

func TestPeersByDistanceFiltersAndSorts(t *testing.T) {
	tbl := newTestTable(t, 0)
	ctx := context.Background()

	require.NoError(t, tbl.Add(ctx, Peer{ServiceID: "low", Rating: 0.05})) // below liveness gate
	require.NoError(t, tbl.Add(ctx, Peer{ServiceID: "alice", Rating: 1}))
	require.NoError(t, tbl.Add(ctx, Peer{ServiceID: "bob", Rating: 1}))

	m := magnet.FromBytes([]byte("target content"))
	peers := tbl.PeersByDistance(m, 0)

	require.Len(t, peers, 2)
	for _, p := range peers {
		require.NotEqual(t, "low", p.ServiceID)
	}
	if len(peers) == 2 {
		require.LessOrEqual(t,
			distanceFor(peers[0].ServiceID, m),
			distanceFor(peers[1].ServiceID, m),
		)
	}
}

func TestTablePersistsAcrossReload(t *testing.T) {
	store := ds.NewMapDatastore()
	ctx := context.Background()

	tbl, err := NewTable(ctx, store, 0)
	require.NoError(t, err)
	require.NoError(t, tbl.Add(ctx, Peer{ServiceID: "a", Rating: 1, Version: "1.2.3"}))

	reloaded, err := NewTable(ctx, store, 0)
	require.NoError(t, err)
	p, ok := reloaded.Get("a")
	require.True(t, ok)
	require.Equal(t, "1.2.3", p.Version)
}
