// Package node assembles the overlay components into a running sarafan
// node: chain tailer, peer table, discovery, download pipeline, content
// store and the peer-facing HTTP surface, plus the unix control socket the
// CLI talks to.
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	badgerds "github.com/ipfs/go-ds-badger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sarafanio/overlay/internal/config"
	"github.com/sarafanio/overlay/overlay/bundle"
	"github.com/sarafanio/overlay/overlay/chain"
	"github.com/sarafanio/overlay/overlay/download"
	"github.com/sarafanio/overlay/overlay/eventbus"
	"github.com/sarafanio/overlay/overlay/magnet"
	"github.com/sarafanio/overlay/overlay/peerclient"
	"github.com/sarafanio/overlay/overlay/peering"
	"github.com/sarafanio/overlay/overlay/peerserver"
	"github.com/sarafanio/overlay/overlay/store"
)

// ErrBundleTooLarge is returned when a locally built bundle exceeds the
// configured size cap.
var ErrBundleTooLarge = errors.New("bundle exceeds the configured size limit")

// ErrNothingToPublish is returned when a publish request carries neither a
// content path nor inline text.
var ErrNothingToPublish = errors.New("nothing to publish")

var watermarkKey = datastore.NewKey("/chain/watermark")

type node struct {
	cfg config.Config

	ds        datastore.Batching
	store     *store.Store
	bus       *eventbus.Bus
	table     *peering.Table
	discovery *peering.Discovery
	queue     *download.Queue
	tailer    *chain.Tailer
	posts     *PostStore
	pubs      *PublicationStore

	peerSrv    *http.Server
	metricsSrv *http.Server

	mu     sync.Mutex
	notify func(Notify)
}

// New puts together all the components of the sarafan node.
func New(ctx context.Context, cfg config.Config) (*node, error) {
	nd := &node{cfg: cfg, bus: eventbus.New()}

	dsopts := badgerds.DefaultOptions
	dsopts.SyncWrites = false
	dsopts.Truncate = true

	var err error
	nd.ds, err = badgerds.NewDatastore(filepath.Join(cfg.RepoPath, "datastore"), &dsopts)
	if err != nil {
		return nil, err
	}

	nd.store, err = store.New(filepath.Join(cfg.RepoPath, "content"))
	if err != nil {
		return nil, err
	}

	nd.table, err = peering.NewTable(ctx, namespace.Wrap(nd.ds, datastore.NewKey("/peering")), cfg.Peer.MaxPeerCount)
	if err != nil {
		return nil, err
	}

	timeouts := peerclient.Timeouts{
		Connect: cfg.Peer.ConnectTimeout,
		Read:    cfg.Peer.ReadTimeout,
		Total:   cfg.Peer.TotalTimeout,
	}
	clientFor := func(p peering.Peer) (peering.PeerClient, error) {
		return peerclient.New(p.ServiceID, p.ContentServiceID, cfg.Peer.SocksProxy, timeouts)
	}
	nd.discovery, err = peering.NewDiscovery(nd.table, clientFor, nd.bus, cfg.Peer.MaxDiscoveryDepth)
	if err != nil {
		return nil, err
	}

	fetcherFor := func(p peering.Peer) (download.Fetcher, error) {
		return peerclient.New(p.ServiceID, p.ContentServiceID, cfg.Peer.SocksProxy, timeouts)
	}
	nd.queue, err = download.NewQueue(nd.discovery, nd.store, fetcherFor, nd.bus, 0)
	if err != nil {
		return nil, err
	}

	nd.posts = NewPostStore(namespace.Wrap(nd.ds, datastore.NewKey("/posts")))
	nd.pubs = NewPublicationStore(namespace.Wrap(nd.ds, datastore.NewKey("/publications")))

	if cfg.Chain.Endpoint != "" {
		if err := nd.setupTailer(ctx); err != nil {
			return nil, err
		}
	}

	return nd, nil
}

func (nd *node) setupTailer(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, nd.cfg.Chain.Endpoint)
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}

	from := nd.cfg.Chain.FromBlock
	if raw, err := nd.ds.Get(ctx, watermarkKey); err == nil {
		var saved int64
		if _, scanErr := fmt.Sscan(string(raw), &saved); scanErr == nil && saved > from {
			from = saved
		}
	}

	nd.tailer, err = chain.NewTailer(chain.TailerConfig{
		Client:     client,
		Contract:   common.HexToAddress(nd.cfg.Chain.Contract),
		From:       from,
		StartSize:  nd.cfg.Chain.StartSize,
		MinSize:    nd.cfg.Chain.MinSize,
		MaxSize:    nd.cfg.Chain.MaxSize,
		TargetTime: nd.cfg.Chain.TargetTime,
		Sleep:      nd.cfg.Chain.SleepInterval,
	})
	return err
}

// Start launches every component and blocks until ctx is cancelled or a
// fatal fault surfaces. Components start leaves-first; cancellation tears
// the whole tree down.
func (nd *node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 8)

	if err := nd.subscribeEvents(ctx); err != nil {
		return err
	}

	go func() {
		if err := nd.queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- fmt.Errorf("download queue: %w", err)
		}
	}()

	if nd.tailer != nil {
		// Subscriptions must exist before the tailer starts emitting.
		if err := nd.subscribeChain(ctx); err != nil {
			return err
		}
		go func() {
			if err := nd.tailer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("chain tailer: %w", err)
			}
		}()
		go nd.persistWatermark(ctx)
	} else {
		log.Warn().Msg("no chain endpoint configured, running without publication ingest")
	}

	srv := peerserver.New(nd.table, nd.store, peerserver.Options{
		Version:          nd.cfg.Version,
		ServiceID:        nd.cfg.Peer.ServiceID,
		ContentServiceID: nd.cfg.Peer.ContentServiceID,
		OnMagnet: func(m magnet.Magnet) {
			if err := nd.queue.Add(m); err != nil {
				log.Warn().Err(err).Str("magnet", m.String()).Msg("failed to enqueue pushed magnet")
			}
		},
	})
	nd.peerSrv = &http.Server{Addr: nd.cfg.Peer.ListenAddr, Handler: srv}
	go func() {
		log.Info().Str("addr", nd.cfg.Peer.ListenAddr).Msg("peer surface listening")
		if err := nd.peerSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("peer server: %w", err)
		}
	}()

	if nd.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		nd.metricsSrv = &http.Server{Addr: nd.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := nd.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	go func() {
		if err := nd.ServeCommands(ctx); err != nil {
			errc <- fmt.Errorf("control socket: %w", err)
		}
	}()

	go nd.gossipLoop(ctx)

	select {
	case <-ctx.Done():
		nd.shutdown()
		return ctx.Err()
	case err := <-errc:
		nd.shutdown()
		return err
	}
}

func (nd *node) shutdown() {
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if nd.peerSrv != nil {
		nd.peerSrv.Shutdown(sctx)
	}
	if nd.metricsSrv != nil {
		nd.metricsSrv.Shutdown(sctx)
	}
	if err := nd.ds.Close(); err != nil {
		log.Warn().Err(err).Msg("datastore close failed")
	}
}

// subscribeChain registers for tailer events and starts the pump that
// absorbs them: publications feed the download pipeline, peer sightings
// feed the table.
func (nd *node) subscribeChain(ctx context.Context) error {
	pubSub, err := nd.tailer.Subscribe(new(chain.PublicationEvent), 0)
	if err != nil {
		return err
	}
	peerSub, err := nd.tailer.Subscribe(new(chain.NewPeerEvent), 0)
	if err != nil {
		pubSub.Close()
		return err
	}

	go func() {
		defer pubSub.Close()
		defer peerSub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-pubSub.Out():
				e := evt.(chain.PublicationEvent)
				if err := nd.pubs.Put(ctx, PublicationFromEvent(e)); err != nil {
					log.Warn().Err(err).Str("magnet", e.Magnet.String()).Msg("failed to record publication")
				}
				if err := nd.queue.Add(e.Magnet); err != nil {
					log.Warn().Err(err).Str("magnet", e.Magnet.String()).Msg("failed to enqueue publication")
				}
			case evt := <-peerSub.Out():
				e := evt.(chain.NewPeerEvent)
				if e.Hostname == "" {
					continue
				}
				if _, known := nd.table.Get(e.Hostname); known {
					continue
				}
				p := peering.Peer{ServiceID: e.Hostname, Rating: 1, Address: e.Addr.Hex()}
				if err := nd.table.Add(ctx, p); err != nil {
					log.Warn().Err(err).Str("service_id", e.Hostname).Msg("failed to record announced peer")
				}
			}
		}
	}()
	return nil
}

// subscribeEvents consumes the bus: finished downloads become derived post
// records; rating changes are logged for observability.
func (nd *node) subscribeEvents(ctx context.Context) error {
	finSub, err := nd.bus.Subscribe(new(download.FinishedEvent), 0)
	if err != nil {
		return err
	}
	ratingSub, err := nd.bus.Subscribe(new(peering.RatingChangedEvent), 0)
	if err != nil {
		finSub.Close()
		return err
	}

	go func() {
		defer finSub.Close()
		defer ratingSub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-finSub.Out():
				e := evt.(download.FinishedEvent)
				if err := nd.installPost(ctx, e.Magnet); err != nil {
					log.Error().Err(err).Str("magnet", e.Magnet.String()).Msg("failed to derive post from bundle")
				}
			case evt := <-ratingSub.Out():
				e := evt.(peering.RatingChangedEvent)
				log.Debug().Str("service_id", e.ServiceID).Float64("rating", e.Rating).Msg("peer rating changed")
			}
		}
	}()
	return nil
}

// installPost extracts a downloaded bundle and persists its derived post
// record.
func (nd *node) installPost(ctx context.Context, m magnet.Magnet) error {
	b, err := bundle.Open(nd.store.AbsolutePath(m))
	if err != nil {
		return err
	}
	defer b.Close()

	md, err := b.RenderMarkdown()
	if err != nil {
		return err
	}
	if err := b.ExtractAll(nd.store.UnpackPath(m), false); err != nil {
		return err
	}

	post := Post{Magnet: m, Markdown: md, ReceivedAt: time.Now().UTC()}
	if pub, ok, _ := nd.pubs.Get(ctx, m); ok {
		post.Source = pub.Source
		post.ReplyTo = pub.ReplyTo
	}
	return nd.posts.Put(ctx, post)
}

func (nd *node) persistWatermark(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wm := nd.tailer.Watermark()
			if wm == 0 {
				continue
			}
			if err := nd.ds.Put(ctx, watermarkKey, []byte(fmt.Sprint(wm))); err != nil {
				log.Warn().Err(err).Msg("failed to persist chain watermark")
			}
		}
	}
}

// gossipLoop periodically pushes a slice of our peer knowledge to the
// highest-rated peers. Housekeeping only: discovery does not depend on it.
func (nd *node) gossipLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nd.gossipOnce(ctx)
		}
	}
}

func (nd *node) gossipOnce(ctx context.Context) {
	peers := nd.table.List()
	if len(peers) < 2 {
		return
	}
	payload := peers
	if len(payload) > 20 {
		payload = payload[:20]
	}
	timeouts := peerclient.Timeouts{
		Connect: nd.cfg.Peer.ConnectTimeout,
		Read:    nd.cfg.Peer.ReadTimeout,
		Total:   nd.cfg.Peer.TotalTimeout,
	}
	targets := peers
	if len(targets) > 3 {
		targets = targets[:3]
	}
	for _, target := range targets {
		c, err := peerclient.New(target.ServiceID, target.ContentServiceID, nd.cfg.Peer.SocksProxy, timeouts)
		if err != nil {
			continue
		}
		if err := c.Push(ctx, payload, nil); err != nil && !errors.Is(err, peerclient.ErrUnsupportedPeerMethod) {
			log.Debug().Err(err).Str("service_id", target.ServiceID).Msg("peer gossip failed")
		}
		c.Close()
	}
}

// SetNotifyCallback attaches the sink node operations report through.
func (nd *node) SetNotifyCallback(fn func(Notify)) {
	nd.mu.Lock()
	nd.notify = fn
	nd.mu.Unlock()
}

// send hits our notify callback if we attached one.
func (nd *node) send(n Notify) {
	nd.mu.Lock()
	notify := nd.notify
	nd.mu.Unlock()

	if notify != nil {
		notify(n)
	} else {
		log.Info().Interface("notif", n).Msg("nil notify callback; dropping")
	}
}

// Ping answers a sanity check: with no argument it reports the local node,
// otherwise it performs a hello round trip against the named peer and
// refreshes our record of it.
func (nd *node) Ping(ctx context.Context, who string) {
	sendErr := func(err error) {
		nd.send(Notify{PingResult: &PingResult{Err: err.Error()}})
	}

	if who == "" {
		nd.send(Notify{PingResult: &PingResult{
			ID:      nd.cfg.Peer.ServiceID,
			Version: nd.cfg.Version,
			Peers:   nd.table.Len(),
		}})
		return
	}

	c, err := peerclient.New(who, "", nd.cfg.Peer.SocksProxy, peerclient.Timeouts{
		Connect: nd.cfg.Peer.ConnectTimeout,
		Read:    nd.cfg.Peer.ReadTimeout,
		Total:   nd.cfg.Peer.TotalTimeout,
	})
	if err != nil {
		sendErr(err)
		return
	}
	defer c.Close()

	start := time.Now()
	hello, err := c.Hello(ctx)
	if err != nil {
		sendErr(err)
		return
	}
	nd.refreshPeer(ctx, who, hello)
	nd.send(Notify{PingResult: &PingResult{
		ID:             who,
		Version:        hello.Version,
		LatencySeconds: time.Since(start).Seconds(),
	}})
}

// refreshPeer mutates the stored peer record when a hello response differs
// from what we knew.
func (nd *node) refreshPeer(ctx context.Context, serviceID string, hello *peerclient.HelloResponse) {
	p, ok := nd.table.Get(serviceID)
	if !ok {
		p = peering.Peer{ServiceID: serviceID, Rating: 1}
	}
	if p.Version == hello.Version && p.ContentServiceID == hello.ContentServiceID {
		return
	}
	p.Version = hello.Version
	p.ContentServiceID = hello.ContentServiceID
	if err := nd.table.Add(ctx, p); err != nil {
		log.Warn().Err(err).Str("service_id", serviceID).Msg("failed to refresh peer record")
	}
}

// Get enqueues a download for a magnet. Progress is observed via Status.
func (nd *node) Get(ctx context.Context, args *GetArgs) {
	sendErr := func(err error) {
		nd.send(Notify{GetResult: &GetResult{Err: err.Error()}})
	}

	m, err := magnet.Parse(args.Magnet)
	if err != nil {
		sendErr(err)
		return
	}
	if nd.store.Has(m) {
		nd.send(Notify{GetResult: &GetResult{Local: true}})
		return
	}
	if err := nd.queue.Add(m); err != nil {
		sendErr(err)
		return
	}
	nd.send(Notify{GetResult: &GetResult{Queued: true}})
}

// Publish builds a bundle from a directory or inline text, installs it
// locally and distributes it to the nearest peers. Announcing the magnet
// on chain is a signing front end's job, not ours.
func (nd *node) Publish(ctx context.Context, args *PublishArgs) {
	sendErr := func(err error) {
		nd.send(Notify{PublishResult: &PublishResult{Err: err.Error()}})
	}

	var (
		data []byte
		m    magnet.Magnet
		err  error
	)
	switch {
	case args.Path != "":
		var manifest *bundle.Manifest
		if args.Text != "" || args.Index != "" {
			manifest = &bundle.Manifest{Version: "1.0", Index: args.Index, Text: args.Text}
		}
		data, m, err = bundle.BuildBytes(args.Path, manifest)
	case args.Text != "":
		data, m, err = bundle.BuildText(args.Text)
	default:
		sendErr(ErrNothingToPublish)
		return
	}
	if err != nil {
		sendErr(err)
		return
	}

	maxSize, err := nd.cfg.MaxBundleBytes()
	if err != nil {
		sendErr(err)
		return
	}
	if int64(len(data)) > maxSize {
		sendErr(fmt.Errorf("%w: %s > %s", ErrBundleTooLarge,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(maxSize))))
		return
	}

	if err := nd.store.Store(m, bytes.NewReader(data)); err != nil {
		sendErr(err)
		return
	}

	uploads, err := nd.discovery.Distribute(ctx, m, func() (io.ReadCloser, error) {
		return nd.store.Open(m)
	})
	if err != nil {
		sendErr(err)
		return
	}

	nd.send(Notify{PublishResult: &PublishResult{
		Magnet:  m.String(),
		Size:    humanize.IBytes(uint64(len(data))),
		Uploads: uploads,
	}})
}

// Peers reports the table's contents, best-rated first.
func (nd *node) Peers(ctx context.Context, _ *PeersArgs) {
	peers := nd.table.List()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ServiceID:        p.ServiceID,
			ContentServiceID: p.ContentServiceID,
			Version:          p.Version,
			Rating:           p.Rating,
		}
	}
	nd.send(Notify{PeersResult: &PeersResult{Peers: infos}})
}

// Status reports every tracked download.
func (nd *node) Status(ctx context.Context, _ *StatusArgs) {
	downloads := nd.queue.List()
	infos := make([]DownloadInfo, len(downloads))
	for i, d := range downloads {
		infos[i] = DownloadInfo{
			Magnet:   d.Magnet.String(),
			Status:   string(d.Status),
			Attempts: len(d.Log),
		}
		if n := len(d.Log); n > 0 {
			infos[i].LastMessage = d.Log[n-1].Message
		}
	}
	nd.send(Notify{StatusResult: &StatusResult{Downloads: infos}})
}

