// Package download orchestrates the pipeline that turns a published magnet
// into a verified, locally installed bundle: iterative discovery over the
// peer table, a streamed download from the chosen holder, integrity
// verification inside the content store, and a terminal event for
// downstream consumers.
package download

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/sarafanio/overlay/overlay/eventbus"
	"github.com/sarafanio/overlay/overlay/magnet"
	"github.com/sarafanio/overlay/overlay/peerclient"
	"github.com/sarafanio/overlay/overlay/peering"
	"github.com/sarafanio/overlay/overlay/store"
)

// Status is a download's lifecycle state. Terminal when StatusFinished or
// StatusFailed.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDiscovery Status = "DISCOVERY"
	StatusDownload  Status = "DOWNLOAD"
	StatusFinished  Status = "FINISHED"
	StatusFailed    Status = "FAILED"
)

// PeerResult records one attempt against one peer, append-only within a
// Download.
type PeerResult struct {
	Timestamp    time.Time     `json:"timestamp"`
	Peer         string        `json:"peer"`
	PeerAlive    bool          `json:"peer_alive"`
	MagnetFound  bool          `json:"magnet_found"`
	Success      bool          `json:"success"`
	DownloadTime time.Duration `json:"download_time,omitempty"`
	DownloadSize int64         `json:"download_size,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Download tracks one magnet's progress through the pipeline.
type Download struct {
	Magnet magnet.Magnet `json:"magnet"`
	Status Status        `json:"status"`
	Log    []PeerResult  `json:"log,omitempty"`
}

// FinishedEvent is published when a bundle has been downloaded, verified and
// installed. A downstream consumer reads the bundle, extracts it and
// persists a derived post record.
type FinishedEvent struct {
	Magnet magnet.Magnet
	Peer   peering.Peer
}

// FailedEvent is published when discovery exhausts without a holder.
// Re-scheduling is a collaborator concern.
type FailedEvent struct {
	Magnet magnet.Magnet
}

// Fetcher is the single remote operation the pipeline performs against a
// chosen holder. *peerclient.Client satisfies it.
type Fetcher interface {
	Download(ctx context.Context, m magnet.Magnet, sink peerclient.Sink) error
}

// FetcherFactory builds a Fetcher for a peer discovery settled on.
type FetcherFactory func(p peering.Peer) (Fetcher, error)

// ErrShutdown is the failure cause attached to downloads drained during a
// graceful stop.
var ErrShutdown = errors.New("download: queue shutting down")

var (
	finished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sarafan",
		Subsystem: "download",
		Name:      "finished_total",
		Help:      "Downloads that completed with a verified bundle.",
	})
	failed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sarafan",
		Subsystem: "download",
		Name:      "failed_total",
		Help:      "Downloads that exhausted discovery without a holder.",
	})
	checksumRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sarafan",
		Subsystem: "download",
		Name:      "checksum_retries_total",
		Help:      "Downloads sent back to discovery after a digest mismatch.",
	})
)

func init() {
	prometheus.MustRegister(finished, failed, checksumRetries)
}

// Queue is the download pipeline actor: Add enqueues magnets, Run drives
// them one at a time through discovery, download and installation.
type Queue struct {
	discovery  *peering.Discovery
	store      *store.Store
	fetcherFor FetcherFactory

	finishedEmitter event.Emitter
	failedEmitter   event.Emitter

	pending chan magnet.Magnet

	mu        sync.Mutex
	downloads map[magnet.Magnet]*Download
}

// NewQueue wires a Queue over discovery and st, publishing terminal events
// on bus. queueDepth of 0 uses a reasonable default.
func NewQueue(discovery *peering.Discovery, st *store.Store, fetcherFor FetcherFactory, bus *eventbus.Bus, queueDepth int) (*Queue, error) {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	q := &Queue{
		discovery:  discovery,
		store:      st,
		fetcherFor: fetcherFor,
		pending:    make(chan magnet.Magnet, queueDepth),
		downloads:  make(map[magnet.Magnet]*Download),
	}

	var err error
	if q.finishedEmitter, err = bus.Emitter(new(FinishedEvent)); err != nil {
		return nil, err
	}
	if q.failedEmitter, err = bus.Emitter(new(FailedEvent)); err != nil {
		return nil, err
	}
	return q, nil
}

// Add enqueues a new download for m. At most one download per magnet is
// ever in flight: a magnet already pending, active or terminal is not
// enqueued again, and a magnet already installed in the store is skipped
// outright.
func (q *Queue) Add(m magnet.Magnet) error {
	if q.store.Has(m) {
		log.Debug().Str("magnet", m.String()).Msg("bundle already installed, skipping download")
		return nil
	}

	q.mu.Lock()
	if _, ok := q.downloads[m]; ok {
		q.mu.Unlock()
		return nil
	}
	q.downloads[m] = &Download{Magnet: m, Status: StatusPending}
	q.mu.Unlock()

	select {
	case q.pending <- m:
		return nil
	default:
		q.mu.Lock()
		delete(q.downloads, m)
		q.mu.Unlock()
		return errors.New("download: queue full")
	}
}

// Get returns the tracked state for m.
func (q *Queue) Get(m magnet.Magnet) (Download, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.downloads[m]
	if !ok {
		return Download{}, false
	}
	cp := *d
	cp.Log = append([]PeerResult(nil), d.Log...)
	return cp, true
}

// List returns a snapshot of every tracked download.
func (q *Queue) List() []Download {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Download, 0, len(q.downloads))
	for _, d := range q.downloads {
		cp := *d
		cp.Log = append([]PeerResult(nil), d.Log...)
		out = append(out, cp)
	}
	return out
}

// Run drains the queue until ctx is cancelled. Each dequeued magnet is
// driven to a terminal state before the next is started; cancelling aborts
// the in-flight download stream (the store guarantees no partial content
// ever appears at the final path).
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.failPending(ctx.Err())
			return ctx.Err()
		case m := <-q.pending:
			q.process(ctx, m)
		}
	}
}

func (q *Queue) failPending(cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range q.downloads {
		if d.Status == StatusPending || d.Status == StatusDiscovery || d.Status == StatusDownload {
			d.Status = StatusFailed
			d.Log = append(d.Log, PeerResult{Timestamp: time.Now(), Message: ErrShutdown.Error() + ": " + cause.Error()})
		}
	}
}

func (q *Queue) setStatus(m magnet.Magnet, s Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d, ok := q.downloads[m]; ok {
		d.Status = s
	}
}

func (q *Queue) appendLog(m magnet.Magnet, r PeerResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d, ok := q.downloads[m]; ok {
		d.Log = append(d.Log, r)
	}
}

func (q *Queue) process(ctx context.Context, m magnet.Magnet) {
	state := peering.NewDiscoveryState()

	for {
		q.setStatus(m, StatusDiscovery)
		holder, err := q.discovery.Discover(ctx, m, state)
		if err != nil {
			q.setStatus(m, StatusFailed)
			failed.Inc()
			if emitErr := q.failedEmitter.Emit(FailedEvent{Magnet: m}); emitErr != nil {
				log.Warn().Err(emitErr).Msg("failed to emit download-failed event")
			}
			log.Info().Str("magnet", m.String()).Int("attempts", state.RetryNumber).Msg("download failed: no holder found")
			return
		}

		q.setStatus(m, StatusDownload)
		start := time.Now()
		err = q.fetchFrom(ctx, *holder, m)
		elapsed := time.Since(start)

		result := PeerResult{
			Timestamp:    start,
			Peer:         holder.ServiceID,
			PeerAlive:    true,
			MagnetFound:  true,
			DownloadTime: elapsed,
		}

		var checksumErr *store.InvalidChecksumError
		switch {
		case err == nil:
			result.Success = true
			q.appendLog(m, result)
			q.setStatus(m, StatusFinished)
			finished.Inc()
			if emitErr := q.finishedEmitter.Emit(FinishedEvent{Magnet: m, Peer: *holder}); emitErr != nil {
				log.Warn().Err(emitErr).Msg("failed to emit download-finished event")
			}
			log.Info().Str("magnet", m.String()).Str("peer", holder.ServiceID).Dur("took", elapsed).Msg("bundle downloaded")
			return

		case errors.As(err, &checksumErr):
			// The peer lied about the content. Penalize it, leave it in the
			// visited set and go back to discovery for another holder.
			result.Message = err.Error()
			q.appendLog(m, result)
			q.discovery.Penalize(ctx, *holder)
			checksumRetries.Inc()
			log.Warn().Str("magnet", m.String()).Str("peer", holder.ServiceID).Msg("peer served bytes with wrong digest, re-entering discovery")

		case ctx.Err() != nil:
			q.setStatus(m, StatusFailed)
			result.Message = ctx.Err().Error()
			q.appendLog(m, result)
			return

		default:
			// Transport fault, not a lie: no rating penalty, just move on
			// to the next candidate.
			result.Message = err.Error()
			q.appendLog(m, result)
			log.Warn().Err(err).Str("magnet", m.String()).Str("peer", holder.ServiceID).Msg("download attempt failed, re-entering discovery")
		}

		state.RetryNumber++
	}
}

func (q *Queue) fetchFrom(ctx context.Context, holder peering.Peer, m magnet.Magnet) error {
	fetcher, err := q.fetcherFor(holder)
	if err != nil {
		return err
	}
	return fetcher.Download(ctx, m, q.store.Store)
}
