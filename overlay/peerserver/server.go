// Package peerserver exposes the node's side of the peer contract over
// HTTP: hello, discover, existence probes and bundle streaming on the
// content host, upload acceptance and push gossip. It is served behind the
// hidden-service transport; the browser-facing surface is a separate
// concern and not handled here.
package peerserver

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sarafanio/overlay/overlay/magnet"
	"github.com/sarafanio/overlay/overlay/peering"
	"github.com/sarafanio/overlay/overlay/store"
)

// MaxUploadSize is the largest bundle an upload may carry. A declared
// Content-Length above it is rejected with 400 before the body is read; a
// body without a declared length is cut off at this size and rejected
// with 400.
const MaxUploadSize = 10 << 20

// defaultNearCount is how many distance-ranked neighbours a discover
// response advertises.
const defaultNearCount = 10

// Options configures a Server.
type Options struct {
	// Version is the software version reported by /hello.
	Version string
	// ServiceID is this node's own control-host identity, advertised in
	// discover responses when the node holds the requested magnet.
	ServiceID string
	// ContentServiceID is the content-host identity reported by /hello.
	ContentServiceID string
	// OnMagnet, if set, is called with every magnet learned through push
	// gossip, typically the download queue's Add.
	OnMagnet func(magnet.Magnet)
	// NearCount overrides how many neighbours discover advertises.
	NearCount int
}

// Server handles inbound peer requests against the node's table and store.
type Server struct {
	table *peering.Table
	store *store.Store
	opts  Options
}

// New builds a Server over table and st.
func New(table *peering.Table, st *store.Store, opts Options) *Server {
	if opts.NearCount <= 0 {
		opts.NearCount = defaultNearCount
	}
	return &Server{table: table, store: st, opts: opts}
}

// ServeHTTP routes the peer contract. The control endpoints (hello,
// discover, upload, push) and the content endpoints (HEAD/GET on a shard
// path) share one handler; a deployment that splits them across two hidden
// services simply mounts the same handler on both.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/hello":
		s.handleHello(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/discover":
		s.handleDiscover(w, r)
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/upload/"):
		s.handleUpload(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/push":
		s.handlePush(w, r)
	case r.Method == http.MethodHead || r.Method == http.MethodGet:
		s.handleContent(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleHello(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"version":            s.opts.Version,
		"content_service_id": s.opts.ContentServiceID,
	})
}

type peerDTO struct {
	ServiceID        string  `json:"service_id"`
	ContentServiceID string  `json:"content_service_id,omitempty"`
	Version          string  `json:"version,omitempty"`
	Rating           float64 `json:"rating"`
	Address          string  `json:"address,omitempty"`
}

func toDTOs(peers []peering.Peer) []peerDTO {
	out := make([]peerDTO, len(peers))
	for i, p := range peers {
		out[i] = peerDTO{
			ServiceID:        p.ServiceID,
			ContentServiceID: p.ContentServiceID,
			Version:          p.Version,
			Rating:           p.Rating,
			Address:          p.Address,
		}
	}
	return out
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	m, err := magnet.Parse(r.URL.Query().Get("magnet"))
	if err != nil {
		http.Error(w, "invalid magnet", http.StatusBadRequest)
		return
	}

	var match []peerDTO
	if s.store.Has(m) && s.opts.ServiceID != "" {
		match = []peerDTO{{
			ServiceID:        s.opts.ServiceID,
			ContentServiceID: s.opts.ContentServiceID,
			Version:          s.opts.Version,
			Rating:           1,
		}}
	}

	if match == nil {
		match = []peerDTO{}
	}
	near := s.table.PeersByDistance(m, s.opts.NearCount)

	writeJSON(w, map[string]interface{}{
		"match": match,
		"near":  toDTOs(near),
	})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	shard := strings.Trim(r.URL.Path, "/")
	m, err := magnet.Parse(strings.ReplaceAll(shard, "/", ""))
	if err != nil || !s.store.Has(m) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	f, err := s.store.Open(m)
	if err != nil {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/zip")
	if _, err := io.Copy(w, f); err != nil {
		log.Debug().Err(err).Str("magnet", m.String()).Msg("bundle stream aborted")
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	m, err := magnet.Parse(strings.TrimPrefix(r.URL.Path, "/upload/"))
	if err != nil {
		http.Error(w, "invalid magnet", http.StatusBadRequest)
		return
	}
	if r.ContentLength > MaxUploadSize {
		http.Error(w, "bundle too large", http.StatusBadRequest)
		return
	}
	if s.store.Has(m) {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	err = s.store.Store(m, http.MaxBytesReader(w, r.Body, MaxUploadSize))
	if err != nil {
		log.Warn().Err(err).Str("magnet", m.String()).Msg("rejecting uploaded bundle")
		http.Error(w, "rejected", http.StatusBadRequest)
		return
	}
	s.recordSender(r)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Peers   []peerDTO `json:"peers"`
		Magnets []string  `json:"magnets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid push payload", http.StatusBadRequest)
		return
	}

	for _, d := range req.Peers {
		if d.ServiceID == "" {
			continue
		}
		if _, known := s.table.Get(d.ServiceID); known {
			continue
		}
		p := peering.Peer{
			ServiceID:        d.ServiceID,
			ContentServiceID: d.ContentServiceID,
			Version:          d.Version,
			Rating:           d.Rating,
			Address:          d.Address,
		}
		if err := s.table.Add(r.Context(), p); err != nil {
			log.Warn().Err(err).Str("service_id", d.ServiceID).Msg("failed to record pushed peer")
		}
	}

	for _, raw := range req.Magnets {
		m, err := magnet.Parse(raw)
		if err != nil {
			http.Error(w, "invalid magnet in push payload", http.StatusBadRequest)
			return
		}
		if s.opts.OnMagnet != nil {
			s.opts.OnMagnet(m)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// recordSender learns an uploading peer from its forwarded identity header,
// if the transport provides one. Best-effort: inbound sightings are a bonus
// source of peers, never required.
func (s *Server) recordSender(r *http.Request) {
	id := r.Header.Get("X-Service-Id")
	if id == "" {
		return
	}
	if _, known := s.table.Get(id); known {
		return
	}
	host := id
	if h, _, err := net.SplitHostPort(id); err == nil {
		host = h
	}
	if err := s.table.Add(r.Context(), peering.Peer{ServiceID: host, Rating: 1}); err != nil {
		log.Warn().Err(err).Str("service_id", host).Msg("failed to record uploading peer")
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}
