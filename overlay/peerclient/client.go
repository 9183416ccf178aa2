// Package peerclient implements the remote peer operations contract:
// hello, discover, has_magnet, download, upload and push, all JSON-over-HTTP,
// routed through a configurable anonymizing SOCKS5 transport.
package peerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"golang.org/x/net/proxy"

	"github.com/sarafanio/overlay/overlay/magnet"
	"github.com/sarafanio/overlay/overlay/peering"
)

// Errors a remote peer operation can surface.
var (
	ErrUnsupportedPeerMethod = errors.New("peerclient: method not implemented by peer")
	ErrInvalidPeerResponse   = errors.New("peerclient: invalid response")
	ErrConnection            = errors.New("peerclient: connection error")
	ErrDownload              = errors.New("peerclient: download error")
	ErrUpload                = errors.New("peerclient: upload error")
)

// Sink receives a downloaded bundle's byte stream and is responsible for
// integrity verification. overlay/store.Store.Store satisfies this type
// directly as a method value.
type Sink func(m magnet.Magnet, src io.Reader) error

// Timeouts configures the three independent deadlines applied to every
// outbound peer call.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Total   time.Duration
}

// DefaultTimeouts returns the deadlines used when a caller has no opinion.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 30 * time.Second, Read: 10 * time.Second, Total: 60 * time.Second}
}

// Client talks to one remote peer over its two host identities: the control
// host (service_id) and the content host (content_service_id, falling back
// to the control host when unknown).
type Client struct {
	controlHost string
	contentHost string
	http        *http.Client
}

// New builds a Client for a peer. socksAddr is the anonymizing SOCKS5
// proxy's address; an empty string dials directly (used in tests and for
// any deployment that fronts its own transport).
func New(controlHost, contentHost, socksAddr string, timeouts Timeouts) (*Client, error) {
	if contentHost == "" {
		contentHost = controlHost
	}

	dialer := &net.Dialer{Timeout: timeouts.Connect}
	dial := dialer.Dial
	if socksAddr != "" {
		d, err := proxy.SOCKS5("tcp", socksAddr, nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("peerclient: configure socks5 dialer: %w", err)
		}
		dial = d.Dial
	}

	transport := &http.Transport{
		Dial:                  dial,
		ResponseHeaderTimeout: timeouts.Read,
	}

	return &Client{
		controlHost: controlHost,
		contentHost: contentHost,
		http:        &http.Client{Transport: transport, Timeout: timeouts.Total},
	}, nil
}

func (c *Client) endpoint(host, path string) string {
	return (&url.URL{Scheme: "http", Host: host, Path: path}).String()
}

// HelloResponse is the decoded /hello payload.
type HelloResponse struct {
	Version          string `json:"version"`
	ContentServiceID string `json:"content_service_id"`
}

// Hello learns the peer's software version and content endpoint.
func (c *Client) Hello(ctx context.Context) (*HelloResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.controlHost, "/hello"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: hello status %d", ErrInvalidPeerResponse, resp.StatusCode)
	}
	var out HelloResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerResponse, err)
	}
	return &out, nil
}

type peerDTO struct {
	ServiceID        string  `json:"service_id"`
	ContentServiceID string  `json:"content_service_id,omitempty"`
	Version          string  `json:"version,omitempty"`
	Rating           float64 `json:"rating"`
	Address          string  `json:"address,omitempty"`
}

type discoverResponse struct {
	Match []peerDTO `json:"match"`
	Near  []peerDTO `json:"near"`
}

func toPeers(dtos []peerDTO) []peering.Peer {
	peers := make([]peering.Peer, len(dtos))
	for i, d := range dtos {
		peers[i] = peering.Peer{
			ServiceID:        d.ServiceID,
			ContentServiceID: d.ContentServiceID,
			Version:          d.Version,
			Rating:           d.Rating,
			Address:          d.Address,
		}
	}
	return peers
}

// Discover asks the peer for holders (match) and distance-ranked
// neighbours (near) of m.
func (c *Client) Discover(ctx context.Context, m magnet.Magnet) (match, near []peering.Peer, err error) {
	u := c.endpoint(c.controlHost, "/discover")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}
	req.URL.RawQuery = url.Values{"magnet": {m.String()}}.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotImplemented {
		return nil, nil, ErrUnsupportedPeerMethod
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%w: discover status %d", ErrInvalidPeerResponse, resp.StatusCode)
	}

	var out discoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPeerResponse, err)
	}
	return toPeers(out.Match), toPeers(out.Near), nil
}

// HasMagnet is a light existence probe against the peer's content endpoint.
func (c *Client) HasMagnet(ctx context.Context, m magnet.Magnet) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint(c.contentHost, "/"+shardPath(m)), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: has_magnet status %d", ErrInvalidPeerResponse, resp.StatusCode)
	}
}

// Download streams the peer's bundle bytes for m into sink, which is
// responsible for integrity verification (overlay/store.Store.Store).
func (c *Client) Download(ctx context.Context, m magnet.Magnet, sink Sink) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.contentHost, "/"+shardPath(m)), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: peer does not hold %s", ErrDownload, m)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: download status %d", ErrDownload, resp.StatusCode)
	}

	if err := sink(m, resp.Body); err != nil {
		// Preserve the sink's concrete error (e.g. *store.InvalidChecksumError)
		// for the caller's errors.As, while still classifying it as a
		// download-category failure.
		return fmt.Errorf("%w: %w", ErrDownload, err)
	}
	return nil
}

// Upload streams src to the peer as a new bundle for m.
func (c *Client) Upload(ctx context.Context, m magnet.Magnet, src io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.controlHost, "/upload/"+m.String()), src)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("%w: rejected by peer (likely exceeds the size limit)", ErrUpload)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: upload status %d", ErrUpload, resp.StatusCode)
	}
	return nil
}

// PushRequest carries gossiped peer and magnet knowledge.
type PushRequest struct {
	Peers   []peerDTO       `json:"peers,omitempty"`
	Magnets []magnet.Magnet `json:"magnets,omitempty"`
}

// Push gossips known peers and magnets to the remote node. Peers that do
// not implement it answer 501, surfaced as ErrUnsupportedPeerMethod so the
// caller can skip gossip for them without penalty.
func (c *Client) Push(ctx context.Context, peers []peering.Peer, magnets []magnet.Magnet) error {
	body := PushRequest{Magnets: magnets}
	for _, p := range peers {
		body.Peers = append(body.Peers, peerDTO{
			ServiceID:        p.ServiceID,
			ContentServiceID: p.ContentServiceID,
			Version:          p.Version,
			Rating:           p.Rating,
			Address:          p.Address,
		})
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.controlHost, "/push"), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotImplemented {
		return ErrUnsupportedPeerMethod
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: push status %d", ErrInvalidPeerResponse, resp.StatusCode)
	}
	return nil
}

// Close releases any pooled connections. It never blocks on in-flight
// requests.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func shardPath(m magnet.Magnet) string {
	return filepath.ToSlash(magnet.ShardPath(m))
}
