// Package peering implements the peer table and the greedy, distance-ranked
// discovery and distribution walks built on top of it.
package peering

import (
	"encoding/json"
)

// Peer is a remote node's advertised identity and reputation. Unique by
// ServiceID; all fields besides Rating are effectively immutable once
// learned.
type Peer struct {
	ServiceID        string  `json:"service_id"`
	ContentServiceID string  `json:"content_service_id,omitempty"`
	Version          string  `json:"version,omitempty"`
	Rating           float64 `json:"rating"`
	Address          string  `json:"address,omitempty"`
}

// ContentHost returns the host a content request (has_magnet/download)
// should target: ContentServiceID when known, else ServiceID itself.
func (p Peer) ContentHost() string {
	if p.ContentServiceID != "" {
		return p.ContentServiceID
	}
	return p.ServiceID
}

// Marshal/Unmarshal back the datastore persistence layer in table.go.
func (p Peer) marshal() ([]byte, error)    { return json.Marshal(p) }
func unmarshalPeer(b []byte) (Peer, error) { var p Peer; err := json.Unmarshal(b, &p); return p, err }
