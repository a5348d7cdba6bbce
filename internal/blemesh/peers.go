package blemesh

import (
	"sync"
	"time"
)

// Peer is one nearby node seen over the short-range link.
type Peer struct {
	PeerID   string    `json:"peerId"`
	Address  string    `json:"address"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"lastSeen"`
}

// PeerTable tracks nearby peers with last-seen pruning.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewPeerTable creates an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]*Peer)}
}

// Upsert records an advertisement or inbound message from a peer.
func (pt *PeerTable) Upsert(peerID, address string, rssi int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.peers[peerID] = &Peer{
		PeerID:   peerID,
		Address:  address,
		RSSI:     rssi,
		LastSeen: time.Now(),
	}
}

// Get returns a copy of the peer record.
func (pt *PeerTable) Get(peerID string) (Peer, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// List returns copies of all known peers.
func (pt *PeerTable) List() []Peer {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make([]Peer, 0, len(pt.peers))
	for _, p := range pt.peers {
		out = append(out, *p)
	}
	return out
}

// PruneStale drops peers not seen within maxAge and returns how many went.
func (pt *PeerTable) PruneStale(maxAge time.Duration) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	dropped := 0
	for id, p := range pt.peers {
		if p.LastSeen.Before(cutoff) {
			delete(pt.peers, id)
			dropped++
		}
	}
	return dropped
}
