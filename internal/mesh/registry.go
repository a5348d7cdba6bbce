// Package mesh implements the gossip layer: the peer registry, signed
// message fan-out, and capability aggregation. Gossip is unreliable by
// design; the data model tolerates reordering and loss, and peer public
// keys only ever come from the trusted roster, never from gossip.
package mesh

import (
	"sync"
	"time"

	"github.com/edgecoder/mesh/internal/core"
)

// Registry is the non-durable peer set. Entries are upserted on
// enrollment and heartbeat and evicted after the staleness window.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]core.PeerRecord
}

// NewRegistry creates an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]core.PeerRecord)}
}

// Upsert inserts or refreshes a peer record. The reputation of an
// existing record is preserved unless the update carries one.
func (r *Registry) Upsert(rec core.PeerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.LastSeenMs == 0 {
		rec.LastSeenMs = time.Now().UnixMilli()
	}
	if prev, ok := r.peers[rec.PeerID]; ok {
		if rec.Reputation == 0 {
			rec.Reputation = prev.Reputation
		}
		if rec.PublicKey == "" {
			rec.PublicKey = prev.PublicKey
		}
	} else if rec.Reputation == 0 {
		rec.Reputation = 0.5
	}
	r.peers[rec.PeerID] = rec
}

// Heartbeat refreshes a peer's liveness without touching other fields.
func (r *Registry) Heartbeat(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return false
	}
	rec.LastSeenMs = time.Now().UnixMilli()
	r.peers[peerID] = rec
	return true
}

// NudgeReputation moves a peer's reputation by delta, clamped to [0, 1].
func (r *Registry) NudgeReputation(peerID string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return
	}
	rec.Reputation += delta
	if rec.Reputation > 1 {
		rec.Reputation = 1
	}
	if rec.Reputation < 0 {
		rec.Reputation = 0
	}
	r.peers[peerID] = rec
}

// Get returns a peer record.
func (r *Registry) Get(peerID string) (core.PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[peerID]
	return rec, ok
}

// List returns all peer records.
func (r *Registry) List() []core.PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec)
	}
	return out
}

// EvictStale drops peers not seen within maxAge and returns the count.
func (r *Registry) EvictStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.peers {
		if rec.LastSeenMs < cutoff {
			delete(r.peers, id)
			n++
		}
	}
	return n
}

// Len returns the number of live peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
