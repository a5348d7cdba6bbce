package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/edgecoder/mesh/internal/blemesh"
	"github.com/edgecoder/mesh/internal/core"
)

// NearbyRelay bridges gossip onto short-range links. Messages arriving
// over a blemesh transport are fed into the normal gossip path, which
// applies the same signature and roster checks as HTTP gossip, and
// outbound gossip can be repeated to every nearby peer. Nodes with no
// reachable coordinator still learn about peers this way.
type NearbyRelay struct {
	gossip    *Gossip
	messenger *blemesh.Messenger
	peers     *blemesh.PeerTable

	mu     sync.Mutex
	closed bool
}

// NewNearbyRelay wraps a chunk transport for gossip relay.
func NewNearbyRelay(gossip *Gossip, transport blemesh.Transport, mtu int) (*NearbyRelay, error) {
	messenger, err := blemesh.NewMessenger(transport, mtu)
	if err != nil {
		return nil, err
	}
	return &NearbyRelay{
		gossip:    gossip,
		messenger: messenger,
		peers:     blemesh.NewPeerTable(),
	}, nil
}

// Run consumes reassembled messages until the transport closes or ctx is
// cancelled. Malformed or untrusted messages are dropped; the link is
// best-effort by contract.
func (r *NearbyRelay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-r.messenger.Messages():
			if !ok {
				return
			}
			r.peers.Upsert(in.PeerID, "", 0)

			var msg core.GossipMessage
			if err := json.Unmarshal(in.Data, &msg); err != nil {
				slog.Debug("nearby relay dropped unparseable message", "peer", in.PeerID)
				continue
			}
			if err := r.gossip.Ingest(msg); err != nil {
				slog.Debug("nearby relay rejected gossip", "peer", in.PeerID, "error", err)
			}
		}
	}
}

// Repeat sends one gossip message to every nearby peer seen within
// maxAge. Send failures on individual links are ignored.
func (r *NearbyRelay) Repeat(ctx context.Context, msg core.GossipMessage, maxAge time.Duration) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	r.peers.PruneStale(maxAge)

	sent := 0
	for _, p := range r.peers.List() {
		if err := r.messenger.SendMessage(ctx, p.PeerID, payload); err != nil {
			continue
		}
		sent++
	}
	return sent
}

// NearbyPeers returns the current short-range peer table.
func (r *NearbyRelay) NearbyPeers() []blemesh.Peer {
	return r.peers.List()
}

// Close shuts the underlying transport.
func (r *NearbyRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.messenger.Close()
}
