package mesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/identity"
	"github.com/edgecoder/mesh/internal/signing"
)

func TestBroadcastCountsSentAndFailed(t *testing.T) {
	id, err := identity.Generate("node-src")
	require.NoError(t, err)

	reachable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, gossipPath, r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(signing.HeaderSignature))
		w.WriteHeader(http.StatusOK)
	}))
	defer reachable.Close()

	registry := NewRegistry()
	registry.Upsert(core.PeerRecord{PeerID: "peer-good", CoordinatorURL: reachable.URL})
	registry.Upsert(core.PeerRecord{PeerID: "peer-gone", CoordinatorURL: "http://127.0.0.1:1"})

	b := NewBroadcaster(id, registry, 2, nil)
	defer b.Shutdown()

	msg := core.GossipMessage{ID: "m1", Type: core.GossipPeerAnnounce, FromPeerID: id.NodeID,
		IssuedAtMs: time.Now().UnixMilli(), TTLMs: 30_000}
	msg.Signature = id.Sign(SignPayload(msg))

	result := b.Broadcast(context.Background(), msg)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Failed)
}

func TestBroadcastSkipsSelfAndURLLessPeers(t *testing.T) {
	id, err := identity.Generate("node-src")
	require.NoError(t, err)

	registry := NewRegistry()
	registry.Upsert(core.PeerRecord{PeerID: id.NodeID, CoordinatorURL: "http://self:4301"})
	registry.Upsert(core.PeerRecord{PeerID: "peer-ble-only"})

	b := NewBroadcaster(id, registry, 1, nil)
	defer b.Shutdown()

	result := b.Broadcast(context.Background(), core.GossipMessage{ID: "m2"})
	assert.Equal(t, 0, result.Sent)
	assert.Equal(t, 0, result.Failed)
}

func TestRegistryEvictStale(t *testing.T) {
	registry := NewRegistry()
	registry.Upsert(core.PeerRecord{PeerID: "fresh", LastSeenMs: time.Now().UnixMilli()})
	registry.Upsert(core.PeerRecord{PeerID: "stale", LastSeenMs: time.Now().Add(-10 * time.Minute).UnixMilli()})

	evicted := registry.EvictStale(5 * time.Minute)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, registry.Len())
	_, ok := registry.Get("fresh")
	assert.True(t, ok)
}
