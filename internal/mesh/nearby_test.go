package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/mesh/internal/blemesh"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/identity"
)

func newRelayNode(t *testing.T, nodeID string, transport blemesh.Transport) (*identity.Identity, *Gossip, *NearbyRelay, *Registry) {
	t.Helper()
	id, err := identity.Generate(nodeID)
	require.NoError(t, err)

	roster := identity.NewRoster()
	registry := NewRegistry()
	gossip := NewGossip(id, roster, registry, NewCapabilityStore(), time.Minute, nil)

	relay, err := NewNearbyRelay(gossip, transport, 64)
	require.NoError(t, err)
	t.Cleanup(func() { relay.Close() })
	return id, gossip, relay, registry
}

func TestNearbyRelayCarriesGossipAcrossLink(t *testing.T) {
	ta, tb := blemesh.NewLoopbackPair("node-a", "node-b", 16)

	idA, gossipA, relayA, _ := newRelayNode(t, "node-a", ta)
	_, gossipB, relayB, registryB := newRelayNode(t, "node-b", tb)

	// B trusts A; the relay reuses the normal gossip verification.
	gossipB.roster.AddKey(idA.NodeID, idA.PublicKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relayB.Run(ctx)

	// A has seen B nearby, so Repeat targets it.
	relayA.peers.Upsert("node-b", "", -40)

	msg := gossipA.NewMessage(core.GossipPeerAnnounce, time.Minute, map[string]any{
		"coordinatorUrl": "http://node-a:4301",
	})
	sent := relayA.Repeat(ctx, msg, time.Minute)
	require.Equal(t, 1, sent)

	require.Eventually(t, func() bool {
		_, ok := registryB.Get("node-a")
		return ok
	}, time.Second, 10*time.Millisecond)

	rec, _ := registryB.Get("node-a")
	assert.Equal(t, "http://node-a:4301", rec.CoordinatorURL)
	assert.Len(t, relayB.NearbyPeers(), 1)
}

func TestNearbyRelayDropsUntrustedSender(t *testing.T) {
	ta, tb := blemesh.NewLoopbackPair("node-a", "node-b", 16)

	_, gossipA, relayA, _ := newRelayNode(t, "node-a", ta)
	_, _, relayB, registryB := newRelayNode(t, "node-b", tb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relayB.Run(ctx)

	relayA.peers.Upsert("node-b", "", -40)
	msg := gossipA.NewMessage(core.GossipPeerAnnounce, time.Minute, nil)
	require.Equal(t, 1, relayA.Repeat(ctx, msg, time.Minute))

	// The sender is not in B's roster, so the registry stays empty.
	assert.Never(t, func() bool {
		_, ok := registryB.Get("node-a")
		return ok
	}, 200*time.Millisecond, 20*time.Millisecond)
}
