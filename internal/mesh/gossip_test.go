package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/identity"
)

func newGossipPair(t *testing.T) (*Gossip, *identity.Identity, *Registry, *CapabilityStore) {
	t.Helper()
	local, err := identity.Generate("node-local")
	require.NoError(t, err)
	remote, err := identity.Generate("node-remote")
	require.NoError(t, err)

	roster := identity.NewRoster()
	roster.AddKey(remote.NodeID, remote.PublicKey)

	registry := NewRegistry()
	caps := NewCapabilityStore()
	g := NewGossip(local, roster, registry, caps, 30*time.Second, nil)
	return g, remote, registry, caps
}

func signedMessage(sender *identity.Identity, msgType string, payload map[string]any) core.GossipMessage {
	msg := core.GossipMessage{
		ID:         "msg-" + msgType + "-1",
		Type:       msgType,
		FromPeerID: sender.NodeID,
		IssuedAtMs: time.Now().UnixMilli(),
		TTLMs:      30_000,
		Payload:    payload,
	}
	msg.Signature = sender.Sign(SignPayload(msg))
	return msg
}

func TestIngestPeerAnnounceUpsertsRoster(t *testing.T) {
	g, remote, registry, _ := newGossipPair(t)

	msg := signedMessage(remote, core.GossipPeerAnnounce, map[string]any{
		"coordinatorUrl": "http://remote:4301",
	})
	require.NoError(t, g.Ingest(msg))

	rec, ok := registry.Get(remote.NodeID)
	require.True(t, ok)
	assert.Equal(t, "http://remote:4301", rec.CoordinatorURL)
}

func TestIngestRejectsBadSignatureBeforeMutation(t *testing.T) {
	g, remote, registry, _ := newGossipPair(t)

	msg := signedMessage(remote, core.GossipPeerAnnounce, map[string]any{
		"coordinatorUrl": "http://remote:4301",
	})
	msg.Signature = "bm90LWEtc2lnbmF0dXJl"

	err := g.Ingest(msg)
	require.Error(t, err)
	assert.Equal(t, apierr.KindSignatureInvalid, apierr.KindOf(err))

	_, ok := registry.Get(remote.NodeID)
	assert.False(t, ok, "state must not change on signature failure")
}

func TestIngestRejectsUntrustedSender(t *testing.T) {
	g, _, _, _ := newGossipPair(t)

	stranger, err := identity.Generate("node-stranger")
	require.NoError(t, err)
	msg := signedMessage(stranger, core.GossipPeerAnnounce, nil)

	err = g.Ingest(msg)
	require.Error(t, err)
	assert.Equal(t, apierr.KindUntrustedPeer, apierr.KindOf(err))
}

func TestIngestDuplicateSilentlyIgnored(t *testing.T) {
	g, remote, registry, _ := newGossipPair(t)

	msg := signedMessage(remote, core.GossipPeerAnnounce, map[string]any{
		"coordinatorUrl": "http://remote:4301",
	})
	require.NoError(t, g.Ingest(msg))

	// Mutate the registry state out of band, then replay: the duplicate
	// must be a no-op and return nil.
	registry.Upsert(core.PeerRecord{PeerID: remote.NodeID, CoordinatorURL: "http://changed:4301"})
	require.NoError(t, g.Ingest(msg))

	rec, _ := registry.Get(remote.NodeID)
	assert.Equal(t, "http://changed:4301", rec.CoordinatorURL)
}

func TestIngestRejectsExpiredMessage(t *testing.T) {
	g, remote, _, _ := newGossipPair(t)

	msg := core.GossipMessage{
		ID:         "msg-old",
		Type:       core.GossipPeerAnnounce,
		FromPeerID: remote.NodeID,
		IssuedAtMs: time.Now().Add(-time.Minute).UnixMilli(),
		TTLMs:      1_000,
	}
	msg.Signature = remote.Sign(SignPayload(msg))

	err := g.Ingest(msg)
	require.Error(t, err)
	assert.Equal(t, apierr.KindValidation, apierr.KindOf(err))
}

func TestIngestCapabilitySummaryReplaces(t *testing.T) {
	g, remote, _, caps := newGossipPair(t)

	first := signedMessage(remote, core.GossipCapabilitySummary, map[string]any{
		"coordinatorId": remote.NodeID,
		"models": []any{
			map[string]any{"model": "qwen2.5-coder:7b", "agentCount": 2.0, "totalParamCapacity": 14.0, "avgLoad": 0.5},
		},
	})
	require.NoError(t, g.Ingest(first))

	second := signedMessage(remote, core.GossipCapabilitySummary, map[string]any{
		"coordinatorId": remote.NodeID,
		"models": []any{
			map[string]any{"model": "llama3:8b", "agentCount": 1.0, "totalParamCapacity": 8.0, "avgLoad": 0.1},
		},
	})
	second.ID = "msg-capability_summary-2"
	second.Signature = remote.Sign(SignPayload(second))
	require.NoError(t, g.Ingest(second))

	summaries := caps.Query("llama3:8b")
	require.Len(t, summaries, 1)
	assert.Empty(t, caps.Query("qwen2.5-coder:7b"), "a fresh summary replaces the prior one")
}

func TestIngestBlacklistAppendsAuditChain(t *testing.T) {
	g, remote, registry, _ := newGossipPair(t)
	registry.Upsert(core.PeerRecord{PeerID: "node-bad", Reputation: 0.5})

	msg := signedMessage(remote, core.GossipBlacklistUpdate, map[string]any{
		"peerId": "node-bad",
		"reason": "repeated invalid results",
	})
	require.NoError(t, g.Ingest(msg))

	chain := g.Blacklist()
	require.Len(t, chain, 1)
	assert.Equal(t, "node-bad", chain[0].PeerID)
	assert.Equal(t, remote.NodeID, chain[0].ReportedBy)

	rec, _ := registry.Get("node-bad")
	assert.Less(t, rec.Reputation, 0.5)
}

func TestAggregateGroupsByModel(t *testing.T) {
	summary := Aggregate("node-local", []core.AgentCapability{
		{AgentID: "a1", ActiveModel: "qwen2.5-coder:7b", ActiveModelParamSize: 7, CurrentLoad: 0.2},
		{AgentID: "a2", ActiveModel: "qwen2.5-coder:7b", ActiveModelParamSize: 7, CurrentLoad: 0.6},
		{AgentID: "a3", ActiveModel: "llama3:8b", ActiveModelParamSize: 8, CurrentLoad: 1.0},
	})

	require.Len(t, summary.Models, 2)
	assert.Equal(t, "llama3:8b", summary.Models[0].Model)
	assert.Equal(t, "qwen2.5-coder:7b", summary.Models[1].Model)
	assert.Equal(t, 2, summary.Models[1].AgentCount)
	assert.InDelta(t, 14.0, summary.Models[1].TotalParamCapacity, 1e-9)
	assert.InDelta(t, 0.4, summary.Models[1].AvgLoad, 1e-9)
}
