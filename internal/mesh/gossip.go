package mesh

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/identity"
	"github.com/edgecoder/mesh/internal/metrics"
)

// gossipEnvelope fixes the field order signed over; the signature field
// itself is excluded. Never reorder.
type gossipEnvelope struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	FromPeerID string         `json:"fromPeerId"`
	IssuedAtMs int64          `json:"issuedAtMs"`
	TTLMs      int64          `json:"ttlMs"`
	Payload    map[string]any `json:"payload"`
}

// SignPayload produces the canonical bytes a gossip signature covers.
func SignPayload(msg core.GossipMessage) []byte {
	data, _ := json.Marshal(gossipEnvelope{
		ID:         msg.ID,
		Type:       msg.Type,
		FromPeerID: msg.FromPeerID,
		IssuedAtMs: msg.IssuedAtMs,
		TTLMs:      msg.TTLMs,
		Payload:    msg.Payload,
	})
	return data
}

// BlacklistEntry is one link of the append-only blacklist audit chain.
type BlacklistEntry struct {
	PeerID      string `json:"peerId"`
	Reason      string `json:"reason"`
	ReportedBy  string `json:"reportedBy"`
	TimestampMs int64  `json:"timestampMs"`
}

// Gossip ingests, deduplicates, verifies, and merges mesh messages, and
// builds outbound signed messages.
type Gossip struct {
	id       *identity.Identity
	roster   *identity.Roster
	registry *Registry
	caps     *CapabilityStore
	metrics  *metrics.Metrics

	seen *gocache.Cache

	mu         sync.RWMutex
	blacklist  []BlacklistEntry
	queueDepth map[string]int // peerID -> queued task count

	// OnTaskComplete is an advisory hook for task_complete messages.
	OnTaskComplete func(fromPeerID, taskID string)
}

// NewGossip builds the gossip engine. ttl bounds the dedup window.
func NewGossip(id *identity.Identity, roster *identity.Roster, registry *Registry, caps *CapabilityStore, ttl time.Duration, m *metrics.Metrics) *Gossip {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Gossip{
		id:         id,
		roster:     roster,
		registry:   registry,
		caps:       caps,
		metrics:    m,
		seen:       gocache.New(ttl*2, ttl),
		queueDepth: make(map[string]int),
	}
}

// NewMessage builds and signs an outbound gossip message.
func (g *Gossip) NewMessage(msgType string, ttl time.Duration, payload map[string]any) core.GossipMessage {
	msg := core.GossipMessage{
		ID:         uuid.NewString(),
		Type:       msgType,
		FromPeerID: g.id.NodeID,
		IssuedAtMs: time.Now().UnixMilli(),
		TTLMs:      ttl.Milliseconds(),
		Payload:    payload,
	}
	msg.Signature = g.id.Sign(SignPayload(msg))
	return msg
}

// Ingest applies one received gossip message. Duplicates return nil and
// change nothing; verification failures return the exact kind. The
// signature is checked before any state mutation.
func (g *Gossip) Ingest(msg core.GossipMessage) error {
	if msg.ID == "" || msg.FromPeerID == "" {
		return apierr.New(apierr.KindValidation, "gossip message missing id or sender")
	}

	if time.Now().UnixMilli()-msg.IssuedAtMs > msg.TTLMs {
		g.record(msg.Type, "expired")
		return apierr.New(apierr.KindValidation, "gossip message past its ttl")
	}

	pub, ok := g.roster.Lookup(msg.FromPeerID)
	if !ok {
		g.record(msg.Type, "untrusted")
		return apierr.New(apierr.KindUntrustedPeer, "gossip sender not in trusted roster: "+msg.FromPeerID)
	}
	if !identity.Verify(pub, SignPayload(msg), msg.Signature) {
		g.record(msg.Type, "bad_signature")
		return apierr.New(apierr.KindSignatureInvalid, "gossip signature verification failed")
	}

	// Dedup after verification so forged ids cannot shadow real ones.
	if g.seen.Add(msg.ID, struct{}{}, gocache.DefaultExpiration) != nil {
		g.record(msg.Type, "duplicate")
		return nil
	}

	g.merge(msg)
	g.record(msg.Type, "applied")
	return nil
}

// merge applies the payload-type-specific rules.
func (g *Gossip) merge(msg core.GossipMessage) {
	switch msg.Type {
	case core.GossipPeerAnnounce:
		rec := core.PeerRecord{PeerID: msg.FromPeerID, LastSeenMs: msg.IssuedAtMs}
		if url, ok := msg.Payload["coordinatorUrl"].(string); ok {
			rec.CoordinatorURL = url
		}
		if nm, ok := msg.Payload["networkMode"].(string); ok {
			rec.NetworkMode = nm
		}
		g.registry.Upsert(rec)

	case core.GossipQueueSummary:
		if depth, ok := msg.Payload["queued"].(float64); ok {
			g.mu.Lock()
			g.queueDepth[msg.FromPeerID] = int(depth)
			g.mu.Unlock()
		}
		g.registry.Heartbeat(msg.FromPeerID)

	case core.GossipCapabilitySummary:
		data, err := json.Marshal(msg.Payload)
		if err != nil {
			return
		}
		var summary core.CapabilitySummary
		if err := json.Unmarshal(data, &summary); err != nil {
			slog.Warn("malformed capability summary", "from", msg.FromPeerID, "error", err)
			return
		}
		if summary.CoordinatorID == "" {
			summary.CoordinatorID = msg.FromPeerID
		}
		g.caps.Store(summary)
		g.registry.Heartbeat(msg.FromPeerID)

	case core.GossipBlacklistUpdate:
		entry := BlacklistEntry{
			ReportedBy:  msg.FromPeerID,
			TimestampMs: msg.IssuedAtMs,
		}
		if id, ok := msg.Payload["peerId"].(string); ok {
			entry.PeerID = id
		}
		if reason, ok := msg.Payload["reason"].(string); ok {
			entry.Reason = reason
		}
		g.mu.Lock()
		g.blacklist = append(g.blacklist, entry)
		g.mu.Unlock()
		g.registry.NudgeReputation(entry.PeerID, -0.2)

	case core.GossipTaskComplete:
		// Advisory only: liveness plus a small reputation bump.
		g.registry.Heartbeat(msg.FromPeerID)
		g.registry.NudgeReputation(msg.FromPeerID, 0.01)
		if g.OnTaskComplete != nil {
			taskID, _ := msg.Payload["taskId"].(string)
			g.OnTaskComplete(msg.FromPeerID, taskID)
		}

	default:
		slog.Warn("unknown gossip message type", "type", msg.Type, "from", msg.FromPeerID)
	}
}

// Blacklist returns a copy of the audit chain.
func (g *Gossip) Blacklist() []BlacklistEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]BlacklistEntry, len(g.blacklist))
	copy(out, g.blacklist)
	return out
}

// QueueDepth returns the last reported queue depth for a peer.
func (g *Gossip) QueueDepth(peerID string) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.queueDepth[peerID]
	return d, ok
}

func (g *Gossip) record(msgType, verdict string) {
	if g.metrics != nil {
		g.metrics.RecordGossip(msgType, verdict)
	}
}
