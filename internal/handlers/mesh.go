package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/events"
	"github.com/edgecoder/mesh/internal/mesh"
)

// ListPeers returns the live peer table.
func ListPeers(reg *mesh.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"peers": reg.List()})
	}
}

// ListCapabilities returns federated capability summaries, optionally
// filtered to one model.
func ListCapabilities(caps *mesh.CapabilityStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := r.URL.Query().Get("model")
		var out []core.CapabilitySummary
		if model != "" {
			out = caps.Query(model)
		} else {
			out = caps.All()
		}
		writeJSON(w, http.StatusOK, map[string]any{"capabilities": out})
	}
}

// RegisterRequest is the register/heartbeat payload. The capability
// record, when present, refreshes the coordinator's per-agent view.
type RegisterRequest struct {
	Peer       core.PeerRecord       `json:"peer"`
	Capability *core.AgentCapability `json:"capability,omitempty"`
}

// RegisterPeer upserts a peer record and its capability. Trusted keys
// only come from the roster, so the record's publicKey field is
// advisory.
func RegisterPeer(reg *mesh.Registry, agents *mesh.AgentTable, bus events.Emitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
			return
		}
		if req.Peer.PeerID == "" {
			apierr.WriteKind(w, apierr.KindValidation, "peerId is required")
			return
		}

		reg.Upsert(req.Peer)
		if req.Capability != nil {
			// The capability speaks for the registering peer only.
			req.Capability.AgentID = req.Peer.PeerID
			agents.Upsert(*req.Capability)
		}
		if bus != nil {
			bus.Emit(events.TypePeerJoined, req.Peer.PeerID, map[string]any{
				"coordinatorUrl": req.Peer.CoordinatorURL,
			})
		}
		writeJSON(w, http.StatusCreated, map[string]any{"status": "registered", "peerId": req.Peer.PeerID})
	}
}

// IngestGossip verifies and merges one gossip message. Duplicates are
// acknowledged without effect.
func IngestGossip(g *mesh.Gossip) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg core.GossipMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
			return
		}
		if err := g.Ingest(msg); err != nil {
			apierr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// GossipBlacklist exposes the blacklist audit chain.
func GossipBlacklist(g *mesh.Gossip) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"blacklist": g.Blacklist()})
	}
}
