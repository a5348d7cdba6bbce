package handlers

import (
	"net/http"
	"time"

	"github.com/edgecoder/mesh/internal/events"
	"github.com/edgecoder/mesh/internal/mesh"
	"github.com/edgecoder/mesh/internal/provider"
	"github.com/edgecoder/mesh/internal/task"
)

// StatusDeps is everything the status surface reports on.
type StatusDeps struct {
	PeerID   string
	Mode     string
	Version  string
	Started  time.Time
	Queue    *task.Queue
	Registry *mesh.Registry
	Catalog  *provider.Catalog
	Bus      *events.Bus
}

// Health answers liveness probes.
func Health(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"version": version,
			"timeMs":  time.Now().UnixMilli(),
		})
	}
}

// Status reports the node's runtime state for dashboards and peers.
func Status(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"peerId":        deps.PeerID,
			"mode":          deps.Mode,
			"version":       deps.Version,
			"uptimeSeconds": int64(time.Since(deps.Started).Seconds()),
			"queueDepth":    deps.Queue.Depth(),
			"activeClaims":  deps.Queue.ActiveClaims(),
			"peers":         deps.Registry.Len(),
		}
		if deps.Catalog != nil {
			body["model"] = deps.Catalog.Status()
		}
		if deps.Bus != nil {
			body["eventSubscribers"] = deps.Bus.SubscriberCount()
		}
		writeJSON(w, http.StatusOK, body)
	}
}
