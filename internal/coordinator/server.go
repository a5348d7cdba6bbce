// Package coordinator assembles the node's main HTTP surface: task
// queue, gossip ingest, credit ledger, model catalog, and the event
// stream, plus the background loops that keep the mesh view fresh.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgecoder/mesh/internal/config"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/credit"
	"github.com/edgecoder/mesh/internal/escalation"
	"github.com/edgecoder/mesh/internal/events"
	"github.com/edgecoder/mesh/internal/handlers"
	"github.com/edgecoder/mesh/internal/identity"
	"github.com/edgecoder/mesh/internal/mesh"
	"github.com/edgecoder/mesh/internal/metrics"
	"github.com/edgecoder/mesh/internal/middleware"
	"github.com/edgecoder/mesh/internal/provider"
	"github.com/edgecoder/mesh/internal/signing"
	"github.com/edgecoder/mesh/internal/task"
)

// Version reported by /health/runtime and /status.
const Version = "0.4.0"

// Deps is everything a coordinator serves from. LocalCapabilities feeds
// the periodic capability broadcast; nil means this node runs no local
// agents.
type Deps struct {
	Config            *config.Config
	Identity          *identity.Identity
	Roster            *identity.Roster
	Queue             *task.Queue
	Registry          *mesh.Registry
	Capabilities      *mesh.CapabilityStore
	Gossip            *mesh.Gossip
	Broadcaster       *mesh.Broadcaster
	Credits           *credit.Engine
	Resolver          *escalation.Resolver
	Catalog           *provider.Catalog
	Bus               *events.Bus
	Verifier          *signing.Verifier
	Metrics           *metrics.Metrics
	LocalCapabilities func() []core.AgentCapability
}

// Server is the coordinator runtime.
type Server struct {
	deps     Deps
	holds    *handlers.TaskHolds
	agents   *mesh.AgentTable
	limiter  *middleware.RateLimiter
	streamer *events.Streamer
	started  time.Time
	done     chan struct{}
}

// NewServer wires the coordinator. Call Start to launch background
// loops and Shutdown to stop them.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:     deps,
		holds:    handlers.NewTaskHolds(),
		agents:   mesh.NewAgentTable(),
		limiter:  middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		streamer: events.NewStreamer(deps.Bus),
		started:  time.Now(),
		done:     make(chan struct{}),
	}
}

// Router builds the coordinator route table. Mutating mesh routes sit
// behind signature verification; read-only surfaces stay open for
// dashboards.
func (s *Server) Router() *mux.Router {
	d := s.deps
	r := mux.NewRouter()
	r.Use(middleware.RequestLog, middleware.CORS, s.limiter.Middleware)

	r.HandleFunc("/health/runtime", handlers.Health(Version)).Methods(http.MethodGet)
	r.HandleFunc("/status", handlers.Status(handlers.StatusDeps{
		PeerID:   d.Identity.NodeID,
		Mode:     d.Config.Runtime.Mode,
		Version:  Version,
		Started:  s.started,
		Queue:    d.Queue,
		Registry: d.Registry,
		Catalog:  d.Catalog,
		Bus:      d.Bus,
	})).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", s.streamer.HandleWS).Methods(http.MethodGet)

	r.HandleFunc("/mesh/peers", handlers.ListPeers(d.Registry)).Methods(http.MethodGet)
	r.HandleFunc("/mesh/capabilities", handlers.ListCapabilities(d.Capabilities)).Methods(http.MethodGet)
	r.HandleFunc("/mesh/blacklist", handlers.GossipBlacklist(d.Gossip)).Methods(http.MethodGet)

	r.HandleFunc("/task", handlers.SubmitTask(d.Queue, d.Credits, s.holds, d.Bus)).Methods(http.MethodPost)
	r.HandleFunc("/task/{id}", handlers.GetTask(d.Queue)).Methods(http.MethodGet)
	r.HandleFunc("/escalate", handlers.EscalateTask(d.Queue, d.Resolver, d.Bus)).Methods(http.MethodPost)
	r.HandleFunc("/escalate/{taskId}", handlers.GetEscalation(d.Resolver)).Methods(http.MethodGet)

	r.HandleFunc("/credits/balance/{accountId}", handlers.CreditBalance(d.Credits)).Methods(http.MethodGet)
	r.HandleFunc("/credits/history/{accountId}", handlers.CreditHistory(d.Credits)).Methods(http.MethodGet)
	r.HandleFunc("/credits/ledger/snapshot", handlers.LedgerSnapshot(d.Credits)).Methods(http.MethodGet)
	r.HandleFunc("/credits/ledger/verify", handlers.LedgerVerify(d.Credits)).Methods(http.MethodGet)

	r.HandleFunc("/model/swap", handlers.ModelSwap(d.Catalog, d.Bus, s.AnnounceCapabilities)).Methods(http.MethodPost)
	r.HandleFunc("/model/status", handlers.ModelStatus(d.Catalog)).Methods(http.MethodGet)
	r.HandleFunc("/model/list", handlers.ModelList(d.Catalog)).Methods(http.MethodGet)
	r.HandleFunc("/model/pull/progress", handlers.ModelPullProgress(d.Catalog)).Methods(http.MethodGet)

	// Inter-node routes require a valid signature from a trusted peer.
	signed := r.NewRoute().Subrouter()
	signed.Use(d.Verifier.Middleware)
	signed.HandleFunc("/gossip", handlers.IngestGossip(d.Gossip)).Methods(http.MethodPost)
	signed.HandleFunc("/mesh/register", handlers.RegisterPeer(d.Registry, s.agents, d.Bus)).Methods(http.MethodPost)
	signed.HandleFunc("/pull", handlers.PullTask(d.Queue, d.Bus)).Methods(http.MethodPost)
	signed.HandleFunc("/result", handlers.PostResult(d.Queue, d.Credits, d.Registry, s.holds, d.Bus)).Methods(http.MethodPost)

	return r
}

// Start launches the background loops: websocket pump, lease sweeper,
// stale-peer eviction, and the periodic capability broadcast.
func (s *Server) Start() {
	go s.streamer.Run()
	go s.deps.Queue.Sweep(s.done, time.Second)
	go s.evictLoop()
	go s.broadcastLoop()
	slog.Info("coordinator started", "peer", s.deps.Identity.NodeID, "mode", s.deps.Config.Runtime.Mode)
}

func (s *Server) evictLoop() {
	stale := s.deps.Config.Mesh.PeerStaleAfter
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	ticker := time.NewTicker(stale / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.deps.Registry.EvictStale(stale); n > 0 {
				slog.Info("evicted stale peers", "count", n)
			}
			s.agents.PruneStale(stale)
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcastLoop() {
	interval := s.deps.Config.Mesh.BroadcastInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.AnnounceCapabilities()
		case <-s.done:
			return
		}
	}
}

// AnnounceCapabilities aggregates the capability records of local and
// registered remote agents, stores the summary, and fans it out to the
// mesh.
func (s *Server) AnnounceCapabilities() {
	d := s.deps
	if d.Broadcaster == nil {
		return
	}
	var records []core.AgentCapability
	if d.LocalCapabilities != nil {
		records = d.LocalCapabilities()
	}
	records = append(records, s.agents.List()...)
	summary := mesh.Aggregate(d.Identity.NodeID, records)
	d.Capabilities.Store(summary)

	// Merge rules unmarshal the payload as the summary itself.
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	ttl := d.Config.Mesh.GossipTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	msg := d.Gossip.NewMessage(core.GossipCapabilitySummary, ttl, payload)
	d.Broadcaster.Enqueue(msg)
}

// AnnouncePresence gossips this node's peer record so new peers learn
// its coordinator URL.
func (s *Server) AnnouncePresence(coordinatorURL string) {
	d := s.deps
	if d.Broadcaster == nil {
		return
	}
	ttl := d.Config.Mesh.GossipTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	msg := d.Gossip.NewMessage(core.GossipPeerAnnounce, ttl, map[string]any{
		"peerId":         d.Identity.NodeID,
		"coordinatorUrl": coordinatorURL,
	})
	d.Broadcaster.Enqueue(msg)
}

// Shutdown stops background loops and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) {
	close(s.done)
	s.streamer.Shutdown()
	s.limiter.Shutdown()
	if s.deps.Resolver != nil {
		s.deps.Resolver.Shutdown()
	}
	if s.deps.Broadcaster != nil {
		s.deps.Broadcaster.Shutdown()
	}
	slog.Info("coordinator stopped")
}
