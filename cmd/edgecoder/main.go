// edgecoder runs a mesh node. EDGE_RUNTIME_MODE selects which surfaces
// the process hosts: worker, coordinator, control-plane, inference,
// ide-provider, or all-in-one (the default).
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/edgecoder/mesh/internal/agent"
	"github.com/edgecoder/mesh/internal/config"
	"github.com/edgecoder/mesh/internal/coordinator"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/credit"
	"github.com/edgecoder/mesh/internal/escalation"
	"github.com/edgecoder/mesh/internal/events"
	"github.com/edgecoder/mesh/internal/gateway"
	"github.com/edgecoder/mesh/internal/handshake"
	"github.com/edgecoder/mesh/internal/ideprovider"
	"github.com/edgecoder/mesh/internal/identity"
	"github.com/edgecoder/mesh/internal/infra"
	"github.com/edgecoder/mesh/internal/mesh"
	"github.com/edgecoder/mesh/internal/metrics"
	"github.com/edgecoder/mesh/internal/provider"
	"github.com/edgecoder/mesh/internal/sandbox"
	"github.com/edgecoder/mesh/internal/signing"
	"github.com/edgecoder/mesh/internal/task"
	"github.com/edgecoder/mesh/internal/worker"
	"github.com/edgecoder/mesh/pkg/meshclient"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	id, err := nodeIdentity(cfg)
	if err != nil {
		log.Fatalf("identity error: %v", err)
	}

	roster := identity.NewRoster()
	if err := roster.LoadEnv("MESH_TRUSTED_PEERS"); err != nil {
		log.Fatalf("trusted peers error: %v", err)
	}
	if cfg.Mesh.TrustedPeersFile != "" {
		if err := roster.LoadFile(cfg.Mesh.TrustedPeersFile); err != nil {
			log.Fatalf("trusted peers file error: %v", err)
		}
	}
	// A node always trusts itself so loopback gossip verifies.
	roster.AddKey(id.NodeID, id.PublicKey)

	m := metrics.NewMetrics()
	bus := events.NewBus(id.NodeID)

	ledger, closeLedger, err := buildLedger(cfg)
	if err != nil {
		log.Fatalf("ledger error: %v", err)
	}
	defer closeLedger()
	engine, err := credit.NewEngine(ledger, m)
	if err != nil {
		log.Fatalf("credit engine error: %v", err)
	}

	redisAdapter := connectRedis(cfg)
	if redisAdapter != nil {
		defer redisAdapter.Close()
	}
	verifier := signing.NewVerifier(roster, buildNonceStore(cfg, redisAdapter), cfg.Inference.MaxSignatureSkew)

	gen, catalog := buildProvider(cfg, m)
	executor := buildExecutor(cfg, m)

	registry := mesh.NewRegistry()
	caps := mesh.NewCapabilityStore()
	gossip := mesh.NewGossip(id, roster, registry, caps, cfg.Mesh.GossipTTL, m)
	broadcaster := mesh.NewBroadcaster(id, registry, 4, m)

	resolver := escalation.NewResolver(escalation.Options{
		ParentCoordinatorURL: cfg.Escalation.ParentCoordinatorURL,
		CloudInferenceURL:    cfg.Escalation.CloudInferenceURL,
		CallbackURL:          cfg.Escalation.CallbackURL,
		MaxRetries:           cfg.Escalation.MaxRetries,
		RetryBaseDelay:       cfg.Escalation.RetryBaseDelay,
		AttemptTimeout:       cfg.Escalation.Timeout,
	}, nil, m)

	mode := cfg.Runtime.Mode
	slog.Info("edgecoder starting", "node", id.NodeID, "mode", mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if redisAdapter != nil {
		go infra.NewEventBridge(redisAdapter, bus, id.NodeID).Run(ctx)
	}

	var servers []*http.Server

	runCoordinator := mode == config.ModeCoordinator || mode == config.ModeControlPlane || mode == config.ModeAllInOne
	runGateway := mode == config.ModeInference || mode == config.ModeControlPlane || mode == config.ModeAllInOne
	runIDE := mode == config.ModeIDEProvider || mode == config.ModeAllInOne || cfg.Agent.Mode == core.ModeIDEEnabled
	runWorker := mode == config.ModeWorker || mode == config.ModeAllInOne

	var coord *coordinator.Server
	if runCoordinator {
		coord = coordinator.NewServer(coordinator.Deps{
			Config:      cfg,
			Identity:    id,
			Roster:      roster,
			Queue:       task.NewQueue(30*time.Minute, m),
			Registry:    registry,
			Capabilities: caps,
			Gossip:      gossip,
			Broadcaster: broadcaster,
			Credits:     engine,
			Resolver:    resolver,
			Catalog:     catalog,
			Bus:         bus,
			Verifier:    verifier,
			Metrics:     m,
			LocalCapabilities: func() []core.AgentCapability {
				return []core.AgentCapability{localCapability(cfg, id.NodeID, catalog)}
			},
		})
		coord.Start()
		servers = append(servers, serve(cfg.Runtime.CoordinatorPort, coord.Router()))

		if redisAdapter != nil {
			snapshots := infra.NewPeerSnapshotStore(redisAdapter, id.NodeID, 2*cfg.Mesh.PeerStaleAfter)
			restorePeers(ctx, snapshots, registry)
			go snapshotPeers(ctx, snapshots, registry, cfg.Mesh.BroadcastInterval)
		}

		// Handshake server rides alongside the coordinator.
		store := handshake.NewStore(cloudFunc(cfg, resolver))
		done := make(chan struct{})
		go store.Sweep(done)
		defer close(done)
		servers = append(servers, serve(cfg.Runtime.HandshakePort,
			handshake.NewServer(store, func(string) []byte { return id.PublicKey }).Router()))
	}

	if runGateway {
		gw := gateway.NewServer(cfg.Inference, gen, catalog, verifier, bus, m)
		servers = append(servers, serve(cfg.Runtime.InferencePort, gw.Router()))
	}

	if runIDE {
		ide := ideprovider.NewServer(gen, catalog)
		servers = append(servers, serve(cfg.Runtime.IDEProviderPort, ide.Router()))
	}

	if runWorker {
		coordinatorURL := cfg.Agent.CoordinatorURL
		if coordinatorURL == "" {
			coordinatorURL = "http://localhost:" + cfg.Runtime.CoordinatorPort
		}
		client := meshclient.New(meshclient.Config{
			CoordinatorURL: coordinatorURL,
			Identity:       id,
		})
		opts := agent.SwarmOptions()
		if cfg.Agent.Mode == core.ModeIDEEnabled {
			opts = agent.InteractiveOptions()
		}
		w := worker.New(worker.Options{
			AgentID:            id.NodeID,
			MaxConcurrentTasks: cfg.Agent.MaxConcurrentTasks,
			OS:                 cfg.Agent.OS,
			SandboxMode:        cfg.Sandbox.Mode,
		}, client, agent.New(gen, executor, opts), func() core.AgentCapability {
			return localCapability(cfg, id.NodeID, catalog)
		})
		go w.Run(ctx)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, s := range servers {
		s.Shutdown(shutdownCtx)
	}
	if coord != nil {
		coord.Shutdown(shutdownCtx)
	}
	resolver.Shutdown()
}

// nodeIdentity loads NODE_PRIVATE_KEY or generates an ephemeral key.
func nodeIdentity(cfg *config.Config) (*identity.Identity, error) {
	nodeID := cfg.Agent.ID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = fmt.Sprintf("edge-%s", host)
	}
	if seed := cfg.Agent.PrivateKeySeed; seed != "" {
		return identity.FromSeed(nodeID, seed)
	}
	slog.Warn("NODE_PRIVATE_KEY not set, generating ephemeral identity", "node", nodeID)
	return identity.Generate(nodeID)
}

// buildLedger picks Postgres when configured, in-memory otherwise.
func buildLedger(cfg *config.Config) (credit.Ledger, func(), error) {
	if cfg.Ledger.DatabaseURL == "" {
		return credit.NewMemoryLedger(), func() {}, nil
	}
	pg, err := credit.NewPostgresLedger(cfg.Ledger.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("credit ledger backed by postgres")
	return pg, func() { pg.Close() }, nil
}

// connectRedis returns nil when Redis is not configured or unreachable;
// every Redis-backed concern has an in-memory fallback.
func connectRedis(cfg *config.Config) *infra.GoRedisAdapter {
	if cfg.Redis.Addr == "" {
		return nil
	}
	adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Warn("redis unreachable, falling back to in-memory stores", "error", err)
		return nil
	}
	return adapter
}

// buildNonceStore prefers Redis so replay protection spans restarts.
func buildNonceStore(cfg *config.Config, adapter *infra.GoRedisAdapter) signing.NonceStore {
	if adapter == nil {
		return signing.NewMemoryNonceStore(cfg.Inference.NonceTTL, 10_000)
	}
	return infra.NewRedisNonceStore(adapter, cfg.Inference.NonceTTL)
}

// buildProvider wires the Generator and the model catalog.
func buildProvider(cfg *config.Config, m *metrics.Metrics) (provider.Generator, *provider.Catalog) {
	switch cfg.Inference.Provider {
	case provider.ProviderOllamaLocal:
		p := provider.NewOllamaProvider(cfg.Inference.OllamaHost, cfg.Inference.OllamaModel)
		lister := provider.NewOllamaLister(cfg.Inference.OllamaHost)
		catalog := provider.NewCatalog(lister, cfg.Inference.Provider, cfg.Inference.OllamaModel, 0, m)
		return p, catalog
	default:
		base := "http://localhost:" + cfg.Runtime.InferencePort
		p := provider.NewLocalProvider(base, cfg.Inference.OllamaModel, cfg.Inference.AuthToken)
		catalog := provider.NewCatalog(provider.StaticLister{}, cfg.Inference.Provider, cfg.Inference.OllamaModel, 0, m)
		return p, catalog
	}
}

// buildExecutor assembles the sandbox stack per SANDBOX_MODE.
func buildExecutor(cfg *config.Config, m *metrics.Metrics) *sandbox.Executor {
	var docker *sandbox.DockerRunner
	if cfg.Sandbox.Mode == core.SandboxDocker {
		docker = sandbox.NewDockerRunner(cfg.Sandbox.ImagePython, cfg.Sandbox.ImageNode)
	}
	return sandbox.NewExecutor(cfg.Sandbox.Mode, docker, sandbox.NewHostRunner(), cfg.Agent.MaxConcurrentTasks, m)
}

// cloudFunc resolves handshake sessions through the escalation
// waterfall's cloud step.
func cloudFunc(cfg *config.Config, resolver *escalation.Resolver) handshake.CloudFunc {
	if cfg.Escalation.CloudInferenceURL == "" && cfg.Escalation.ParentCoordinatorURL == "" {
		return nil
	}
	return func(ctx context.Context, s handshake.Session) (string, error) {
		result := resolver.Resolve(ctx, core.EscalationRequest{
			TaskID:      s.Task.TaskID,
			AgentID:     s.AgentID,
			Language:    s.Task.Language,
			Prompt:      s.Task.Prompt,
			Code:        s.Snippet,
			ErrorOutput: s.Error,
			QueueReason: s.QueueReason,
		})
		if result.ImprovedCode == "" {
			return "", fmt.Errorf("cloud resolution ended %s", result.Status)
		}
		return result.ImprovedCode, nil
	}
}

// restorePeers warms the registry from the last snapshot. Gossip
// re-converges either way; this shortens the window.
func restorePeers(ctx context.Context, store *infra.PeerSnapshotStore, registry *mesh.Registry) {
	var peers []core.PeerRecord
	found, err := store.Load(ctx, &peers)
	if err != nil || !found {
		return
	}
	for _, p := range peers {
		registry.Upsert(p)
	}
	slog.Info("restored peer snapshot", "peers", len(peers))
}

func snapshotPeers(ctx context.Context, store *infra.PeerSnapshotStore, registry *mesh.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Save(ctx, registry.List()); err != nil {
				slog.Debug("peer snapshot save failed", "error", err)
			}
		}
	}
}

func localCapability(cfg *config.Config, nodeID string, catalog *provider.Catalog) core.AgentCapability {
	status := catalog.Status()
	return core.AgentCapability{
		AgentID:              nodeID,
		SandboxMode:          cfg.Sandbox.Mode,
		ActiveModel:          status.ActiveModel,
		ActiveModelParamSize: status.ParamB,
		CurrentLoad:          float64(runtime.NumGoroutine()) / 100,
		Mode:                 cfg.Agent.Mode,
		ModelProvider:        cfg.Inference.Provider,
		MaxConcurrentTasks:   cfg.Agent.MaxConcurrentTasks,
		SwapInProgress:       status.SwapInProgress,
		OS:                   cfg.Agent.OS,
	}
}

// serve starts one HTTP server with sane timeouts.
func serve(port string, handler http.Handler) *http.Server {
	s := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		slog.Info("http server listening", "addr", s.Addr)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server on %s failed: %v", s.Addr, err)
		}
	}()
	return s
}
