package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/config"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/events"
	"github.com/edgecoder/mesh/internal/metrics"
	"github.com/edgecoder/mesh/internal/middleware"
	"github.com/edgecoder/mesh/internal/provider"
	"github.com/edgecoder/mesh/internal/signing"
)

// Server is the inference gateway on its own port, separate from the
// coordinator so heavy model calls never starve mesh traffic.
type Server struct {
	cfg      config.InferenceConfig
	gen      provider.Generator
	catalog  *provider.Catalog
	verifier *signing.Verifier
	bus      events.Emitter
	metrics  *metrics.Metrics
	started  time.Time
}

// NewServer wires the gateway. verifier may be nil when signed
// coordinator requests are not enforced.
func NewServer(cfg config.InferenceConfig, gen provider.Generator, catalog *provider.Catalog, verifier *signing.Verifier, bus events.Emitter, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		gen:      gen,
		catalog:  catalog,
		verifier: verifier,
		bus:      bus,
		metrics:  m,
		started:  time.Now(),
	}
}

// Router builds the gateway route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestLog, middleware.CORS)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.auth)
	if s.cfg.RequireSignedRequests && s.verifier != nil {
		protected.Use(s.verifier.Middleware)
	}
	protected.HandleFunc("/decompose", s.handleDecompose).Methods(http.MethodPost)
	protected.HandleFunc("/escalate", s.handleEscalate).Methods(http.MethodPost)
	protected.HandleFunc("/model/swap", s.handleSwap).Methods(http.MethodPost)
	protected.HandleFunc("/model/status", s.handleModelStatus).Methods(http.MethodGet)
	protected.HandleFunc("/model/list", s.handleModelList).Methods(http.MethodGet)
	protected.HandleFunc("/model/pull/progress", s.handlePullProgress).Methods(http.MethodGet)

	return r
}

// auth enforces the optional static bearer token.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + s.cfg.AuthToken
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				apierr.WriteKind(w, apierr.KindUnauthorized, "missing or invalid auth token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"provider":      s.cfg.Provider,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"provider":      s.cfg.Provider,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	}
	if s.catalog != nil {
		body["model"] = s.catalog.Status()
		body["pulls"] = s.catalog.PullProgressAll()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDecompose(w http.ResponseWriter, r *http.Request) {
	var t core.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
		return
	}
	if t.Prompt == "" {
		apierr.WriteKind(w, apierr.KindValidation, "prompt is required")
		return
	}
	if !core.ValidLanguage(t.Language) {
		apierr.WriteKind(w, apierr.KindValidation, "unsupported language: "+t.Language)
		return
	}

	subtasks := Decompose(r.Context(), s.gen, t)
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":   t.TaskID,
		"subtasks": subtasks,
	})
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req core.EscalationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
		return
	}

	start := time.Now()
	raw, err := s.gen.Generate(r.Context(), SeniorPrompt(req))
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		s.metrics.RecordInference(s.cfg.Provider, outcome, time.Since(start).Seconds())
	}
	if err != nil {
		apierr.WriteKind(w, apierr.KindUpstream, "model call failed: "+err.Error())
		return
	}

	improved := provider.ExtractCode(raw, req.Language)
	result := core.EscalationResult{
		TaskID:       req.TaskID,
		Status:       "completed",
		ImprovedCode: improved,
		RawResponse:  raw,
	}
	if s.bus != nil {
		s.bus.Emit(events.TypeTaskEscalated, req.TaskID, map[string]any{"resolvedBy": "gateway"})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model      string  `json:"model"`
		ParamSizeB float64 `json:"paramSizeB"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
		return
	}
	if err := s.catalog.Swap(r.Context(), req.Model, req.ParamSizeB); err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.Status())
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Status())
}

func (s *Server) handleModelList(w http.ResponseWriter, r *http.Request) {
	models, err := s.catalog.List(r.Context())
	if err != nil {
		apierr.WriteKind(w, apierr.KindUpstream, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handlePullProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pulls": s.catalog.PullProgressAll()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
