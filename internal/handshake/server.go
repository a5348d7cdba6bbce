package handshake

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
)

// reviewRequest opens a session for a snippet the local model gave up on.
type reviewRequest struct {
	AgentID     string    `json:"agentId"`
	Task        core.Task `json:"task"`
	Snippet     string    `json:"snippet"`
	Error       string    `json:"error,omitempty"`
	QueueReason string    `json:"queueReason"`
}

type negotiateRequest struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	Accept    bool   `json:"accept"`
}

// AgentKeyFunc resolves the key material used to derive session tokens
// for an agent. A nil func uses the session id alone.
type AgentKeyFunc func(agentID string) []byte

// Server exposes the handshake session lifecycle over HTTP.
type Server struct {
	store    *Store
	agentKey AgentKeyFunc
}

// NewServer wires the session store to its HTTP routes.
func NewServer(store *Store, agentKey AgentKeyFunc) *Server {
	return &Server{store: store, agentKey: agentKey}
}

// Router builds the handshake route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/review", s.handleReview).Methods(http.MethodPost)
	r.HandleFunc("/negotiate", s.handleNegotiate).Methods(http.MethodPost)
	r.HandleFunc("/result/{id}", s.handleResult).Methods(http.MethodGet)
	r.HandleFunc("/session/{id}", s.handleSession).Methods(http.MethodGet)
	return r
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
		return
	}
	var key []byte
	if s.agentKey != nil {
		key = s.agentKey(req.AgentID)
	}
	sess, err := s.store.Create(req.AgentID, req.Task, req.Snippet, req.Error, req.QueueReason, key)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	var req negotiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
		return
	}
	sess, err := s.store.Negotiate(req.SessionID, req.AgentID, req.Accept)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Result(mux.Vars(r)["id"])
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.store.Get(mux.Vars(r)["id"])
	if !ok {
		apierr.WriteKind(w, apierr.KindNotFound, "session not found")
		return
	}
	// The token is only disclosed at creation time.
	sess.Token = ""
	writeJSON(w, http.StatusOK, sess)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
