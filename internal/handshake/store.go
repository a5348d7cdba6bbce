package handshake

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
)

const (
	// maxActivePerAgent caps concurrent non-terminal sessions per agent.
	maxActivePerAgent = 5
	// sessionMaxAge expires sessions stuck in a non-terminal phase.
	sessionMaxAge = 5 * time.Minute
	// sweepInterval is how often the sweeper scans for stuck sessions.
	sweepInterval = 60 * time.Second
)

// CloudFunc produces the cloud response for a session that entered
// execute. It runs on its own goroutine.
type CloudFunc func(ctx context.Context, s Session) (string, error)

// Store owns handshake sessions and drives their phase transitions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cloud    CloudFunc
	execWG   sync.WaitGroup
	logger   *log.Logger
	nowMs    func() int64
}

// NewStore creates a session store. cloud may be nil, in which case
// accepted sessions stay in execute until something external completes
// or expires them.
func NewStore(cloud CloudFunc) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		cloud:    cloud,
		logger:   log.New(log.Writer(), "[HANDSHAKE] ", log.LstdFlags),
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Create opens a new session in phase handshake. The per-agent active
// cap is enforced here so a stuck or hostile agent cannot flood cloud
// resources.
func (s *Store) Create(agentID string, task core.Task, snippet, errorOutput, queueReason string, agentKey []byte) (Session, error) {
	if agentID == "" {
		return Session{}, apierr.New(apierr.KindValidation, "agentId is required")
	}
	now := s.nowMs()

	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, sess := range s.sessions {
		if sess.AgentID == agentID && !terminal(sess.Phase) {
			active++
		}
	}
	if active >= maxActivePerAgent {
		return Session{}, apierr.New(apierr.KindTooManySessions, "too_many_sessions")
	}

	sess := &Session{
		SessionID:   uuid.NewString(),
		AgentID:     agentID,
		Phase:       PhaseHandshake,
		Task:        task,
		Snippet:     snippet,
		Error:       errorOutput,
		QueueReason: queueReason,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	token, err := deriveToken(sess.SessionID, agentKey)
	if err != nil {
		return Session{}, err
	}
	sess.Token = token
	s.sessions[sess.SessionID] = sess
	return *sess, nil
}

// Negotiate moves a session out of handshake. Accepting enters execute
// and spawns the cloud call; rejecting fails the session.
func (s *Store) Negotiate(sessionID, agentID string, accept bool) (Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return Session{}, apierr.New(apierr.KindNotFound, "session not found")
	}
	if sess.AgentID != agentID {
		s.mu.Unlock()
		return Session{}, apierr.New(apierr.KindSessionOwnerMismatch, "session_owner_mismatch")
	}
	if sess.Phase != PhaseHandshake && sess.Phase != PhaseNegotiate {
		s.mu.Unlock()
		return Session{}, apierr.New(apierr.KindInvalidPhaseTransition, "invalid_phase_transition")
	}

	sess.UpdatedAtMs = s.nowMs()
	if !accept {
		sess.Phase = PhaseFailed
		sess.FailureReason = "rejected_by_agent"
		snapshot := *sess
		s.mu.Unlock()
		return snapshot, nil
	}

	sess.Phase = PhaseExecute
	snapshot := *sess
	s.mu.Unlock()

	if s.cloud != nil {
		s.execWG.Add(1)
		go s.runCloud(snapshot)
	}
	return snapshot, nil
}

// runCloud performs the cloud call and settles the session. Only a
// session still in execute is updated, so a sweep that expired it in
// the meantime wins.
func (s *Store) runCloud(snapshot Session) {
	defer s.execWG.Done()
	ctx, cancel := context.WithTimeout(context.Background(), sessionMaxAge)
	defer cancel()

	response, err := s.cloud(ctx, snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[snapshot.SessionID]
	if !ok || sess.Phase != PhaseExecute {
		return
	}
	sess.UpdatedAtMs = s.nowMs()
	if err != nil {
		sess.Phase = PhaseFailed
		sess.FailureReason = err.Error()
		s.logger.Printf("cloud execution failed for session %s: %v", sess.SessionID, err)
		return
	}
	sess.Phase = PhaseResult
	sess.CloudResponse = response
}

// Get returns a session snapshot.
func (s *Store) Get(sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Result returns a session only once it reached a terminal phase.
func (s *Store) Result(sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, apierr.New(apierr.KindNotFound, "session not found")
	}
	if !terminal(sess.Phase) {
		return Session{}, apierr.New(apierr.KindInvalidPhaseTransition, "session still in phase "+sess.Phase)
	}
	return *sess, nil
}

// ActiveCount reports non-terminal sessions for one agent.
func (s *Store) ActiveCount(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.AgentID == agentID && !terminal(sess.Phase) {
			n++
		}
	}
	return n
}

// SweepExpired marks sessions stuck past sessionMaxAge as expired and
// returns how many it touched.
func (s *Store) SweepExpired() int {
	cutoff := s.nowMs() - sessionMaxAge.Milliseconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if terminal(sess.Phase) || sess.UpdatedAtMs > cutoff {
			continue
		}
		sess.Phase = PhaseExpired
		sess.UpdatedAtMs = s.nowMs()
		n++
	}
	if n > 0 {
		s.logger.Printf("expired %d stuck session(s)", n)
	}
	return n
}

// Sweep runs SweepExpired on a ticker until done closes.
func (s *Store) Sweep(done <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SweepExpired()
		case <-done:
			return
		}
	}
}

// Wait blocks until in-flight cloud executions finish. Test hook.
func (s *Store) Wait() {
	s.execWG.Wait()
}
