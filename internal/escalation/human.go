package escalation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgecoder/mesh/internal/core"
)

// HumanStore holds escalations waiting on an operator.
type HumanStore struct {
	mu      sync.RWMutex
	records map[string]core.HumanEscalation
}

// NewHumanStore creates an empty store.
func NewHumanStore() *HumanStore {
	return &HumanStore{records: make(map[string]core.HumanEscalation)}
}

// Create records a pending human escalation for an exhausted task.
func (s *HumanStore) Create(req core.EscalationRequest) core.HumanEscalation {
	rec := core.HumanEscalation{
		EscalationID: uuid.NewString(),
		TaskID:       req.TaskID,
		AgentID:      req.AgentID,
		Status:       StatusPendingHuman,
		Request:      req,
		CreatedAtMs:  time.Now().UnixMilli(),
	}
	s.mu.Lock()
	s.records[rec.EscalationID] = rec
	s.mu.Unlock()
	return rec
}

// Get returns one record.
func (s *HumanStore) Get(escalationID string) (core.HumanEscalation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[escalationID]
	return rec, ok
}

// ByTask returns the most recent record for a task.
func (s *HumanStore) ByTask(taskID string) (core.HumanEscalation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best core.HumanEscalation
	found := false
	for _, rec := range s.records {
		if rec.TaskID == taskID && (!found || rec.CreatedAtMs > best.CreatedAtMs) {
			best = rec
			found = true
		}
	}
	return best, found
}

// Pending lists unresolved records for operators.
func (s *HumanStore) Pending() []core.HumanEscalation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.HumanEscalation, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Status == StatusPendingHuman {
			out = append(out, rec)
		}
	}
	return out
}

// Resolve marks a record handled.
func (s *HumanStore) Resolve(escalationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[escalationID]
	if !ok {
		return false
	}
	rec.Status = "resolved"
	s.records[escalationID] = rec
	return true
}
