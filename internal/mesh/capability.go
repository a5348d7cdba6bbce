package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/edgecoder/mesh/internal/core"
)

// CapabilityStore indexes received capability summaries by coordinator
// and serves the federated query endpoint. A fresh summary from a
// coordinator replaces its previous one wholesale.
type CapabilityStore struct {
	mu        sync.RWMutex
	summaries map[string]core.CapabilitySummary
}

// NewCapabilityStore creates an empty capability store.
func NewCapabilityStore() *CapabilityStore {
	return &CapabilityStore{summaries: make(map[string]core.CapabilitySummary)}
}

// Store replaces the summary held for a coordinator.
func (s *CapabilityStore) Store(summary core.CapabilitySummary) {
	s.mu.Lock()
	s.summaries[summary.CoordinatorID] = summary
	s.mu.Unlock()
}

// All returns every known summary, ordered by coordinator id.
func (s *CapabilityStore) All() []core.CapabilitySummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.CapabilitySummary, 0, len(s.summaries))
	for _, summary := range s.summaries {
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CoordinatorID < out[j].CoordinatorID })
	return out
}

// Query answers the federated capability query, optionally filtered to
// one model. Coordinators with no matching model are omitted.
func (s *CapabilityStore) Query(model string) []core.CapabilitySummary {
	all := s.All()
	if model == "" {
		return all
	}
	out := make([]core.CapabilitySummary, 0, len(all))
	for _, summary := range all {
		var models []core.ModelCapability
		for _, m := range summary.Models {
			if m.Model == model {
				models = append(models, m)
			}
		}
		if len(models) > 0 {
			summary.Models = models
			out = append(out, summary)
		}
	}
	return out
}

// AgentTable holds the per-agent capability records this coordinator
// serves, refreshed by every register heartbeat. A fresh record from an
// agent replaces its previous one wholesale.
type AgentTable struct {
	mu     sync.RWMutex
	agents map[string]agentEntry
}

type agentEntry struct {
	cap    core.AgentCapability
	seenMs int64
}

// NewAgentTable creates an empty agent capability table.
func NewAgentTable() *AgentTable {
	return &AgentTable{agents: make(map[string]agentEntry)}
}

// Upsert records an agent's current capability.
func (t *AgentTable) Upsert(cap core.AgentCapability) {
	if cap.AgentID == "" {
		return
	}
	t.mu.Lock()
	t.agents[cap.AgentID] = agentEntry{cap: cap, seenMs: time.Now().UnixMilli()}
	t.mu.Unlock()
}

// Get returns one agent's last reported capability.
func (t *AgentTable) Get(agentID string) (core.AgentCapability, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.agents[agentID]
	return entry.cap, ok
}

// List returns every known agent capability, ordered by agent id.
func (t *AgentTable) List() []core.AgentCapability {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]core.AgentCapability, 0, len(t.agents))
	for _, entry := range t.agents {
		out = append(out, entry.cap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// PruneStale drops agents whose last heartbeat is older than maxAge and
// reports how many were removed.
func (t *AgentTable) PruneStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, entry := range t.agents {
		if entry.seenMs < cutoff {
			delete(t.agents, id)
			removed++
		}
	}
	return removed
}

// Aggregate constructs this coordinator's capability summary from the
// live agent capability records.
func Aggregate(coordinatorID string, agents []core.AgentCapability) core.CapabilitySummary {
	type acc struct {
		count int
		param float64
		load  float64
	}
	byModel := make(map[string]*acc)
	for _, a := range agents {
		if a.ActiveModel == "" {
			continue
		}
		entry := byModel[a.ActiveModel]
		if entry == nil {
			entry = &acc{}
			byModel[a.ActiveModel] = entry
		}
		entry.count++
		entry.param += a.ActiveModelParamSize
		entry.load += a.CurrentLoad
	}

	summary := core.CapabilitySummary{
		CoordinatorID: coordinatorID,
		GeneratedAtMs: time.Now().UnixMilli(),
	}
	for model, entry := range byModel {
		summary.Models = append(summary.Models, core.ModelCapability{
			Model:              model,
			AgentCount:         entry.count,
			TotalParamCapacity: entry.param,
			AvgLoad:            entry.load / float64(entry.count),
		})
	}
	sort.Slice(summary.Models, func(i, j int) bool { return summary.Models[i].Model < summary.Models[j].Model })
	return summary
}
