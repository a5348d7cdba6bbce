// Package task owns the coordinator's queue: submitted tasks, their
// subtasks, claim leases, and settlement. Selection is priority
// descending, then task FIFO, breaking ties by subtask age. The queue is
// in-memory; settled tasks stay queryable through a TTL cache.
package task

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/metrics"
)

// Lease grace beyond the subtask's own timeout.
const leaseGrace = 5 * time.Second

// PullRequest is a worker's claim attempt, built from its verified
// identity and capability record.
type PullRequest struct {
	AgentID         string   `json:"agentId"`
	Model           string   `json:"model"`
	OS              string   `json:"os"`
	SandboxMode     string   `json:"sandboxMode"`
	ResourceClasses []string `json:"resourceClasses,omitempty"`
	Languages       []string `json:"languages,omitempty"`
}

// Claim is an active lease on a subtask.
type Claim struct {
	Subtask   core.Subtask `json:"subtask"`
	Task      core.Task    `json:"task"`
	AgentID   string       `json:"agentId"`
	ExpiresAt time.Time    `json:"-"`
}

// entry is one queued subtask plus the parent ordering keys.
type entry struct {
	subtask       core.Subtask
	taskID        string
	priority      int
	taskCreatedMs int64
	enqueuedAt    time.Time
	index         int
}

// entryHeap orders by priority desc, task FIFO, then subtask age.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if h[i].taskCreatedMs != h[j].taskCreatedMs {
		return h[i].taskCreatedMs < h[j].taskCreatedMs
	}
	return h[i].enqueuedAt.Before(h[j].enqueuedAt)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is the coordinator's task queue. All operations are serialised
// behind one mutex; pull is serialised per coordinator by construction.
type Queue struct {
	mu      sync.Mutex
	tasks   map[string]*core.Task
	pending entryHeap
	claims  map[string]*Claim // subtaskID -> claim
	recent  *gocache.Cache    // taskID -> settled core.Task
	metrics *metrics.Metrics
}

// NewQueue creates an empty queue. Settled tasks stay queryable for
// recentTTL; 0 defaults to 30 minutes.
func NewQueue(recentTTL time.Duration, m *metrics.Metrics) *Queue {
	if recentTTL <= 0 {
		recentTTL = 30 * time.Minute
	}
	return &Queue{
		tasks:   make(map[string]*core.Task),
		claims:  make(map[string]*Claim),
		recent:  gocache.New(recentTTL, 10*time.Minute),
		metrics: m,
	}
}

// Submit validates and enqueues a task with its subtasks. A task with
// no subtasks gets a single single_step subtask over the whole prompt.
func (q *Queue) Submit(t core.Task, subtasks []core.Subtask) (*core.Task, error) {
	if t.Prompt == "" {
		return nil, apierr.New(apierr.KindValidation, "task prompt must not be empty")
	}
	if !core.ValidLanguage(t.Language) {
		return nil, apierr.New(apierr.KindValidation, "unsupported language: "+t.Language)
	}
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.CreatedAtMs == 0 {
		t.CreatedAtMs = time.Now().UnixMilli()
	}
	if t.ResourceClass == "" {
		t.ResourceClass = "cpu"
	}
	t.Status = core.StatusQueued

	if len(subtasks) == 0 {
		subtasks = []core.Subtask{{
			SubtaskID: uuid.NewString(),
			TaskID:    t.TaskID,
			Kind:      core.KindSingleStep,
			Input:     t.Prompt,
			Language:  t.Language,
			TimeoutMs: core.MaxSubtaskTimeoutMs / 2,
		}}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks[t.TaskID] = &t
	now := time.Now()
	for i := range subtasks {
		s := subtasks[i]
		if s.SubtaskID == "" {
			s.SubtaskID = uuid.NewString()
		}
		s.TaskID = t.TaskID
		if s.Language == "" {
			s.Language = t.Language
		}
		s.TimeoutMs = core.ClampTimeoutMs(s.TimeoutMs)
		heap.Push(&q.pending, &entry{
			subtask:       s,
			taskID:        t.TaskID,
			priority:      t.Priority,
			taskCreatedMs: t.CreatedAtMs,
			enqueuedAt:    now,
		})
		now = now.Add(time.Nanosecond) // preserve submission order within a task
	}

	if q.metrics != nil {
		q.metrics.RecordTaskSubmitted(t.Language)
		q.metrics.QueueDepth.Set(float64(q.pending.Len()))
	}
	return &t, nil
}

// matches reports whether an agent can take an entry.
func (q *Queue) matches(e *entry, req PullRequest) bool {
	t := q.tasks[e.taskID]
	if t == nil {
		return false
	}
	if t.RequiresSandbox && (req.SandboxMode == "" || req.SandboxMode == core.SandboxNone) {
		return false
	}
	if len(req.Languages) > 0 {
		ok := false
		for _, lang := range req.Languages {
			if lang == e.subtask.Language {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(req.ResourceClasses) > 0 {
		ok := false
		for _, class := range req.ResourceClasses {
			if class == t.ResourceClass {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Pull claims the best matching queued subtask for an agent, or returns
// nil when nothing matches. The lease runs timeoutMs plus grace.
func (q *Queue) Pull(req PullRequest) *Claim {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*entry
	var picked *entry
	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*entry)
		if q.matches(e, req) {
			picked = e
			break
		}
		skipped = append(skipped, e)
	}
	for _, e := range skipped {
		heap.Push(&q.pending, e)
	}
	if picked == nil {
		return nil
	}

	t := q.tasks[picked.taskID]
	t.Status = core.StatusClaimed

	claim := &Claim{
		Subtask:   picked.subtask,
		Task:      *t,
		AgentID:   req.AgentID,
		ExpiresAt: time.Now().Add(time.Duration(picked.subtask.TimeoutMs)*time.Millisecond + leaseGrace),
	}
	q.claims[picked.subtask.SubtaskID] = claim

	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(q.pending.Len()))
		q.metrics.ActiveLeases.Set(float64(len(q.claims)))
	}
	return claim
}

// Complete settles a claimed subtask with its result. Unknown subtask
// ids fail with not_found; a result from a different agent than the
// lease holder is rejected.
func (q *Queue) Complete(subtaskID, agentID string, result core.RunResult) (*core.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	claim, ok := q.claims[subtaskID]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "no active claim for subtask "+subtaskID)
	}
	if claim.AgentID != agentID {
		return nil, apierr.New(apierr.KindSessionOwnerMismatch, "subtask is leased to a different agent")
	}
	delete(q.claims, subtaskID)

	t := q.tasks[claim.Task.TaskID]
	if t == nil {
		return nil, apierr.New(apierr.KindNotFound, "task not found: "+claim.Task.TaskID)
	}

	switch {
	case result.OK:
		t.Status = core.StatusCompleted
	case result.QueueForCloud:
		t.Status = core.StatusEscalated
	default:
		t.Status = core.StatusFailed
	}
	q.settleLocked(t, result.Language)
	return t, nil
}

// Escalate marks a task escalated outside the result path.
func (q *Queue) Escalate(taskID string) (*core.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.tasks[taskID]
	if t == nil {
		return nil, apierr.New(apierr.KindNotFound, "task not found: "+taskID)
	}
	t.Status = core.StatusEscalated
	q.settleLocked(t, t.Language)
	return t, nil
}

// settleLocked moves a terminal task into the recent cache.
func (q *Queue) settleLocked(t *core.Task, language string) {
	settled := *t
	settled.Status = t.Status
	q.recent.Set(t.TaskID, settled, gocache.DefaultExpiration)
	delete(q.tasks, t.TaskID)
	if q.metrics != nil {
		q.metrics.RecordTaskSettled(t.Status, language,
			time.Since(time.UnixMilli(t.CreatedAtMs)).Seconds())
		q.metrics.ActiveLeases.Set(float64(len(q.claims)))
	}
}

// Get looks a task up among live and recently settled tasks.
func (q *Queue) Get(taskID string) (core.Task, bool) {
	q.mu.Lock()
	if t, ok := q.tasks[taskID]; ok {
		out := *t
		q.mu.Unlock()
		return out, true
	}
	q.mu.Unlock()

	if v, ok := q.recent.Get(taskID); ok {
		return v.(core.Task), true
	}
	return core.Task{}, false
}

// Depth returns the number of queued subtasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// ActiveClaims returns the number of live leases.
func (q *Queue) ActiveClaims() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.claims)
}

// RequeueExpired returns subtasks with lapsed leases to the queue and
// reports how many were recovered. Run from the lease sweeper.
func (q *Queue) RequeueExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	n := 0
	for subtaskID, claim := range q.claims {
		if now.Before(claim.ExpiresAt) {
			continue
		}
		delete(q.claims, subtaskID)
		t := q.tasks[claim.Task.TaskID]
		if t == nil {
			continue
		}
		t.Status = core.StatusQueued
		heap.Push(&q.pending, &entry{
			subtask:       claim.Subtask,
			taskID:        t.TaskID,
			priority:      t.Priority,
			taskCreatedMs: t.CreatedAtMs,
			enqueuedAt:    now,
		})
		n++
	}
	if n > 0 && q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(q.pending.Len()))
		q.metrics.ActiveLeases.Set(float64(len(q.claims)))
	}
	return n
}

// Sweep runs the lease sweeper until ctx is done.
func (q *Queue) Sweep(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.RequeueExpired()
		case <-done:
			return
		}
	}
}
