// Package worker runs the node's swarm loop: claim subtasks from a
// coordinator over the signed client, drive the agent loop on each
// claim, and post results (with contribution reports) back.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/edgecoder/mesh/internal/agent"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/credit"
	"github.com/edgecoder/mesh/internal/task"
	"github.com/edgecoder/mesh/pkg/meshclient"
)

// Options tunes the worker.
type Options struct {
	// AgentID is this worker's identity on the mesh.
	AgentID string
	// MaxConcurrentTasks bounds parallel claims; default 1.
	MaxConcurrentTasks int
	// PollInterval between empty pulls; default 2s.
	PollInterval time.Duration
	// HeartbeatInterval between registration refreshes; default 30s.
	HeartbeatInterval time.Duration
	// OS reported in pull requests.
	OS string
	// SandboxMode reported in pull requests.
	SandboxMode string
	// ResourceClasses this worker serves; default cpu.
	ResourceClasses []string
	// Languages this worker generates; default python+javascript.
	Languages []string
}

// Capability reports the worker's current agent capability for
// heartbeats and the coordinator's aggregation.
type Capability func() core.AgentCapability

// Worker is one node's swarm participant.
type Worker struct {
	opts       Options
	client     *meshclient.Client
	agent      *agent.Agent
	capability Capability
	slots      *semaphore.Weighted
	wg         sync.WaitGroup
}

// New builds a worker around a signed client and a configured agent.
func New(opts Options, client *meshclient.Client, ag *agent.Agent, capability Capability) *Worker {
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if len(opts.ResourceClasses) == 0 {
		opts.ResourceClasses = []string{"cpu"}
	}
	if len(opts.Languages) == 0 {
		opts.Languages = []string{core.LangPython, core.LangJavaScript}
	}
	return &Worker{
		opts:       opts,
		client:     client,
		agent:      ag,
		capability: capability,
		slots:      semaphore.NewWeighted(int64(opts.MaxConcurrentTasks)),
	}
}

// Run pulls until the context is cancelled, then waits for in-flight
// claims to finish.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("worker started", "agent", w.opts.AgentID, "maxConcurrent", w.opts.MaxConcurrentTasks)
	go w.heartbeatLoop(ctx)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			slog.Info("worker stopped", "agent", w.opts.AgentID)
			return
		case <-ticker.C:
			w.pullOnce(ctx)
		}
	}
}

// pullOnce claims at most one subtask and hands it to a goroutine.
func (w *Worker) pullOnce(ctx context.Context) {
	if !w.slots.TryAcquire(1) {
		return
	}

	capRec := w.capability()
	claim, err := w.client.Pull(ctx, task.PullRequest{
		AgentID:         w.opts.AgentID,
		Model:           capRec.ActiveModel,
		OS:              w.opts.OS,
		SandboxMode:     capRec.SandboxMode,
		ResourceClasses: w.opts.ResourceClasses,
		Languages:       w.opts.Languages,
	})
	if err != nil {
		w.slots.Release(1)
		slog.Warn("pull failed", "error", err)
		return
	}
	if claim == nil {
		w.slots.Release(1)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.slots.Release(1)
		w.execute(ctx, claim)
	}()
}

// execute runs the agent loop on one claim and posts the outcome.
func (w *Worker) execute(ctx context.Context, claim *task.Claim) {
	st := claim.Subtask
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(st.TimeoutMs)*time.Millisecond)
	defer cancel()

	started := time.Now()
	execution := w.agent.Run(runCtx, st.TaskID, st.Input, st.Language)
	elapsed := time.Since(started)

	result := core.RunResult{Language: st.Language, OK: false}
	if execution.Final != nil {
		result = *execution.Final
	}
	if execution.Escalated {
		result.QueueForCloud = true
		result.QueueReason = execution.EscalationReason
	}

	report := &credit.ContributionReport{
		ReportID:       uuid.NewString(),
		AccountID:      w.opts.AgentID,
		TaskID:         st.TaskID,
		ComputeSeconds: elapsed.Seconds(),
		ResourceClass:  claim.Task.ResourceClass,
		QualityScore:   qualityScore(execution),
	}

	err := w.client.PostResult(ctx, meshclient.ResultReport{
		SubtaskID: st.SubtaskID,
		AgentID:   w.opts.AgentID,
		Result:    result,
		Report:    report,
	})
	if err != nil {
		slog.Error("result post failed", "subtask", st.SubtaskID, "error", err)
		return
	}
	slog.Info("subtask finished",
		"subtask", st.SubtaskID, "ok", result.OK,
		"iterations", execution.Iterations, "escalated", execution.Escalated)
}

// qualityScore grades a run for pricing: full marks for first-try
// success, less for retries, floor for escalations.
func qualityScore(ex *core.AgentExecution) float64 {
	switch {
	case ex.Final != nil && ex.Final.OK && ex.Iterations <= 1:
		return 1.2
	case ex.Final != nil && ex.Final.OK:
		return 1.0
	case ex.Escalated:
		return 0.5
	default:
		return 0.7
	}
}

// heartbeatLoop re-registers the worker so the coordinator's peer table
// and capability view stay fresh.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	beat := func() {
		capRec := w.capability()
		err := w.client.Register(ctx, core.PeerRecord{
			PeerID:     w.opts.AgentID,
			LastSeenMs: time.Now().UnixMilli(),
		}, &capRec)
		if err != nil {
			slog.Warn("heartbeat failed", "error", err)
			return
		}
		slog.Debug("heartbeat sent", "agent", w.opts.AgentID, "model", capRec.ActiveModel, "load", capRec.CurrentLoad)
	}

	beat()
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}
