package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/mesh/internal/core"
)

func submit(t *testing.T, q *Queue, taskID string, priority int, requiresSandbox bool) *core.Task {
	t.Helper()
	task, err := q.Submit(core.Task{
		TaskID:             taskID,
		RequesterAccountID: "acct-1",
		Prompt:             "do something",
		Language:           core.LangPython,
		Priority:           priority,
		RequiresSandbox:    requiresSandbox,
	}, nil)
	require.NoError(t, err)
	return task
}

func pullReq(agentID string) PullRequest {
	return PullRequest{AgentID: agentID, SandboxMode: core.SandboxDocker}
}

func TestSubmitValidation(t *testing.T) {
	q := NewQueue(0, nil)

	_, err := q.Submit(core.Task{Language: core.LangPython}, nil)
	assert.Error(t, err, "empty prompt rejected")

	_, err = q.Submit(core.Task{Prompt: "x", Language: "rust"}, nil)
	assert.Error(t, err, "unsupported language rejected")
}

func TestPullOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewQueue(0, nil)
	submit(t, q, "low-old", 1, false)
	time.Sleep(2 * time.Millisecond)
	submit(t, q, "high", 5, false)
	time.Sleep(2 * time.Millisecond)
	submit(t, q, "low-new", 1, false)

	first := q.Pull(pullReq("a1"))
	require.NotNil(t, first)
	assert.Equal(t, "high", first.Task.TaskID)

	second := q.Pull(pullReq("a1"))
	require.NotNil(t, second)
	assert.Equal(t, "low-old", second.Task.TaskID)

	third := q.Pull(pullReq("a1"))
	require.NotNil(t, third)
	assert.Equal(t, "low-new", third.Task.TaskID)

	assert.Nil(t, q.Pull(pullReq("a1")), "empty queue returns nil")
}

func TestPullRejectsSandboxlessAgentForSandboxedTask(t *testing.T) {
	q := NewQueue(0, nil)
	submit(t, q, "needs-sandbox", 1, true)

	claim := q.Pull(PullRequest{AgentID: "a1", SandboxMode: core.SandboxNone})
	assert.Nil(t, claim)

	claim = q.Pull(PullRequest{AgentID: "a2", SandboxMode: core.SandboxDocker})
	require.NotNil(t, claim)
	assert.Equal(t, "needs-sandbox", claim.Task.TaskID)
}

func TestPullSkipsNonMatchingButKeepsThemQueued(t *testing.T) {
	q := NewQueue(0, nil)
	sandboxed := submit(t, q, "sandboxed", 9, true)
	plain := submit(t, q, "plain", 1, false)

	claim := q.Pull(PullRequest{AgentID: "a1", SandboxMode: core.SandboxNone})
	require.NotNil(t, claim)
	assert.Equal(t, plain.TaskID, claim.Task.TaskID)

	claim = q.Pull(PullRequest{AgentID: "a2", SandboxMode: core.SandboxVM})
	require.NotNil(t, claim)
	assert.Equal(t, sandboxed.TaskID, claim.Task.TaskID)
}

func TestCompleteSettlesTask(t *testing.T) {
	q := NewQueue(time.Minute, nil)
	submit(t, q, "t1", 1, false)

	claim := q.Pull(pullReq("a1"))
	require.NotNil(t, claim)

	task, err := q.Complete(claim.Subtask.SubtaskID, "a1", core.RunResult{OK: true, Language: core.LangPython})
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, task.Status)

	// Settled tasks remain queryable through the recent cache.
	got, ok := q.Get("t1")
	require.True(t, ok)
	assert.Equal(t, core.StatusCompleted, got.Status)
}

func TestCompleteRejectsWrongAgent(t *testing.T) {
	q := NewQueue(0, nil)
	submit(t, q, "t1", 1, false)
	claim := q.Pull(pullReq("a1"))
	require.NotNil(t, claim)

	_, err := q.Complete(claim.Subtask.SubtaskID, "a2", core.RunResult{OK: true})
	assert.Error(t, err)
}

func TestCompleteUnknownSubtask(t *testing.T) {
	q := NewQueue(0, nil)
	_, err := q.Complete("nope", "a1", core.RunResult{OK: true})
	assert.Error(t, err)
}

func TestLeaseExpiryRequeues(t *testing.T) {
	q := NewQueue(0, nil)
	task, err := q.Submit(core.Task{
		TaskID:   "t1",
		Prompt:   "x",
		Language: core.LangPython,
	}, []core.Subtask{{Kind: core.KindSingleStep, Input: "x", TimeoutMs: 1}})
	require.NoError(t, err)

	claim := q.Pull(pullReq("a1"))
	require.NotNil(t, claim)
	assert.Equal(t, 0, q.Depth())

	// TimeoutMs is clamped to the 5s floor; the lease is timeout+grace.
	// Force expiry instead of waiting.
	q.mu.Lock()
	q.claims[claim.Subtask.SubtaskID].ExpiresAt = time.Now().Add(-time.Second)
	q.mu.Unlock()

	recovered := q.RequeueExpired()
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 1, q.Depth())

	got, ok := q.Get(task.TaskID)
	require.True(t, ok)
	assert.Equal(t, core.StatusQueued, got.Status)
}

func TestSubtaskTimeoutClamped(t *testing.T) {
	q := NewQueue(0, nil)
	_, err := q.Submit(core.Task{Prompt: "x", Language: core.LangPython},
		[]core.Subtask{
			{Kind: core.KindSingleStep, TimeoutMs: 1},
			{Kind: core.KindSingleStep, TimeoutMs: 10 * 60 * 1000},
		})
	require.NoError(t, err)

	first := q.Pull(pullReq("a1"))
	require.NotNil(t, first)
	assert.Equal(t, core.MinSubtaskTimeoutMs, first.Subtask.TimeoutMs)

	second := q.Pull(pullReq("a1"))
	require.NotNil(t, second)
	assert.Equal(t, core.MaxSubtaskTimeoutMs, second.Subtask.TimeoutMs)
}
