package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/credit"
	"github.com/edgecoder/mesh/internal/events"
	"github.com/edgecoder/mesh/internal/mesh"
	"github.com/edgecoder/mesh/internal/signing"
	"github.com/edgecoder/mesh/internal/task"
)

// submitHoldCredits is reserved from the requester while a task is in
// flight. Settlement releases the hold and spends the actual price.
const submitHoldCredits = 1.0

// TaskHolds maps in-flight tasks to the requester's hold transaction so
// settlement can release it.
type TaskHolds struct {
	mu    sync.Mutex
	holds map[string]string // taskID -> hold txID
}

// NewTaskHolds creates an empty tracker.
func NewTaskHolds() *TaskHolds {
	return &TaskHolds{holds: make(map[string]string)}
}

func (h *TaskHolds) put(taskID, txID string) {
	h.mu.Lock()
	h.holds[taskID] = txID
	h.mu.Unlock()
}

// take removes and returns the hold for a task, if any.
func (h *TaskHolds) take(taskID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	txID, ok := h.holds[taskID]
	if ok {
		delete(h.holds, taskID)
	}
	return txID, ok
}

type submitRequest struct {
	Task     core.Task      `json:"task"`
	Subtasks []core.Subtask `json:"subtasks,omitempty"`
}

// SubmitTask enqueues a task. A requester account places a hold so a
// drained account cannot flood the queue.
func SubmitTask(q *task.Queue, eng *credit.Engine, holds *TaskHolds, bus events.Emitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
			return
		}

		if eng != nil && req.Task.RequesterAccountID != "" {
			hold, err := eng.Hold(r.Context(), req.Task.RequesterAccountID, submitHoldCredits,
				"task submission hold", req.Task.TaskID)
			if err != nil {
				apierr.Write(w, err)
				return
			}
			defer func() {
				// Submit failure releases the hold immediately.
				if hold != nil {
					eng.Release(r.Context(), hold.TxID)
				}
			}()
			submitted, err := q.Submit(req.Task, req.Subtasks)
			if err != nil {
				apierr.Write(w, err)
				return
			}
			holds.put(submitted.TaskID, hold.TxID)
			hold = nil
			emitSubmitted(bus, submitted)
			writeJSON(w, http.StatusCreated, submitted)
			return
		}

		submitted, err := q.Submit(req.Task, req.Subtasks)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		emitSubmitted(bus, submitted)
		writeJSON(w, http.StatusCreated, submitted)
	}
}

func emitSubmitted(bus events.Emitter, t *core.Task) {
	if bus != nil {
		bus.Emit(events.TypeTaskSubmitted, t.TaskID, map[string]any{
			"language": t.Language,
			"priority": t.Priority,
		})
	}
}

// PullTask hands the caller the best matching queued subtask, or 204.
// The claimant identity comes from the verified signature, never the
// request body alone.
func PullTask(q *task.Queue, bus events.Emitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req task.PullRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
			return
		}
		if caller, ok := signing.CallerFromContext(r.Context()); ok {
			req.AgentID = caller
		}
		if req.AgentID == "" {
			apierr.WriteKind(w, apierr.KindValidation, "agentId is required")
			return
		}

		claim := q.Pull(req)
		if claim == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if bus != nil {
			bus.Emit(events.TypeTaskClaimed, claim.Task.TaskID, map[string]any{
				"subtaskId": claim.Subtask.SubtaskID,
				"agentId":   claim.AgentID,
			})
		}
		writeJSON(w, http.StatusOK, claim)
	}
}

type resultRequest struct {
	SubtaskID string                     `json:"subtaskId"`
	AgentID   string                     `json:"agentId"`
	Result    core.RunResult             `json:"result"`
	Report    *credit.ContributionReport `json:"report,omitempty"`
}

// PostResult settles a claimed subtask. A contribution report accrues
// worker credits priced against current mesh load; the requester's
// submission hold is released and the actual price spent once the task
// settles.
func PostResult(q *task.Queue, eng *credit.Engine, reg *mesh.Registry, holds *TaskHolds, bus events.Emitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
			return
		}
		if caller, ok := signing.CallerFromContext(r.Context()); ok {
			req.AgentID = caller
		}

		load := credit.LoadSnapshot{QueuedTasks: q.Depth(), ActiveAgents: reg.Len()}

		settled, err := q.Complete(req.SubtaskID, req.AgentID, req.Result)
		if err != nil {
			apierr.Write(w, err)
			return
		}

		var earned *credit.CreditTransaction
		if eng != nil && req.Report != nil {
			earned, err = eng.Accrue(r.Context(), *req.Report, load)
			if err != nil {
				// The subtask is already settled; surface the ledger
				// failure without undoing the settlement.
				apierr.Write(w, err)
				return
			}
		}

		if eng != nil && settled != nil {
			settleRequesterHold(r.Context(), eng, holds, settled, earned)
		}

		if bus != nil && settled != nil {
			bus.Emit(events.TypeTaskSettled, settled.TaskID, map[string]any{
				"status": settled.Status,
			})
		}

		body := map[string]any{"status": "ok"}
		if settled != nil {
			body["task"] = settled
		}
		if earned != nil {
			body["earned"] = earned
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// settleRequesterHold releases the submission hold and charges the
// requester what the worker earned. Ledger failures here are logged by
// the engine; the task settlement itself is final either way.
func settleRequesterHold(ctx context.Context, eng *credit.Engine, holds *TaskHolds, settled *core.Task, earned *credit.CreditTransaction) {
	if holds == nil || settled.RequesterAccountID == "" {
		return
	}
	holdTxID, ok := holds.take(settled.TaskID)
	if !ok {
		return
	}
	eng.Release(ctx, holdTxID)
	if earned != nil && earned.Credits > 0 && settled.Status == core.StatusCompleted {
		eng.Spend(ctx, settled.RequesterAccountID, earned.Credits, "task completion", settled.TaskID)
	}
}
