package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/escalation"
	"github.com/edgecoder/mesh/internal/events"
	"github.com/edgecoder/mesh/internal/task"
)

// GetTask returns a live or recently settled task.
func GetTask(q *task.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := q.Get(mux.Vars(r)["id"])
		if !ok {
			apierr.WriteKind(w, apierr.KindNotFound, "unknown task")
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// EscalateTask marks a task escalated and runs the resolver waterfall.
// The task must exist; the waterfall result is returned inline.
func EscalateTask(q *task.Queue, resolver *escalation.Resolver, bus events.Emitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req core.EscalationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
			return
		}
		if req.TaskID == "" {
			apierr.WriteKind(w, apierr.KindValidation, "taskId is required")
			return
		}

		if _, err := q.Escalate(req.TaskID); err != nil {
			apierr.Write(w, err)
			return
		}
		if bus != nil {
			bus.Emit(events.TypeTaskEscalated, req.TaskID, map[string]any{
				"reason": req.QueueReason,
			})
		}

		result := resolver.Resolve(r.Context(), req)
		writeJSON(w, http.StatusOK, result)
	}
}

// GetEscalation returns the human escalation record for a task.
func GetEscalation(resolver *escalation.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := resolver.Humans().ByTask(mux.Vars(r)["taskId"])
		if !ok {
			apierr.WriteKind(w, apierr.KindNotFound, "no escalation recorded for task")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}
