// Package gateway is the local inference surface: task decomposition,
// senior-assistant escalation, and model management, backed by whatever
// Generator the node runs.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/provider"
)

// maxSubtasks caps what one decomposition may produce.
const maxSubtasks = 10

const decomposePromptTemplate = `Split the following %s coding task into at most %d small, independently executable steps.
Respond with a JSON array only, no prose. Each element: {"input": "<step instruction>", "kind": "micro_loop" or "single_step", "timeoutMs": <milliseconds>}.

Task:
%s`

const seniorPromptTemplate = `You are a senior %s engineer reviewing a junior's failed attempt.

Task:
%s

Their code:
%s

Error output:
%s

Return a corrected, complete solution in a single fenced code block.`

type decomposedStep struct {
	Input     string `json:"input"`
	Kind      string `json:"kind"`
	TimeoutMs int    `json:"timeoutMs"`
}

// Decompose asks the model to split a task into subtasks. Unparseable
// model output degrades to one single_step subtask over the whole
// prompt; timeouts are clamped either way.
func Decompose(ctx context.Context, gen provider.Generator, t core.Task) []core.Subtask {
	prompt := fmt.Sprintf(decomposePromptTemplate, t.Language, maxSubtasks, t.Prompt)

	raw, err := gen.Generate(ctx, prompt)
	if err != nil {
		slog.Warn("decomposition model call failed, using single subtask", "task", t.TaskID, "error", err)
		return []core.Subtask{fallbackSubtask(t)}
	}

	steps, err := parseSteps(raw)
	if err != nil || len(steps) == 0 {
		slog.Warn("decomposition output unparseable, using single subtask", "task", t.TaskID, "error", err)
		return []core.Subtask{fallbackSubtask(t)}
	}
	if len(steps) > maxSubtasks {
		steps = steps[:maxSubtasks]
	}

	out := make([]core.Subtask, 0, len(steps))
	for _, step := range steps {
		kind := step.Kind
		if kind != core.KindMicroLoop && kind != core.KindSingleStep {
			kind = core.KindSingleStep
		}
		out = append(out, core.Subtask{
			SubtaskID:   uuid.NewString(),
			TaskID:      t.TaskID,
			Kind:        kind,
			Input:       step.Input,
			Language:    t.Language,
			TimeoutMs:   core.ClampTimeoutMs(step.TimeoutMs),
			SnapshotRef: t.SnapshotRef,
		})
	}
	return out
}

// parseSteps tolerates models that wrap the JSON array in a code fence
// or prose.
func parseSteps(raw string) ([]decomposedStep, error) {
	text := strings.TrimSpace(raw)
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array in model output")
	}

	var steps []decomposedStep
	if err := json.Unmarshal([]byte(text[start:end+1]), &steps); err != nil {
		return nil, err
	}
	for _, s := range steps {
		if strings.TrimSpace(s.Input) == "" {
			return nil, fmt.Errorf("step with empty input")
		}
	}
	return steps, nil
}

func fallbackSubtask(t core.Task) core.Subtask {
	return core.Subtask{
		SubtaskID:   uuid.NewString(),
		TaskID:      t.TaskID,
		Kind:        core.KindSingleStep,
		Input:       t.Prompt,
		Language:    t.Language,
		TimeoutMs:   core.MaxSubtaskTimeoutMs / 2,
		SnapshotRef: t.SnapshotRef,
	}
}

// SeniorPrompt wraps a failed attempt for escalation to a stronger
// model.
func SeniorPrompt(req core.EscalationRequest) string {
	return fmt.Sprintf(seniorPromptTemplate, req.Language, req.Prompt, req.Code, req.ErrorOutput)
}
