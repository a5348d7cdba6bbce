// Package agent implements the per-task loop: plan, generate, execute in
// the sandbox, and reflect on failure until success, escalation, or the
// iteration budget runs out.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/provider"
	"github.com/edgecoder/mesh/internal/sandbox"
)

// Executor is the slice of the sandbox the agent needs.
type Executor interface {
	Execute(ctx context.Context, language, code string, policy sandbox.Policy) (core.RunResult, error)
}

// Options configures one Agent. The interactive and swarm paths differ
// only in iteration budget and sandbox default; there is one Agent type.
type Options struct {
	// MaxIterations caps the loop; 0 defaults to 2.
	MaxIterations int
	// RequireSandbox forces isolated execution.
	RequireSandbox bool
	// Timeout bounds each sandbox run.
	Timeout time.Duration
	// AllowedModes restricts sandbox modes; empty allows any.
	AllowedModes []string
}

// InteractiveOptions is the IDE-facing preset: three iterations.
func InteractiveOptions() Options {
	return Options{MaxIterations: 3, Timeout: 30 * time.Second}
}

// SwarmOptions is the mesh worker preset: two iterations, sandbox
// required.
func SwarmOptions() Options {
	return Options{MaxIterations: 2, RequireSandbox: true, Timeout: 30 * time.Second}
}

// Agent runs the loop for a single task at a time.
type Agent struct {
	generator provider.Generator
	executor  Executor
	opts      Options
}

// New builds an agent over a generator and a sandbox executor.
func New(generator provider.Generator, executor Executor, opts Options) *Agent {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Agent{generator: generator, executor: executor, opts: opts}
}

// Run executes the loop over a free-text task. The returned execution
// always carries the full iteration history; len(History) equals
// Iterations and never exceeds MaxIterations.
func (a *Agent) Run(ctx context.Context, taskID, task, language string) *core.AgentExecution {
	exec := &core.AgentExecution{TaskID: taskID, Language: language}

	plan, err := a.generator.Generate(ctx, planPrompt(task, language))
	if err != nil {
		slog.Warn("agent plan generation failed", "task", taskID, "error", err)
		exec.Escalated = true
		exec.EscalationReason = core.QueueModelLimit
		return exec
	}

	policy := sandbox.Policy{
		AllowedModes: a.opts.AllowedModes,
		Required:     a.opts.RequireSandbox,
		Timeout:      a.opts.Timeout,
	}

	var priorCode, priorErr string
	for i := 1; i <= a.opts.MaxIterations; i++ {
		var prompt string
		if i == 1 {
			prompt = generatePrompt(task, language, plan)
		} else {
			prompt = reflectPrompt(task, language, plan, priorCode, priorErr)
		}

		raw, err := a.generator.Generate(ctx, prompt)
		if err != nil {
			slog.Warn("agent code generation failed", "task", taskID, "iteration", i, "error", err)
			exec.Escalated = true
			exec.EscalationReason = core.QueueModelLimit
			return exec
		}
		code := provider.ExtractCode(raw, language)

		result, err := a.executor.Execute(ctx, language, code, policy)
		if err != nil {
			// Sandbox-level refusals (required but unavailable) end the
			// run; the coordinator decides what happens to the task.
			exec.History = append(exec.History, core.Iteration{Iteration: i, Plan: plan, Code: code})
			exec.Iterations = i
			exec.Escalated = true
			exec.EscalationReason = core.QueueManual
			return exec
		}

		r := result
		exec.History = append(exec.History, core.Iteration{Iteration: i, Plan: plan, Code: code, RunResult: &r})
		exec.Iterations = i
		exec.Final = &r

		if result.OK {
			return exec
		}
		if result.QueueForCloud {
			exec.Escalated = true
			exec.EscalationReason = result.QueueReason
			return exec
		}

		priorCode = code
		priorErr = result.Stderr
		if priorErr == "" {
			priorErr = result.Stdout
		}
	}

	exec.Escalated = true
	exec.EscalationReason = core.QueueMaxIterations
	return exec
}
