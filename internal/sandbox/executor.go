package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/metrics"
)

// Runner executes one body of code under a concrete isolation mechanism.
type Runner interface {
	Run(ctx context.Context, language, code string, timeout time.Duration, networkEnabled bool) core.RunResult
}

// hostAdapter bridges HostRunner (no network flag; host runs share the
// node's network namespace regardless) to the Runner interface.
type hostAdapter struct{ h *HostRunner }

func (a hostAdapter) Run(ctx context.Context, language, code string, timeout time.Duration, _ bool) core.RunResult {
	return a.h.Run(ctx, language, code, timeout)
}

// Executor routes executions to the strongest allowed runner, applies the
// python source guard, and caps concurrent runs.
type Executor struct {
	mode    string // strongest mode this node supports
	runners map[string]Runner
	slots   chan struct{}
	metrics *metrics.Metrics
}

// NewExecutor builds an executor for the node's configured sandbox mode.
// maxConcurrent <= 0 defaults to 1.
func NewExecutor(mode string, docker *DockerRunner, host *HostRunner, maxConcurrent int, m *metrics.Metrics) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if host == nil {
		host = NewHostRunner()
	}

	runners := map[string]Runner{
		core.SandboxNone: hostAdapter{host},
		// VM mode rides the host runner; isolation comes from the
		// hypervisor the node itself runs under.
		core.SandboxVM: hostAdapter{host},
	}
	if docker != nil {
		runners[core.SandboxDocker] = docker
	}
	if mode == core.SandboxDocker && docker == nil {
		slog.Warn("docker sandbox requested but no docker runner available, degrading to none")
		mode = core.SandboxNone
	}

	return &Executor{
		mode:    mode,
		runners: runners,
		slots:   make(chan struct{}, maxConcurrent),
		metrics: m,
	}
}

// Mode returns the strongest sandbox mode this node can provide.
func (e *Executor) Mode() string {
	return e.mode
}

// availableModes lists the modes at or below the node's configured mode.
func (e *Executor) availableModes() []string {
	modes := []string{core.SandboxNone}
	if core.SandboxRank(e.mode) >= core.SandboxRank(core.SandboxVM) {
		modes = append(modes, core.SandboxVM)
	}
	if core.SandboxRank(e.mode) >= core.SandboxRank(core.SandboxDocker) {
		modes = append(modes, core.SandboxDocker)
	}
	return modes
}

// Execute validates and runs one body of code under the policy. It
// blocks for a concurrency slot, honouring ctx while waiting.
func (e *Executor) Execute(ctx context.Context, language, code string, policy Policy) (core.RunResult, error) {
	if policy.Required && e.mode == core.SandboxNone {
		return core.RunResult{}, apierr.New(apierr.KindSandboxRequired,
			"task requires a sandbox but this node runs without isolation")
	}

	mode := SelectMode(e.availableModes(), policy)
	if mode == "" {
		return core.RunResult{}, apierr.New(apierr.KindSandboxUnavailable,
			"no allowed sandbox mode is available on this node")
	}

	if language == core.LangPython {
		if v := CheckPython(code); v != nil {
			slog.Info("python guard rejected body", "line", v.Line, "reason", v.Reason)
			if e.metrics != nil {
				e.metrics.RecordSandboxRun(mode, "guard_rejected", 0)
			}
			return RejectResult(v), nil
		}
	}

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return core.RunResult{}, ctx.Err()
	}

	start := time.Now()
	result := e.runners[mode].Run(ctx, language, code, policy.Timeout, policy.NetworkEnabled)
	if e.metrics != nil {
		outcome := "failed"
		if result.OK {
			outcome = "ok"
		} else if result.ExitCode == ExitTimeout {
			outcome = "timeout"
		}
		e.metrics.RecordSandboxRun(mode, outcome, time.Since(start).Seconds())
	}
	return result, nil
}
