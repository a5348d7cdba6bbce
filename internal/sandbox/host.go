package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/edgecoder/mesh/internal/core"
)

// HostRunner executes code as a child interpreter process with resource
// flags but no container isolation. Used for SandboxNone and, behind a
// hypervisor-backed runtime, SandboxVM.
type HostRunner struct {
	// PythonBin and NodeBin override interpreter discovery for tests.
	PythonBin string
	NodeBin   string
	// MacProfile is an optional sandbox-exec profile path applied on
	// darwin hosts.
	MacProfile string
	// NodeHeapMB caps the V8 old-space for javascript runs.
	NodeHeapMB int
}

// NewHostRunner builds a host runner with interpreter defaults.
func NewHostRunner() *HostRunner {
	return &HostRunner{PythonBin: "python3", NodeBin: "node", NodeHeapMB: 256}
}

func (h *HostRunner) nodeHeapMB() int {
	if h.NodeHeapMB <= 0 {
		return 256
	}
	return h.NodeHeapMB
}

// Run executes code on the host and captures the result. The child is
// killed (not abandoned) when the timeout or the caller's context fires.
func (h *HostRunner) Run(ctx context.Context, language, code string, timeout time.Duration) core.RunResult {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var name string
	var args []string
	switch language {
	case core.LangPython:
		name = h.PythonBin
		args = []string{"-c", code}
	case core.LangJavaScript:
		name = h.NodeBin
		args = []string{"--max-old-space-size=" + strconv.Itoa(h.nodeHeapMB()), "-e", code}
	default:
		return core.RunResult{
			Language: language,
			Stderr:   "unsupported language: " + language,
			ExitCode: 1,
		}
	}

	if runtime.GOOS == "darwin" && h.MacProfile != "" {
		if _, err := os.Stat(h.MacProfile); err == nil {
			args = append([]string{"-f", h.MacProfile, name}, args...)
			name = "sandbox-exec"
		}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := core.RunResult{
		Language:   language,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = ExitTimeout
		result.QueueForCloud = true
		result.QueueReason = core.QueueTimeout
		if result.Stderr == "" {
			result.Stderr = "execution timed out"
		}
		return result
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
			result.Stderr = err.Error()
		}
		return result
	}

	result.OK = true
	return result
}
