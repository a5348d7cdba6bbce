package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
)

// stubRunner records invocations and returns a canned result.
type stubRunner struct {
	calls  int
	result core.RunResult
}

func (s *stubRunner) Run(_ context.Context, language, _ string, _ time.Duration, _ bool) core.RunResult {
	s.calls++
	r := s.result
	r.Language = language
	return r
}

func newTestExecutor(mode string, stub *stubRunner) *Executor {
	e := NewExecutor(mode, nil, NewHostRunner(), 1, nil)
	for m := range e.runners {
		e.runners[m] = stub
	}
	return e
}

func TestExecuteRejectsRequiredWithoutSandbox(t *testing.T) {
	stub := &stubRunner{result: core.RunResult{OK: true}}
	e := newTestExecutor(core.SandboxNone, stub)

	_, err := e.Execute(context.Background(), core.LangPython, `print("hi")`, Policy{Required: true})
	require.Error(t, err)
	assert.Equal(t, apierr.KindSandboxRequired, apierr.KindOf(err))
	assert.Equal(t, 0, stub.calls, "no code may run when the sandbox requirement fails")
}

func TestExecuteGuardBlocksBeforeRun(t *testing.T) {
	stub := &stubRunner{result: core.RunResult{OK: true}}
	e := newTestExecutor(core.SandboxDocker, stub)

	result, err := e.Execute(context.Background(), core.LangPython, "import os\nos.system('ls')", Policy{})
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.True(t, result.QueueForCloud)
	assert.Equal(t, core.QueueOutsideSubset, result.QueueReason)
	assert.Equal(t, 0, stub.calls)
}

func TestExecuteRunsAllowedCode(t *testing.T) {
	stub := &stubRunner{result: core.RunResult{OK: true, Stdout: "hello world\n"}}
	e := newTestExecutor(core.SandboxDocker, stub)

	result, err := e.Execute(context.Background(), core.LangPython, `print("hello world")`, Policy{})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "hello world\n", result.Stdout)
	assert.Equal(t, 1, stub.calls)
}

func TestExecuteSandboxUnavailable(t *testing.T) {
	stub := &stubRunner{result: core.RunResult{OK: true}}
	e := newTestExecutor(core.SandboxNone, stub)

	_, err := e.Execute(context.Background(), core.LangJavaScript, "1+1",
		Policy{AllowedModes: []string{core.SandboxDocker}})
	require.Error(t, err)
	assert.Equal(t, apierr.KindSandboxUnavailable, apierr.KindOf(err))
}

func TestExecuteJavaScriptSkipsPythonGuard(t *testing.T) {
	stub := &stubRunner{result: core.RunResult{OK: true}}
	e := newTestExecutor(core.SandboxDocker, stub)

	// "import" is fine in javascript; the python guard must not fire.
	result, err := e.Execute(context.Background(), core.LangJavaScript,
		`const fs = require("fs"); console.log(1)`, Policy{})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 1, stub.calls)
}
