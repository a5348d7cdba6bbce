package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/mesh/internal/core"
)

func TestCheckPythonAcceptsPlainCode(t *testing.T) {
	cases := []string{
		`print("hello world")`,
		"x = 1\ny = 2\nprint(x + y)",
		"def add(a, b):\n    return a + b\nprint(add(2, 3))",
		// identifiers containing banned substrings are fine
		"reopened = True\nimportant = 5\nprint(important)",
		// banned names inside strings and comments are fine
		`print("please import os for me")  # import os`,
		"s = '''\nimport os\n'''\nprint(len(s))",
		// attribute access is a method call, not the builtin
		"f = Fake()\nf.open()",
	}
	for _, code := range cases {
		assert.Nil(t, CheckPython(code), "should accept: %s", code)
	}
}

func TestCheckPythonRejectsImports(t *testing.T) {
	v := CheckPython("import os\nos.system('rm -rf /')")
	require.NotNil(t, v)
	assert.Equal(t, 1, v.Line)

	v = CheckPython("x = 1\nfrom subprocess import run")
	require.NotNil(t, v)
	assert.Equal(t, 2, v.Line)
}

func TestCheckPythonRejectsBannedCalls(t *testing.T) {
	for _, code := range []string{
		`open("/etc/passwd")`,
		`eval("1+1")`,
		`exec("print(1)")`,
		`compile("x", "f", "exec")`,
		`__import__("os")`,
		`result = eval ("2*2")`, // whitespace before the paren
	} {
		assert.NotNil(t, CheckPython(code), "should reject: %s", code)
	}
}

func TestRejectResultQueuesForCloud(t *testing.T) {
	v := CheckPython("import os")
	require.NotNil(t, v)

	result := RejectResult(v)
	assert.False(t, result.OK)
	assert.True(t, result.QueueForCloud)
	assert.Equal(t, core.QueueOutsideSubset, result.QueueReason)
	assert.Contains(t, result.Stderr, "import")
}

func TestSelectMode(t *testing.T) {
	available := []string{core.SandboxNone, core.SandboxVM, core.SandboxDocker}

	assert.Equal(t, core.SandboxDocker, SelectMode(available, Policy{}))
	assert.Equal(t, core.SandboxVM, SelectMode(available, Policy{AllowedModes: []string{core.SandboxVM}}))
	assert.Equal(t, "", SelectMode([]string{core.SandboxNone}, Policy{AllowedModes: []string{core.SandboxDocker}}))
}
