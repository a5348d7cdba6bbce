package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, ModeAllInOne, cfg.Runtime.Mode)
	assert.Equal(t, "4301", cfg.Runtime.CoordinatorPort)
	assert.Equal(t, "4302", cfg.Runtime.InferencePort)
	assert.Equal(t, "4304", cfg.Runtime.IDEProviderPort)
	assert.Equal(t, 1, cfg.Agent.MaxConcurrentTasks)
	assert.Equal(t, 60*time.Second, cfg.Mesh.BroadcastInterval)
	assert.Equal(t, 2, cfg.Escalation.MaxRetries)
	assert.Equal(t, time.Second, cfg.Escalation.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Escalation.Timeout)
	assert.Equal(t, int64(256*1024*1024), cfg.Sandbox.MemoryBytes)
	assert.Equal(t, 0.5, cfg.Sandbox.CPUs)
	assert.Equal(t, int64(50), cfg.Sandbox.PidsLimit)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EDGE_RUNTIME_MODE", "worker")
	t.Setenv("AGENT_ID", "agent-42")
	t.Setenv("AGENT_MODE", "ide-enabled")
	t.Setenv("COORDINATOR_URL", "http://10.0.0.5:4301")
	t.Setenv("MAX_CONCURRENT_TASKS", "3")
	t.Setenv("ESCALATION_MAX_RETRIES", "4")
	t.Setenv("ESCALATION_RETRY_BASE_DELAY_MS", "250")
	t.Setenv("INFERENCE_REQUIRE_SIGNED_COORDINATOR_REQUESTS", "true")
	t.Setenv("OLLAMA_MODEL", "llama3:8b")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeWorker, cfg.Runtime.Mode)
	assert.Equal(t, "agent-42", cfg.Agent.ID)
	assert.Equal(t, "ide-enabled", cfg.Agent.Mode)
	assert.Equal(t, "http://10.0.0.5:4301", cfg.Agent.CoordinatorURL)
	assert.Equal(t, 3, cfg.Agent.MaxConcurrentTasks)
	assert.Equal(t, 4, cfg.Escalation.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Escalation.RetryBaseDelay)
	assert.True(t, cfg.Inference.RequireSignedRequests)
	assert.Equal(t, "llama3:8b", cfg.Inference.OllamaModel)
}

func TestYAMLOverlayThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edge.yaml")
	yaml := `
runtime:
  mode: coordinator
  coordinator_port: "5301"
agent:
  id: from-file
escalation:
  timeout_ms: 10000
mesh:
  broadcast_interval_seconds: 15
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("EDGE_CONFIG_FILE", path)
	t.Setenv("AGENT_ID", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeCoordinator, cfg.Runtime.Mode)
	assert.Equal(t, "5301", cfg.Runtime.CoordinatorPort)
	assert.Equal(t, "from-env", cfg.Agent.ID)
	assert.Equal(t, 10*time.Second, cfg.Escalation.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Mesh.BroadcastInterval)
}

func TestRejectsUnknownMode(t *testing.T) {
	t.Setenv("EDGE_RUNTIME_MODE", "turbo")
	_, err := Load()
	assert.Error(t, err)
}

func TestRejectsUnknownAgentMode(t *testing.T) {
	t.Setenv("AGENT_MODE", "hybrid")
	_, err := Load()
	assert.Error(t, err)
}
