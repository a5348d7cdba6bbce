package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/mesh/internal/core"
)

func TestAgentTableUpsertReplacesRecord(t *testing.T) {
	table := NewAgentTable()

	table.Upsert(core.AgentCapability{
		AgentID: "worker-1", ActiveModel: "qwen2.5-coder:1.5b", CurrentLoad: 0.2,
	})
	table.Upsert(core.AgentCapability{
		AgentID: "worker-1", ActiveModel: "qwen2.5-coder:7b", CurrentLoad: 0.9,
	})

	rec, ok := table.Get("worker-1")
	require.True(t, ok)
	assert.Equal(t, "qwen2.5-coder:7b", rec.ActiveModel)
	assert.Equal(t, 0.9, rec.CurrentLoad)
	assert.Len(t, table.List(), 1)
}

func TestAgentTableIgnoresEmptyAgentID(t *testing.T) {
	table := NewAgentTable()
	table.Upsert(core.AgentCapability{ActiveModel: "qwen2.5-coder:1.5b"})
	assert.Empty(t, table.List())
}

func TestAgentTableListOrderedByID(t *testing.T) {
	table := NewAgentTable()
	table.Upsert(core.AgentCapability{AgentID: "worker-b"})
	table.Upsert(core.AgentCapability{AgentID: "worker-a"})

	listed := table.List()
	require.Len(t, listed, 2)
	assert.Equal(t, "worker-a", listed[0].AgentID)
	assert.Equal(t, "worker-b", listed[1].AgentID)
}

func TestAgentTablePruneStale(t *testing.T) {
	table := NewAgentTable()
	table.Upsert(core.AgentCapability{AgentID: "worker-1"})

	assert.Equal(t, 0, table.PruneStale(time.Minute))
	assert.Equal(t, 1, table.PruneStale(-time.Second))
	assert.Empty(t, table.List())
}
