package credit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadMultiplier(t *testing.T) {
	cases := []struct {
		queued, active int
		want           float64
	}{
		{0, 0, 0.8},   // empty mesh, no pressure
		{1, 4, 0.8},   // p = 0.25
		{2, 4, 0.8},   // p = 0.5 boundary
		{4, 4, 1.0},   // p = 1.0 boundary
		{8, 4, 1.25},  // p = 2.0 boundary
		{5, 2, 1.6},   // p = 2.5
		{100, 4, 1.6}, // deep queue
		{2, 0, 1.25},  // p = 2.0 with the max(active,1) guard
		{5, 0, 2.0},   // deep queue and nobody active
	}
	for _, c := range cases {
		assert.Equal(t, c.want, LoadMultiplier(c.queued, c.active),
			"queued=%d active=%d", c.queued, c.active)
	}
}

func TestBaseRatePerSecond(t *testing.T) {
	assert.Equal(t, 1.0, BaseRatePerSecond("cpu"))
	assert.Equal(t, 4.0, BaseRatePerSecond("gpu"))
	assert.Equal(t, 1.0, BaseRatePerSecond("quantum"))
}

func TestQualityMultiplierClamps(t *testing.T) {
	assert.Equal(t, 0.5, QualityMultiplier(0.1))
	assert.Equal(t, 0.5, QualityMultiplier(0.5))
	assert.Equal(t, 1.0, QualityMultiplier(1.0))
	assert.Equal(t, 1.5, QualityMultiplier(1.5))
	assert.Equal(t, 1.5, QualityMultiplier(9.0))
}

func TestAccrualCreditsUnderPressure(t *testing.T) {
	report := ContributionReport{
		ReportID:       "r1",
		AccountID:      "acct",
		ComputeSeconds: 10,
		ResourceClass:  "cpu",
		QualityScore:   1.0,
	}
	// pressure 5/2 = 2.5, multiplier 1.6
	got := AccrualCredits(report, LoadSnapshot{QueuedTasks: 5, ActiveAgents: 2})
	assert.Equal(t, 16.0, got)
}

func TestAccrualCreditsGPUAndRounding(t *testing.T) {
	report := ContributionReport{
		ComputeSeconds: 1.2345,
		ResourceClass:  "gpu",
		QualityScore:   1.2,
	}
	// 1.2345 * 4 * 1.2 * 0.8 = 4.74048 -> 4.740
	got := AccrualCredits(report, LoadSnapshot{QueuedTasks: 0, ActiveAgents: 3})
	assert.Equal(t, 4.74, got)
}

func TestModelCostCredits(t *testing.T) {
	cases := map[float64]float64{
		0: 0.5, 0.1: 0.5, 0.5: 0.5, 1.5: 1.5, 7: 7, 70: 70,
	}
	for paramB, want := range cases {
		assert.Equal(t, want, ModelCostCredits(paramB), "paramB=%v", paramB)
	}
}

func TestModelSeedCredits(t *testing.T) {
	// 4 GB, single seeder: 4 * 0.5 * 2 = 4.0
	assert.Equal(t, 4.0, ModelSeedCredits(4_000_000_000, 1))
	// 4 GB, four seeders: 4 * 0.5 * 1.25 = 2.5
	assert.Equal(t, 2.5, ModelSeedCredits(4_000_000_000, 4))
	// zero seeders clamps to one
	assert.Equal(t, 4.0, ModelSeedCredits(4_000_000_000, 0))
	// rounding
	assert.Equal(t, 1.125, ModelSeedCredits(1_500_000_000, 2))
}

func TestRound3(t *testing.T) {
	assert.Equal(t, 1.235, Round3(1.23456))
	assert.Equal(t, 16.0, Round3(16.0))
	assert.Equal(t, 0.001, Round3(0.0005))
}
