package credit

import "math"

// Base accrual rates per compute second.
const (
	baseRateCPU = 1.0
	baseRateGPU = 4.0
)

// LoadMultiplier prices scarcity. Pressure is queued work per active agent;
// an empty queue is cheap, a deep queue expensive, and a deep queue with no
// active agents at all is priced at the ceiling.
func LoadMultiplier(queuedTasks, activeAgents int) float64 {
	p := float64(queuedTasks) / math.Max(float64(activeAgents), 1)
	switch {
	case p <= 0.5:
		return 0.8
	case p <= 1.0:
		return 1.0
	case p <= 2.0:
		return 1.25
	case activeAgents == 0:
		return 2.0
	default:
		return 1.6
	}
}

// BaseRatePerSecond returns the per-second rate for a resource class.
// Unknown classes price as cpu.
func BaseRatePerSecond(resourceClass string) float64 {
	if resourceClass == "gpu" {
		return baseRateGPU
	}
	return baseRateCPU
}

// QualityMultiplier clamps a reported quality score into [0.5, 1.5].
func QualityMultiplier(qualityScore float64) float64 {
	return math.Min(1.5, math.Max(0.5, qualityScore))
}

// AccrualCredits prices one contribution report against a load snapshot,
// rounded to 3 decimals.
func AccrualCredits(report ContributionReport, load LoadSnapshot) float64 {
	credits := report.ComputeSeconds *
		BaseRatePerSecond(report.ResourceClass) *
		QualityMultiplier(report.QualityScore) *
		LoadMultiplier(load.QueuedTasks, load.ActiveAgents)
	return Round3(credits)
}

// ModelCostCredits prices a model by parameter count in billions, with a
// floor so tiny models still cost something.
func ModelCostCredits(paramB float64) float64 {
	return math.Max(0.5, paramB)
}

// ModelSeedCredits rewards hosting model bytes for download; the reward
// shrinks as more seeders share the load. Rounded to 3 decimals.
func ModelSeedCredits(bytes int64, seeders int) float64 {
	s := math.Max(1, float64(seeders))
	return Round3((float64(bytes) / 1e9) * 0.5 * (1 + 1/s))
}

// Round3 rounds to 3 decimal places, the ledger's credit resolution.
func Round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
