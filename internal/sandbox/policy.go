// Package sandbox executes generated code under OS or container
// isolation. Sandbox modes form a strict order none < vm < docker; the
// executor picks the strongest mode the node supports that the policy
// allows, validates python bodies before any execution, and enforces
// cpu/memory/pid/network caps plus a wall-clock timeout.
package sandbox

import (
	"time"

	"github.com/edgecoder/mesh/internal/core"
)

// Exit code for wall-clock timeout, matching coreutils timeout(1).
const ExitTimeout = 124

// Policy describes what a single execution is allowed to do.
type Policy struct {
	// AllowedModes lists the sandbox modes this task accepts. Empty
	// means any mode.
	AllowedModes []string
	// Required rejects execution outright on nodes without isolation.
	Required bool
	// NetworkEnabled grants outbound network inside the sandbox.
	NetworkEnabled bool
	// Timeout is the wall-clock cap for the run.
	Timeout time.Duration
}

// allows reports whether the policy accepts a mode.
func (p Policy) allows(mode string) bool {
	if len(p.AllowedModes) == 0 {
		return true
	}
	for _, m := range p.AllowedModes {
		if m == mode {
			return true
		}
	}
	return false
}

// SelectMode picks the strongest available mode the policy allows.
// Returns "" when no allowed mode is available.
func SelectMode(available []string, p Policy) string {
	best := ""
	for _, mode := range available {
		if !p.allows(mode) {
			continue
		}
		if core.SandboxRank(mode) > core.SandboxRank(best) {
			best = mode
		}
	}
	return best
}
