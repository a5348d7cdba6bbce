// Package handshake coordinates cloud-assisted recovery for tasks the
// local model cannot handle. A session walks handshake, negotiate,
// execute, result; any step may fail or expire. Cloud execution is
// spawned asynchronously on entering execute, and only sessions still
// in execute when it completes move to result, which defeats races with
// the expiry sweeper.
package handshake

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/edgecoder/mesh/internal/core"
)

// Session phases.
const (
	PhaseHandshake = "handshake"
	PhaseNegotiate = "negotiate"
	PhaseExecute   = "execute"
	PhaseResult    = "result"
	PhaseExpired   = "expired"
	PhaseFailed    = "failed"
)

// terminal reports whether a phase can no longer change.
func terminal(phase string) bool {
	return phase == PhaseResult || phase == PhaseExpired || phase == PhaseFailed
}

// Session is one cloud-assisted recovery in flight.
type Session struct {
	SessionID     string    `json:"sessionId"`
	AgentID       string    `json:"agentId"`
	Phase         string    `json:"phase"`
	Task          core.Task `json:"task"`
	Snippet       string    `json:"snippet,omitempty"`
	Error         string    `json:"error,omitempty"`
	QueueReason   string    `json:"queueReason"`
	CloudResponse string    `json:"cloudResponse,omitempty"`
	CreatedAtMs   int64     `json:"createdAtMs"`
	UpdatedAtMs   int64     `json:"updatedAtMs"`
	FailureReason string    `json:"failureReason,omitempty"`
	Token         string    `json:"token,omitempty"`
}

// deriveToken derives the session token from the session id and the
// agent's key material with HKDF-SHA256.
func deriveToken(sessionID string, agentKey []byte) (string, error) {
	r := hkdf.New(sha256.New, agentKey, []byte(sessionID), []byte("edgecoder-handshake-v1"))
	token := make([]byte, 32)
	if _, err := io.ReadFull(r, token); err != nil {
		return "", err
	}
	return hex.EncodeToString(token), nil
}
