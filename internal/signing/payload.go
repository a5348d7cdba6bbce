/*
Request Signing
Cross-node requests are authenticated by an Ed25519 signature over a
canonical payload derived from the request. Both sides rebuild the payload
independently; any drift in method, path, timestamp, nonce, or body hash
invalidates the signature.
*/

package signing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Signed request headers. Coordinators identify with HeaderPeerID, agents
// with HeaderAgentID; every signed request carries the remaining four.
const (
	HeaderAgentID     = "x-agent-id"
	HeaderPeerID      = "x-coordinator-peer-id"
	HeaderTimestampMs = "x-timestamp-ms"
	HeaderNonce       = "x-nonce"
	HeaderBodySha256  = "x-body-sha256"
	HeaderSignature   = "x-signature"
)

// canonicalRequest fixes the field order of the signed payload. Field order
// is the canonical serialization; never reorder.
type canonicalRequest struct {
	PeerID      string `json:"peerId"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	TimestampMs int64  `json:"timestampMs"`
	Nonce       string `json:"nonce"`
	BodySha256  string `json:"bodySha256"`
}

// CanonicalPayload builds the exact byte sequence both signer and verifier
// sign over. The path is stripped of any query string; the method is
// uppercased.
func CanonicalPayload(peerID, method, path string, timestampMs int64, nonce, bodySha256 string) []byte {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	payload, _ := json.Marshal(canonicalRequest{
		PeerID:      peerID,
		Method:      strings.ToUpper(method),
		Path:        path,
		TimestampMs: timestampMs,
		Nonce:       nonce,
		BodySha256:  bodySha256,
	})
	return payload
}

// BodyHash returns the lowercase hex SHA-256 of the exact body bytes.
// An empty or absent body hashes the empty byte string.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// GenerateNonce creates a cryptographically secure random nonce.
// Returns 32 bytes (256 bits) of randomness, hex-encoded.
func GenerateNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}
