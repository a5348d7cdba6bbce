/*
Node Identity
Every mesh node holds a stable node ID and an Ed25519 keypair. The private
key signs outbound cross-node requests and never leaves the node; peers
verify against public keys distributed out of band through the trusted
roster.
*/

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Identity is a node's signing identity.
type Identity struct {
	NodeID     string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Generate creates a fresh Ed25519 identity for the given node ID.
func Generate(nodeID string) (*Identity, error) {
	if nodeID == "" {
		return nil, errors.New("node ID must not be empty")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &Identity{NodeID: nodeID, PrivateKey: priv, PublicKey: pub}, nil
}

// FromSeed rebuilds an identity from a base64-encoded Ed25519 seed
// (32 bytes) or full private key (64 bytes).
func FromSeed(nodeID, seedB64 string) (*Identity, error) {
	if nodeID == "" {
		return nil, errors.New("node ID must not be empty")
	}
	raw, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}

	return &Identity{
		NodeID:     nodeID,
		PrivateKey: priv,
		PublicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// PublicKeyBase64 returns the public key in the roster wire encoding.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}

// SeedBase64 returns the private key seed, base64-encoded, for persistence.
func (id *Identity) SeedBase64() string {
	return base64.StdEncoding.EncodeToString(id.PrivateKey.Seed())
}

// Sign signs a payload with the node's private key, returning base64.
func (id *Identity) Sign(payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(id.PrivateKey, payload))
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks a base64 signature over payload against a public key.
// Constant-time by construction (ed25519.Verify).
func Verify(pub ed25519.PublicKey, payload []byte, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}
