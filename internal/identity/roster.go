package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Roster holds the trusted peer public keys. Keys are distributed out of
// band (env, file); gossip may refresh peer liveness and URLs but never
// mutates keys.
type Roster struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{keys: make(map[string]ed25519.PublicKey)}
}

// Add registers a trusted peer key. Replaces any previous key for the ID.
func (r *Roster) Add(peerID, pubB64 string) error {
	pub, err := ParsePublicKey(pubB64)
	if err != nil {
		return fmt.Errorf("peer %s: %w", peerID, err)
	}
	r.mu.Lock()
	r.keys[peerID] = pub
	r.mu.Unlock()
	return nil
}

// AddKey registers an already-parsed key.
func (r *Roster) AddKey(peerID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	r.keys[peerID] = pub
	r.mu.Unlock()
}

// Lookup returns the public key for a peer ID.
func (r *Roster) Lookup(peerID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[peerID]
	return pub, ok
}

// Len returns the number of trusted peers.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// PeerIDs returns the trusted peer IDs.
func (r *Roster) PeerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	return ids
}

// LoadJSON merges a JSON object of peerID -> base64 public key.
func (r *Roster) LoadJSON(data []byte) error {
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse trusted peers: %w", err)
	}
	for peerID, pubB64 := range entries {
		if err := r.Add(peerID, pubB64); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile merges roster entries from a JSON file.
func (r *Roster) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read roster file: %w", err)
	}
	return r.LoadJSON(data)
}

// LoadEnv merges roster entries from a JSON-valued environment variable.
// Missing or empty vars are not an error; a node can run solo.
func (r *Roster) LoadEnv(name string) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	if err := r.LoadJSON([]byte(raw)); err != nil {
		return err
	}
	slog.Info("loaded trusted peer roster", "source", name, "peers", r.Len())
	return nil
}
