package signing

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// NonceStore tracks used nonces to prevent replay of signed requests.
type NonceStore interface {
	// Exists reports whether a nonce has been seen and not yet expired.
	Exists(nonce string) bool
	// Insert records a nonce with its source. Returns false on replay.
	Insert(nonce, sourceID string) bool
	// Prune drops expired entries.
	Prune()
}

// MemoryNonceStore is the default single-process nonce store, a TTL cache
// with an additional size-triggered prune on insert.
type MemoryNonceStore struct {
	cache      *gocache.Cache
	maxEntries int
}

// NewMemoryNonceStore creates a nonce store with the given TTL. Entries
// above maxEntries trigger an opportunistic prune on insert; pass 0 for
// the default of 100k.
func NewMemoryNonceStore(ttl time.Duration, maxEntries int) *MemoryNonceStore {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries == 0 {
		maxEntries = 100_000
	}
	return &MemoryNonceStore{
		cache:      gocache.New(ttl, ttl),
		maxEntries: maxEntries,
	}
}

func (s *MemoryNonceStore) Exists(nonce string) bool {
	_, found := s.cache.Get(nonce)
	return found
}

// Insert atomically checks and records a nonce. Returns false if already used.
func (s *MemoryNonceStore) Insert(nonce, sourceID string) bool {
	if s.cache.ItemCount() > s.maxEntries {
		s.cache.DeleteExpired()
	}
	return s.cache.Add(nonce, sourceID, gocache.DefaultExpiration) == nil
}

func (s *MemoryNonceStore) Prune() {
	s.cache.DeleteExpired()
}
