// Package infra provides concrete infrastructure adapters for Redis.
//
// A single node usually runs everything in one process and needs none of
// this; nodes that split coordinator processes across restarts can point
// REDIS_ADDR at a shared instance to get a cross-process nonce replay
// cache and warm-start peer snapshots. Callers fall back to in-memory
// stores when the connection fails.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 behind the minimal surface the mesh
// stores need.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to Redis and verifies connectivity. The
// caller decides whether a failure means fallback or fatal.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// signing.NonceStore implementation
// =============================================================================

// RedisNonceStore shares the replay cache between processes via SETNX with
// a TTL. Operations are bounded by the client's read/write timeouts.
type RedisNonceStore struct {
	adapter *GoRedisAdapter
	ttl     time.Duration
	prefix  string
}

// NewRedisNonceStore builds a nonce store over an adapter. ttl 0 defaults
// to 5 minutes.
func NewRedisNonceStore(adapter *GoRedisAdapter, ttl time.Duration) *RedisNonceStore {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &RedisNonceStore{adapter: adapter, ttl: ttl, prefix: "mesh:nonce:"}
}

func (s *RedisNonceStore) Exists(nonce string) bool {
	n, err := s.adapter.rdb.Exists(context.Background(), s.prefix+nonce).Result()
	return err == nil && n > 0
}

// Insert is atomic across processes; SETNX either claims the nonce or
// reports it taken.
func (s *RedisNonceStore) Insert(nonce, sourceID string) bool {
	ok, err := s.adapter.rdb.SetNX(context.Background(), s.prefix+nonce, sourceID, s.ttl).Result()
	if err != nil {
		// Fail closed: an unreachable replay cache must not admit traffic.
		slog.Warn("nonce insert failed, rejecting", "error", err)
		return false
	}
	return ok
}

// Prune is a no-op; Redis expires entries by TTL.
func (s *RedisNonceStore) Prune() {}

// =============================================================================
// Peer snapshot persistence
// =============================================================================

// PeerSnapshotStore persists the coordinator's peer list across restarts.
// Non-authoritative: gossip re-converges regardless, this just shortens
// the warm-up window.
type PeerSnapshotStore struct {
	adapter *GoRedisAdapter
	key     string
	ttl     time.Duration
}

// NewPeerSnapshotStore builds a snapshot store keyed by node ID.
func NewPeerSnapshotStore(adapter *GoRedisAdapter, nodeID string, ttl time.Duration) *PeerSnapshotStore {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &PeerSnapshotStore{adapter: adapter, key: "mesh:peers:" + nodeID, ttl: ttl}
}

// Save stores a JSON snapshot of arbitrary peer records.
func (s *PeerSnapshotStore) Save(ctx context.Context, peers interface{}) error {
	blob, err := json.Marshal(peers)
	if err != nil {
		return fmt.Errorf("failed to marshal peer snapshot: %w", err)
	}
	return s.adapter.rdb.Set(ctx, s.key, blob, s.ttl).Err()
}

// Load reads the snapshot into out. Returns false when no snapshot exists.
func (s *PeerSnapshotStore) Load(ctx context.Context, out interface{}) (bool, error) {
	blob, err := s.adapter.rdb.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return false, fmt.Errorf("failed to decode peer snapshot: %w", err)
	}
	return true, nil
}
