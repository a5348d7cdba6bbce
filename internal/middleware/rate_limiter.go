// Package middleware holds the HTTP cross-cutting layers shared by the
// coordinator, gateway, and handshake servers.
package middleware

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/signing"
)

// RateLimiter enforces per-caller request limits with a sliding one
// minute window. Expired windows are garbage-collected in the
// background.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	logger   *log.Logger
	done     chan struct{}
	once     sync.Once
}

// RateLimitConfig defines the thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	// BurstSize allows short spikes above the per-minute limit.
	BurstSize int
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 120
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}
	rl := &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		done:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from key fits in the current window.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	// Fast path under read lock. count++ under RLock races slightly,
	// which is acceptable for a soft limit.
	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.defaults.BurstSize {
			rl.logger.Printf("burst limit exceeded: key=%s count=%d limit=%d", key, count, rl.defaults.BurstSize)
			return false
		}
		if count > rl.defaults.MaxCallsPerMinute {
			rl.logger.Printf("rate limit exceeded: key=%s count=%d limit=%d", key, count, rl.defaults.MaxCallsPerMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.defaults.BurstSize
	}
	rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
	return true
}

// Middleware limits by verified caller identity when present, falling
// back to the declared peer header and finally the remote address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _ := signing.CallerFromContext(r.Context())
		if key == "" {
			key = r.Header.Get(signing.HeaderAgentID)
		}
		if key == "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			} else {
				key = r.RemoteAddr
			}
		}

		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "60")
			apierr.WriteKind(w, apierr.KindRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, window := range rl.windows {
				if now.Sub(window.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

// Stats feeds the status endpoint.
func (rl *RateLimiter) Stats() map[string]any {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return map[string]any{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.defaults.MaxCallsPerMinute,
		"burst_size":        rl.defaults.BurstSize,
	}
}

// Shutdown stops the cleanup loop.
func (rl *RateLimiter) Shutdown() {
	rl.once.Do(func() { close(rl.done) })
}
