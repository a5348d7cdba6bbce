// Package circuitbreaker guards the escalation waterfall's upstream
// calls. A step that keeps failing trips its breaker open; while open
// the step is skipped for the cool-down instead of burning retries
// against a dead upstream.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests are rejected
	StateHalfOpen              // a probe window tests recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// ErrTooManyProbes is returned when the half-open probe budget is spent.
var ErrTooManyProbes = errors.New("circuit breaker half-open probe limit reached")

// Counts tracks outcomes within the current generation.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) success() {
	c.Requests++
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.Requests++
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config tunes one breaker.
type Config struct {
	Name string
	// MaxProbes bounds requests allowed through in half-open state.
	MaxProbes uint32
	// Interval clears closed-state counts; 0 never clears.
	Interval time.Duration
	// CoolDown is how long the breaker stays open before probing.
	CoolDown time.Duration
	// TripAfter is the consecutive-failure count that opens the breaker.
	TripAfter uint32
}

// DefaultConfig suits an escalation step: trip after 3 consecutive
// failures, probe after a 30s cool-down.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		MaxProbes: 1,
		Interval:  60 * time.Second,
		CoolDown:  30 * time.Second,
		TripAfter: 3,
	}
}

// Breaker is a single circuit breaker. The zero value is not usable;
// construct with New.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New builds a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 3
	}
	if cfg.CoolDown == 0 {
		cfg.CoolDown = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, state: StateClosed}
	b.newGeneration(time.Now())
	return b
}

// State reports the effective state, rolling open to half-open when the
// cool-down has lapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Do runs fn under the breaker. An open breaker fails fast with ErrOpen
// and never invokes fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.after(generation, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return generation, ErrTooManyProbes
	}
	return generation, nil
}

func (b *Breaker) after(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		// Result from a previous generation; the window it belongs to
		// is already closed.
		return
	}

	if success {
		b.counts.success()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.failure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.TripAfter {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	slog.Info("circuit breaker state change", "name", b.cfg.Name, "from", prev.String(), "to", state.String())
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.CoolDown)
	default:
		b.expiry = time.Time{}
	}
}
