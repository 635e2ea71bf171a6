// Package resilience provides the per-engine circuit breaker that gates
// every transcription submission.
//
// The central type is [Breaker], a classic three-state breaker
// (closed → open → half-open) consulted via [Breaker.Allow] before each
// attempt and updated via [Breaker.Record] after every outcome — including
// outcomes of calls the session has already abandoned, since they still
// reflect the engine's real behaviour. [Registry] keys one breaker per
// engine and is the single piece of process-wide shared mutable state in the
// orchestrator subsystem.
//
// All types are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state — the engine is eligible
	// and outcomes are counted.
	StateClosed State = iota

	// StateOpen means the breaker has tripped. The engine is ineligible;
	// Allow returns false without contacting it until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout.
	// Exactly one call is allowed through; its outcome decides whether the
	// breaker closes or re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is the engine ID the breaker guards, used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before a half-open
	// probe is permitted. Re-opening restarts the timer. Default: 30s.
	ResetTimeout time.Duration

	// Window is the rolling interval over which success/failure counts are
	// kept for the status surface. Default: 60s.
	Window time.Duration
}

func (cfg BreakerConfig) withDefaults() BreakerConfig {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return cfg
}

// Snapshot is a point-in-time view of a breaker for the status surface.
type Snapshot struct {
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowSuccesses     int       `json:"window_successes"`
	WindowFailures      int       `json:"window_failures"`
	FailureRate         float64   `json:"failure_rate"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// Breaker implements the three-state circuit breaker pattern with an
// Allow/Record split: Allow is the O(1) eligibility check consulted before
// every submission, Record feeds back the outcome. Transitions only ever
// move Closed → Open → HalfOpen → {Closed, Open}; no state is skipped.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	window       time.Duration

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastStateChange time.Time
	probeInFlight   bool

	// outcomes is the rolling window of recent results, pruned on access.
	outcomes []outcome

	onTransition func(name string, from, to State)
}

type outcome struct {
	at      time.Time
	success bool
}

// NewBreaker creates a [Breaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:            cfg.Name,
		maxFailures:     cfg.MaxFailures,
		resetTimeout:    cfg.ResetTimeout,
		window:          cfg.Window,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a submission may be attempted right now. In the open
// state it returns false until the reset timeout has elapsed, at which point
// the breaker moves to half-open and admits exactly one probe; further calls
// return false until that probe's outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastStateChange) < b.resetTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return true

	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Record feeds the outcome of a submission back into the breaker. It must be
// called exactly once per Allow()==true attempt; late results from abandoned
// calls are recorded too and count toward the rolling window.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.outcomes = append(b.outcomes, outcome{at: now, success: success})
	b.prune(now)

	switch b.state {
	case StateClosed:
		if success {
			b.consecutiveFail = 0
			return
		}
		b.consecutiveFail++
		if b.consecutiveFail >= b.maxFailures {
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		b.probeInFlight = false
		if success {
			b.consecutiveFail = 0
			b.transition(StateClosed)
		} else {
			// Probe failed; cooldown timer restarts.
			b.transition(StateOpen)
		}

	case StateOpen:
		// A late result from a call admitted before the trip. Window
		// bookkeeping only; the cooldown gate is not disturbed.
	}
}

// State returns the breaker's current state. Open does not decay to
// half-open here; that transition happens inside [Breaker.Allow] so it is
// never skipped.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view for the status surface.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(time.Now())
	var succ, fail int
	for _, o := range b.outcomes {
		if o.success {
			succ++
		} else {
			fail++
		}
	}
	var rate float64
	if succ+fail > 0 {
		rate = float64(fail) / float64(succ+fail)
	}
	return Snapshot{
		State:               b.state,
		StateName:           b.state.String(),
		ConsecutiveFailures: b.consecutiveFail,
		WindowSuccesses:     succ,
		WindowFailures:      fail,
		FailureRate:         rate,
		LastStateChange:     b.lastStateChange,
	}
}

// transition moves the breaker to next, logs it, and fires the transition
// hook. Must be called with b.mu held.
func (b *Breaker) transition(next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.lastStateChange = time.Now()

	switch next {
	case StateOpen:
		slog.Warn("circuit breaker opened",
			"engine", b.name,
			"from", prev.String(),
			"consecutive_failures", b.consecutiveFail)
	case StateHalfOpen:
		slog.Info("circuit breaker half-open, admitting probe", "engine", b.name)
	case StateClosed:
		slog.Info("circuit breaker closed", "engine", b.name)
	}

	if b.onTransition != nil {
		b.onTransition(b.name, prev, next)
	}
}

// prune drops window outcomes older than the rolling interval. Must be
// called with b.mu held.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.outcomes) && b.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.outcomes = append(b.outcomes[:0], b.outcomes[i:]...)
	}
}
