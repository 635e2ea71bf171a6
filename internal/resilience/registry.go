package resilience

import "sync"

// Registry holds one [Breaker] per engine, created lazily from a shared
// config template. It is the process-wide health record consulted by the
// orchestrator for every session; all mutation goes through the per-breaker
// mutex so concurrent sessions never lose a failure count.
type Registry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker

	onTransition func(name string, from, to State)
}

// NewRegistry creates a Registry whose breakers inherit cfg (Name is
// replaced per engine).
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// OnTransition installs a hook fired on every breaker state change, for
// metrics. Must be called before the registry is shared.
func (r *Registry) OnTransition(fn func(engineID string, from, to State)) {
	r.onTransition = fn
}

// Breaker returns the breaker for engineID, creating it on first use.
func (r *Registry) Breaker(engineID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[engineID]
	if !ok {
		cfg := r.cfg
		cfg.Name = engineID
		b = NewBreaker(cfg)
		b.onTransition = r.onTransition
		r.breakers[engineID] = b
	}
	return b
}

// Allow reports whether a submission to engineID may be attempted now.
func (r *Registry) Allow(engineID string) bool {
	return r.Breaker(engineID).Allow()
}

// Record feeds a submission outcome for engineID back into its breaker.
func (r *Registry) Record(engineID string, success bool) {
	r.Breaker(engineID).Record(success)
}

// SnapshotAll returns a point-in-time view of every known breaker, keyed by
// engine ID.
func (r *Registry) SnapshotAll() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}
