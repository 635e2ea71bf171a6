// Package orchestrator owns the ranked engine list and decides which engine
// serves each chunk. For every ready chunk it walks the preference order,
// skipping engines whose circuit breaker is not admitting traffic, and
// submits to the first eligible engine. Failures are classified and either
// retried on the same engine (rate limits), failed over to the next engine
// (auth and network errors), or surfaced to the caller as permanent
// (unsupported format).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sibylabs/sibyl/internal/resilience"
	"github.com/sibylabs/sibyl/pkg/engine"
)

// ErrAllEnginesExhausted is returned when every candidate engine was
// ineligible or failed for a chunk. The chunk is permanently failed; the
// session stays alive and may submit subsequent chunks.
var ErrAllEnginesExhausted = errors.New("orchestrator: all engines exhausted")

// Config holds the orchestrator's timing knobs.
type Config struct {
	// SubmitTimeout bounds each engine attempt, so a stalled engine cannot
	// hold a session indefinitely. Expiry counts as a network failure.
	// Default: 10s.
	SubmitTimeout time.Duration

	// RateLimitRetries is how many times a rate-limited attempt is retried
	// against the same engine before failing over. Default: 1.
	RateLimitRetries int

	// RateLimitBackoff is the wait between rate-limit retries. Default: 500ms.
	RateLimitBackoff time.Duration

	// ProbeInterval is the cadence of the advisory background health prober.
	// Default: 15s.
	ProbeInterval time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.RateLimitRetries < 0 {
		cfg.RateLimitRetries = 0
	} else if cfg.RateLimitRetries == 0 {
		cfg.RateLimitRetries = 1
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 500 * time.Millisecond
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	return cfg
}

// Orchestrator walks a ranked engine list per chunk. Safe for concurrent use
// by many sessions; all shared mutable state lives in the breaker registry.
type Orchestrator struct {
	engines  []engine.Engine
	breakers *resilience.Registry
	cfg      Config
	log      *slog.Logger
}

// New creates an Orchestrator over engines in preference order. The first
// engine is tried first for every chunk.
func New(engines []engine.Engine, breakers *resilience.Registry, cfg Config, log *slog.Logger) (*Orchestrator, error) {
	if len(engines) == 0 {
		return nil, errors.New("orchestrator: at least one engine is required")
	}
	if breakers == nil {
		return nil, errors.New("orchestrator: breaker registry is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		engines:  engines,
		breakers: breakers,
		cfg:      cfg.withDefaults(),
		log:      log,
	}, nil
}

// EngineIDs returns the configured preference order.
func (o *Orchestrator) EngineIDs() []string {
	ids := make([]string, len(o.engines))
	for i, e := range o.engines {
		ids[i] = e.ID()
	}
	return ids
}

// Submit transcribes one chunk, failing over across the ranked engine list.
// The returned fragment carries the chunk's sequence number and the ID of the
// engine that served it.
//
// Returns ErrAllEnginesExhausted when no candidate could serve the chunk, the
// classified engine error for a permanent (unsupported format) failure, or
// ctx.Err() when the caller abandoned the chunk.
func (o *Orchestrator) Submit(ctx context.Context, chunk engine.Chunk) (engine.Fragment, error) {
	for _, eng := range o.engines {
		id := eng.ID()
		retries := 0

		for {
			if !o.breakers.Allow(id) {
				o.log.Debug("engine ineligible, skipping",
					"engine", id, "session", chunk.SessionID, "seq", chunk.Seq)
				break
			}

			frag, err := o.attempt(ctx, eng, chunk)
			if err == nil {
				frag.Seq = chunk.Seq
				frag.EngineID = id
				return frag, nil
			}
			if ctx.Err() != nil {
				return engine.Fragment{}, fmt.Errorf("orchestrator: chunk abandoned: %w", ctx.Err())
			}

			kind := engine.KindOf(err)
			switch kind {
			case engine.KindUnsupportedFormat:
				// The chunk itself is malformed; no other engine helps.
				return engine.Fragment{}, err

			case engine.KindRateLimited:
				if retries < o.cfg.RateLimitRetries {
					retries++
					o.log.Debug("engine rate limited, backing off",
						"engine", id, "session", chunk.SessionID, "seq", chunk.Seq,
						"retry", retries)
					if err := sleepCtx(ctx, o.cfg.RateLimitBackoff); err != nil {
						return engine.Fragment{}, fmt.Errorf("orchestrator: chunk abandoned: %w", err)
					}
					continue
				}
			}

			o.log.Warn("engine attempt failed, failing over",
				"engine", id, "kind", kind.String(),
				"session", chunk.SessionID, "seq", chunk.Seq, "error", err)
			break
		}
	}

	return engine.Fragment{}, ErrAllEnginesExhausted
}

// attempt runs one bounded submission against eng. The engine call runs in
// its own goroutine detached from the caller's cancellation: if the caller
// abandons the chunk (session closed), the eventual outcome is discarded for
// the session but still recorded against the breaker, since it reflects the
// engine's real behavior.
func (o *Orchestrator) attempt(ctx context.Context, eng engine.Engine, chunk engine.Chunk) (engine.Fragment, error) {
	type result struct {
		frag engine.Fragment
		err  error
	}
	ch := make(chan result, 1)

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SubmitTimeout)
	go func() {
		defer cancel()
		frag, err := eng.Submit(attemptCtx, chunk)

		// An unsupported-format rejection is a well-formed answer from a
		// healthy engine; it must not push its breaker toward Open.
		success := err == nil || engine.KindOf(err) == engine.KindUnsupportedFormat
		o.breakers.Record(eng.ID(), success)

		ch <- result{frag, err}
	}()

	select {
	case r := <-ch:
		return r.frag, r.err
	case <-ctx.Done():
		return engine.Fragment{}, ctx.Err()
	}
}

// RunProber periodically issues advisory health checks against engines whose
// breaker is Open, outside the normal cooldown-driven half-open cycle. The
// result is logged for operators but never mutates breaker state. Blocks
// until ctx is cancelled.
func (o *Orchestrator) RunProber(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, eng := range o.engines {
				if o.breakers.Breaker(eng.ID()).State() != resilience.StateOpen {
					continue
				}
				healthy := eng.HealthCheck(ctx)
				o.log.Info("advisory probe of open engine",
					"engine", eng.ID(), "healthy", healthy)
			}
		}
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
