// Package mock provides a scripted test double for the engine package.
//
// Script an Engine with a queue of results, then inspect which chunks were
// submitted:
//
//	eng := mock.New("a",
//	    mock.Fail(engine.KindNetwork),
//	    mock.Succeed("hello world"),
//	)
//	frag, err := eng.Submit(ctx, chunk)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/sibylabs/sibyl/pkg/engine"
)

// Result is one scripted Submit outcome.
type Result struct {
	// Fragment is returned when Err is nil.
	Fragment engine.Fragment

	// Err, if non-nil, is returned from Submit.
	Err error
}

// Succeed scripts a successful submission producing a final fragment with
// the given text.
func Succeed(text string) Result {
	return Result{Fragment: engine.Fragment{Text: text, IsFinal: true, Confidence: 1}}
}

// Fail scripts a classified failure of the given kind.
func Fail(kind engine.ErrorKind) Result {
	return Result{Err: &engine.Error{Kind: kind, Err: errors.New("scripted failure")}}
}

// Engine is a scripted implementation of engine.Engine. When the script is
// exhausted, Submit repeats the last scripted result; with an empty script it
// succeeds with empty text.
type Engine struct {
	id string

	mu      sync.Mutex
	script  []Result
	pos     int
	healthy bool

	// SubmitCalls records every submitted chunk in order.
	SubmitCalls []engine.Chunk

	// HealthCalls counts HealthCheck invocations.
	HealthCalls int

	// Block, when non-nil, is received from at the start of every Submit
	// call. Close it (or send) to release blocked submissions; use it to
	// exercise timeout and cancellation paths.
	Block chan struct{}
}

// Compile-time interface assertion.
var _ engine.Engine = (*Engine)(nil)

// New creates a scripted mock engine with the given ID.
func New(id string, script ...Result) *Engine {
	return &Engine{id: id, script: script, healthy: true}
}

// ID returns the engine identifier.
func (e *Engine) ID() string { return e.id }

// Submit records the chunk and plays the next scripted result. Classified
// errors get the engine ID filled in so KindOf and log output look like the
// real thing.
func (e *Engine) Submit(ctx context.Context, chunk engine.Chunk) (engine.Fragment, error) {
	e.mu.Lock()
	block := e.Block
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return engine.Fragment{}, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.SubmitCalls = append(e.SubmitCalls, chunk)

	if len(e.script) == 0 {
		return engine.Fragment{IsFinal: true}, nil
	}
	res := e.script[min(e.pos, len(e.script)-1)]
	e.pos++

	if res.Err != nil {
		var ee *engine.Error
		if errors.As(res.Err, &ee) && ee.Engine == "" {
			return engine.Fragment{}, &engine.Error{Kind: ee.Kind, Engine: e.id, Err: ee.Err}
		}
		return engine.Fragment{}, res.Err
	}
	return res.Fragment, nil
}

// HealthCheck returns the scripted health state.
func (e *Engine) HealthCheck(_ context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.HealthCalls++
	return e.healthy
}

// SetHealthy scripts the HealthCheck result.
func (e *Engine) SetHealthy(ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = ok
}

// Append adds further results to the script.
func (e *Engine) Append(results ...Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = append(e.script, results...)
}

// SubmitCount returns the number of Submit calls so far. Thread-safe.
func (e *Engine) SubmitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.SubmitCalls)
}

// HealthCount returns the number of HealthCheck calls so far. Thread-safe.
func (e *Engine) HealthCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.HealthCalls
}
