// Package app wires all Sibyl subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithFragmentWriter, WithMetrics). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/sibylabs/sibyl/internal/buffer"
	"github.com/sibylabs/sibyl/internal/config"
	"github.com/sibylabs/sibyl/internal/health"
	"github.com/sibylabs/sibyl/internal/ingress"
	"github.com/sibylabs/sibyl/internal/observe"
	"github.com/sibylabs/sibyl/internal/orchestrator"
	"github.com/sibylabs/sibyl/internal/resilience"
	"github.com/sibylabs/sibyl/internal/session"
	"github.com/sibylabs/sibyl/internal/status"
	"github.com/sibylabs/sibyl/internal/transcript"
	"github.com/sibylabs/sibyl/pkg/engine"
	"github.com/sibylabs/sibyl/pkg/engine/deepgram"
	"github.com/sibylabs/sibyl/pkg/engine/openai"
	"github.com/sibylabs/sibyl/pkg/engine/whisper"
)

const defaultListenAddr = ":8080"

// App owns all subsystem lifetimes for the Sibyl transcription server.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics  *observe.Metrics
	breakers *resilience.Registry
	orch     *orchestrator.Orchestrator
	manager  *session.Manager
	writer   session.FragmentWriter
	store    *transcript.Store
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithFragmentWriter injects a fragment writer instead of connecting the
// PostgreSQL transcript store from config.
func WithFragmentWriter(w session.FragmentWriter) Option {
	return func(a *App) { a.writer = w }
}

// WithMetrics injects a metrics set instead of creating one from the global
// meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together: telemetry, circuit
// breakers, engine adapters in config order, the failover orchestrator, the
// optional transcript store, the session manager, and the HTTP surface.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	a.initBreakers()

	engines, err := a.initEngines()
	if err != nil {
		return nil, fmt.Errorf("app: init engines: %w", err)
	}

	a.orch, err = orchestrator.New(engines, a.breakers, orchestrator.Config{
		SubmitTimeout:    msDuration(cfg.Session.SubmitTimeoutMs),
		RateLimitRetries: cfg.Session.RateLimitRetries,
		RateLimitBackoff: msDuration(cfg.Session.RateLimitBackoffMs),
		ProbeInterval:    msDuration(cfg.Session.ProbeIntervalMs),
	}, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}

	if err := a.initTranscripts(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcript store: %w", err)
	}

	if err := a.initSessions(); err != nil {
		return nil, fmt.Errorf("app: init session manager: %w", err)
	}

	a.initHTTP()

	return a, nil
}

// initTelemetry sets up the OTel meter provider with its Prometheus bridge
// and creates the application metric set.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})

	a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
	return err
}

// initBreakers creates the per-engine circuit-breaker registry and hooks
// state transitions into logging and metrics.
func (a *App) initBreakers() {
	a.breakers = resilience.NewRegistry(resilience.BreakerConfig{
		MaxFailures:  a.cfg.Breaker.MaxFailures,
		ResetTimeout: msDuration(a.cfg.Breaker.ResetTimeoutMs),
		Window:       msDuration(a.cfg.Breaker.WindowMs),
	})
	a.breakers.OnTransition(func(engineID string, from, to resilience.State) {
		slog.Info("breaker transition",
			"engine", engineID, "from", from.String(), "to", to.String())
		a.metrics.RecordBreakerTransition(context.Background(), engineID, from.String(), to.String())
	})
}

// initEngines builds one adapter per configured engine, preserving config
// order, with each adapter wrapped for request metrics.
func (a *App) initEngines() ([]engine.Engine, error) {
	engines := make([]engine.Engine, 0, len(a.cfg.Engines))
	for _, ec := range a.cfg.Engines {
		eng, err := a.buildEngine(ec)
		if err != nil {
			return nil, fmt.Errorf("engine %q: %w", ec.ID, err)
		}
		engines = append(engines, observe.InstrumentEngine(eng, a.metrics))
		slog.Info("engine configured", "engine", ec.ID, "kind", ec.Kind)
	}
	return engines, nil
}

// buildEngine constructs the adapter for one engine config entry.
func (a *App) buildEngine(ec config.EngineConfig) (engine.Engine, error) {
	switch ec.Kind {
	case config.EngineDeepgram:
		var opts []deepgram.Option
		if ec.Model != "" {
			opts = append(opts, deepgram.WithModel(ec.Model))
		}
		if ec.Language != "" {
			opts = append(opts, deepgram.WithLanguage(ec.Language))
		}
		if ec.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(ec.BaseURL))
		}
		return deepgram.New(ec.ID, ec.APIKey, opts...)

	case config.EngineOpenAI:
		var opts []openai.Option
		if ec.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(ec.BaseURL))
		}
		return openai.New(ec.ID, ec.APIKey, ec.Model, opts...)

	case config.EngineWhisper:
		var opts []whisper.Option
		if ec.Language != "" {
			opts = append(opts, whisper.WithLanguage(ec.Language))
		}
		if ec.MaxConcurrent > 0 {
			opts = append(opts, whisper.WithMaxConcurrent(ec.MaxConcurrent))
		}
		eng, err := whisper.New(ec.ID, ec.Model, opts...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, eng.Close)
		return eng, nil

	default:
		return nil, fmt.Errorf("unknown engine kind %q", ec.Kind)
	}
}

// initTranscripts connects the PostgreSQL fragment store when configured.
func (a *App) initTranscripts(ctx context.Context) error {
	if a.writer != nil || a.cfg.Transcript.PostgresDSN == "" {
		return nil
	}

	store, err := transcript.NewStore(ctx, a.cfg.Transcript.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = store
	a.writer = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("transcript store connected")
	return nil
}

// initSessions creates the session manager with the active-session gauge
// wired through lifecycle hooks.
func (a *App) initSessions() error {
	mgrOpts := []session.Option{
		session.WithLifecycleHooks(
			func() { a.metrics.ActiveSessions.Add(context.Background(), 1) },
			func() { a.metrics.ActiveSessions.Add(context.Background(), -1) },
		),
	}
	if a.writer != nil {
		mgrOpts = append(mgrOpts, session.WithFragmentWriter(a.writer))
	}

	var err error
	a.manager, err = session.NewManager(a.orch, session.Config{
		Buffer: buffer.Config{
			MinChunk: msDuration(a.cfg.Buffer.MinChunkMs),
			MaxChunk: msDuration(a.cfg.Buffer.MaxChunkMs),
		},
		DefaultFormat: engine.Format{
			Codec:      engine.Codec(a.cfg.Audio.Codec),
			SampleRate: a.cfg.Audio.SampleRate,
			Channels:   a.cfg.Audio.Channels,
		},
		DefaultLanguage: a.cfg.Audio.Language,
		InFlightLimit:   a.cfg.Buffer.InFlightLimit,
		IdleTimeout:     msDuration(a.cfg.Session.IdleTimeoutMs),
		CloseGrace:      msDuration(a.cfg.Session.CloseGraceMs),
	}, slog.Default(), mgrOpts...)
	return err
}

// initHTTP assembles the HTTP surface: the streaming WebSocket endpoint,
// status, health probes, and the Prometheus scrape endpoint.
func (a *App) initHTTP() {
	st := status.New(a.manager, a.breakers)

	checkers := []health.Checker{health.Engines(a.breakers)}
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "transcript-store", Check: a.store.Ping})
	}

	mux := http.NewServeMux()
	ingress.New(a.manager, st, a.metrics, slog.Default()).Register(mux)
	st.Register(mux)
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run serves HTTP and runs the background loops (idle-session reaper and
// advisory engine prober) until ctx is cancelled, then drains the server.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.manager.RunReaper(gctx)
		return nil
	})
	g.Go(func() error {
		a.orch.RunProber(gctx)
		return nil
	})

	return g.Wait()
}

// Shutdown tears down all subsystems. It drains live sessions first so
// terminal flushes reach the engines, then runs the closers in order. It
// respects the ctx deadline but finishes as many closers as it can.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.Count(), "closers", len(a.closers))

		a.manager.CloseAll()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// msDuration converts a millisecond config value to a [time.Duration]. Zero
// stays zero so package defaults apply.
func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
