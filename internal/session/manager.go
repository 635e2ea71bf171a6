package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sibylabs/sibyl/internal/buffer"
	"github.com/sibylabs/sibyl/pkg/engine"
)

// ErrNotFound is returned for operations on an unknown or already-closed
// session ID.
var ErrNotFound = errors.New("session: not found")

// Config holds manager-wide session defaults.
type Config struct {
	// Buffer is the default chunking configuration for new sessions.
	Buffer buffer.Config

	// DefaultFormat is used when an open request does not specify one.
	DefaultFormat engine.Format

	// DefaultLanguage is used when an open request does not specify one.
	DefaultLanguage string

	// InFlightLimit is the queued-chunk count past which buffer pressure is
	// signalled. Default: 4.
	InFlightLimit int

	// IdleTimeout auto-closes sessions with no activity and no pending work.
	// Default: 2m.
	IdleTimeout time.Duration

	// CloseGrace bounds how long Close waits for queued and in-flight
	// submissions before abandoning them. Default: 15s.
	CloseGrace time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.DefaultFormat.SampleRate == 0 {
		cfg.DefaultFormat = engine.Format{Codec: engine.CodecPCM16, SampleRate: 16000, Channels: 1}
	}
	if cfg.InFlightLimit <= 0 {
		cfg.InFlightLimit = 4
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 15 * time.Second
	}
	return cfg
}

// OpenRequest carries the caller-supplied parameters for a new session.
// Zero values fall back to the manager's defaults.
type OpenRequest struct {
	Format   engine.Format
	Language string
	Buffer   buffer.Config
}

// Manager owns the set of live sessions.
type Manager struct {
	orch   Submitter
	cfg    Config
	log    *slog.Logger
	writer FragmentWriter

	onOpen  func()
	onClose func()

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option is a functional option for the Manager.
type Option func(*Manager)

// WithFragmentWriter persists every final fragment through w.
func WithFragmentWriter(w FragmentWriter) Option {
	return func(m *Manager) { m.writer = w }
}

// WithLifecycleHooks fires the given callbacks on every session open and
// close, for gauge-style metrics. Either may be nil.
func WithLifecycleHooks(onOpen, onClose func()) Option {
	return func(m *Manager) {
		m.onOpen = onOpen
		m.onClose = onClose
	}
}

// NewManager creates a session manager submitting through orch.
func NewManager(orch Submitter, cfg Config, log *slog.Logger, opts ...Option) (*Manager, error) {
	if orch == nil {
		return nil, errors.New("session: submitter is required")
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		orch:     orch,
		cfg:      cfg.withDefaults(),
		log:      log,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// defaultEngine returns the top-ranked engine ID when the submitter exposes
// its preference order.
func (m *Manager) defaultEngine() string {
	type ranked interface {
		EngineIDs() []string
	}
	if r, ok := m.orch.(ranked); ok {
		if ids := r.EngineIDs(); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

// Open creates a new session and returns it. The session is live immediately;
// its Events channel must be drained by the caller.
func (m *Manager) Open(req OpenRequest) (*Session, error) {
	format := req.Format
	if format.SampleRate == 0 {
		format = m.cfg.DefaultFormat
	}
	if !format.Codec.IsValid() {
		return nil, fmt.Errorf("session: unknown codec %q", format.Codec)
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("session: invalid format: sample rate %d, channels %d",
			format.SampleRate, format.Channels)
	}
	language := req.Language
	if language == "" {
		language = m.cfg.DefaultLanguage
	}
	bufCfg := req.Buffer
	if bufCfg.MinChunk <= 0 {
		bufCfg.MinChunk = m.cfg.Buffer.MinChunk
	}
	if bufCfg.MaxChunk <= 0 {
		bufCfg.MaxChunk = m.cfg.Buffer.MaxChunk
	}

	id := uuid.NewString()
	s := newSession(id, m.orch, buffer.New(id, format, language, bufCfg), sessionOptions{
		log:           m.log,
		inFlightLimit: m.cfg.InFlightLimit,
		closeGrace:    m.cfg.CloseGrace,
		writer:        m.writer,
		defaultEngine: m.defaultEngine(),
	})

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.onOpen != nil {
		m.onOpen()
	}
	m.log.Info("session opened", "session", id,
		"codec", format.Codec, "sample_rate", format.SampleRate,
		"channels", format.Channels, "language", language)
	return s, nil
}

// Get returns the live session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Close closes the session with the given ID: flushes the remaining buffer,
// drains in-flight work, and removes the session from the manager.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.Close()
	if m.onClose != nil {
		m.onClose()
	}
	m.log.Info("session closed", "session", id)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every live session, used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
			if m.onClose != nil {
				m.onClose()
			}
		}(s)
	}
	wg.Wait()
}

// RunReaper closes sessions idle past the configured timeout. Blocks until
// ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context) {
	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) && s.State() != StateAwaitingEngine {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.log.Info("session idle, reaping", "session", s.ID())
		s.Close()
		if m.onClose != nil {
			m.onClose()
		}
	}
}
