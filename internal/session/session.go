// Package session tracks one record per active connection: buffered audio,
// the active engine, lifecycle state, and timers. Each session runs its own
// submission pipeline concurrently with every other session; within one
// session chunk submissions are strictly sequential, so transcript order
// needs no reordering downstream.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sibylabs/sibyl/internal/buffer"
	"github.com/sibylabs/sibyl/internal/orchestrator"
	"github.com/sibylabs/sibyl/pkg/engine"
)

// State is a session's lifecycle phase.
type State string

const (
	// StateIdle means the session is open but no audio has arrived yet.
	StateIdle State = "idle"

	// StateBuffering means audio is accumulating below a chunk boundary.
	StateBuffering State = "buffering"

	// StateAwaitingEngine means a chunk is submitted and no fragment has
	// come back yet.
	StateAwaitingEngine State = "awaiting-engine"

	// StateTranscribing means fragments are flowing.
	StateTranscribing State = "transcribing"

	// StateClosing means the terminal flush is draining; no new audio is
	// accepted.
	StateClosing State = "closing"

	// StateClosed is terminal.
	StateClosed State = "closed"
)

var (
	// ErrClosing is returned for operations on a session in or past Closing.
	ErrClosing = errors.New("session: closing")
)

// Submitter is the orchestrator capability a session needs.
type Submitter interface {
	Submit(ctx context.Context, chunk engine.Chunk) (engine.Fragment, error)
}

// FragmentWriter persists final fragments. Implementations must tolerate
// concurrent calls from different sessions.
type FragmentWriter interface {
	WriteFragment(ctx context.Context, sessionID string, frag engine.Fragment) error
}

// Session is one live transcription connection.
type Session struct {
	id   string
	orch Submitter
	buf  *buffer.Buffer
	log  *slog.Logger

	inFlightLimit int
	closeGrace    time.Duration
	writer        FragmentWriter

	ctx    context.Context
	cancel context.CancelFunc

	events   chan Event
	notify   chan struct{}
	loopDone chan struct{}

	mu           sync.Mutex
	state        State
	queue        []engine.Chunk
	draining     bool
	lastEngine   string
	lastActivity time.Time
	history      []engine.Fragment
	closeOnce    sync.Once

	emitMu       sync.RWMutex
	eventsClosed bool
}

func newSession(id string, orch Submitter, buf *buffer.Buffer, opts sessionOptions) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:            id,
		orch:          orch,
		buf:           buf,
		log:           opts.log.With("session", id),
		inFlightLimit: opts.inFlightLimit,
		closeGrace:    opts.closeGrace,
		writer:        opts.writer,
		ctx:           ctx,
		cancel:        cancel,
		events:        make(chan Event, 64),
		notify:        make(chan struct{}, 1),
		loopDone:      make(chan struct{}),
		state:         StateIdle,
		lastEngine:    opts.defaultEngine,
		lastActivity:  time.Now(),
	}
	go s.submitLoop()
	return s
}

type sessionOptions struct {
	log           *slog.Logger
	inFlightLimit int
	closeGrace    time.Duration
	writer        FragmentWriter

	// defaultEngine is the top-ranked engine ID. Seeding the active engine
	// with it makes the first chunk served by a fallback raise an
	// engine-switch event, so the caller always knows the serving engine.
	defaultEngine string
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events returns the session's egress stream. The channel is closed once the
// session is fully closed; no event is delivered after Close returns.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveEngine returns the engine that served the most recent fragment, or
// the top-ranked engine before the first fragment.
func (s *Session) ActiveEngine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEngine
}

// LastActivity returns the time of the last audio or control operation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Ingest accepts raw audio bytes. Chunks carved at the max-duration boundary
// are queued for sequential submission. Never blocks on a slow engine: if the
// queue grows past the in-flight limit a buffer-pressure event is raised and
// the audio is still accepted.
func (s *Session) Ingest(p []byte) error {
	if err := s.touch(); err != nil {
		return err
	}
	chunks, err := s.buf.Append(p)
	if err != nil {
		if errors.Is(err, buffer.ErrClosed) {
			return ErrClosing
		}
		return err
	}

	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateBuffering
	}
	s.mu.Unlock()

	for _, c := range chunks {
		s.enqueue(c)
	}
	return nil
}

// MarkUtteranceEnd signals a natural speech boundary. Buffered audio at or
// above the minimum chunk duration is submitted; below it the audio is held.
func (s *Session) MarkUtteranceEnd() error {
	if err := s.touch(); err != nil {
		return err
	}
	if chunk, ok := s.buf.MarkUtteranceEnd(); ok {
		s.enqueue(chunk)
	}
	return nil
}

// Flush submits any buffered audio regardless of size. The session stays
// open.
func (s *Session) Flush() error {
	if err := s.touch(); err != nil {
		return err
	}
	if chunk, ok := s.buf.Flush(); ok {
		s.enqueue(chunk)
	}
	return nil
}

// Reset drops buffered, not-yet-submitted audio and the accumulated
// transcript history. In-flight and queued chunks are unaffected; sequence
// numbering continues.
func (s *Session) Reset() error {
	if err := s.touch(); err != nil {
		return err
	}
	s.buf.Reset()
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
	return nil
}

// Transcript returns a copy of the final fragments received so far, in
// sequence order.
func (s *Session) Transcript() []engine.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Fragment, len(s.history))
	copy(out, s.history)
	return out
}

// Reconfigure replaces the session's audio format, language, and chunking
// thresholds mid-stream. Already-buffered audio is kept.
func (s *Session) Reconfigure(format engine.Format, language string, cfg buffer.Config) error {
	if err := s.touch(); err != nil {
		return err
	}
	if err := s.buf.Reconfigure(format, language, cfg); err != nil {
		if errors.Is(err, buffer.ErrClosed) {
			return ErrClosing
		}
		return err
	}
	return nil
}

// Close flushes the remaining buffer, waits for queued and in-flight
// submissions to resolve within the close grace period, then abandons
// whatever is left and closes the event stream. Idempotent; once Close
// returns, no further events are delivered.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()

		// Terminal flush: the remainder is submitted regardless of size.
		if chunk, ok := s.buf.Close(); ok {
			s.enqueue(chunk)
		}

		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()
		s.wake()

		grace := time.NewTimer(s.closeGrace)
		defer grace.Stop()
		select {
		case <-s.loopDone:
		case <-grace.C:
			// Abandon in-flight work. The orchestrator still records the
			// engine's eventual outcome on the shared breaker.
			s.cancel()
			<-s.loopDone
		}
		s.cancel()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		s.emitMu.Lock()
		s.eventsClosed = true
		close(s.events)
		s.emitMu.Unlock()
	})
}

// touch refreshes the activity timestamp, rejecting sessions past Buffering.
func (s *Session) touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return ErrClosing
	}
	s.lastActivity = time.Now()
	return nil
}

// enqueue appends a chunk for the submit loop and raises buffer pressure when
// the queue outgrows the in-flight limit.
func (s *Session) enqueue(c engine.Chunk) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	queued := len(s.queue)
	s.mu.Unlock()
	s.wake()

	if s.inFlightLimit > 0 && queued > s.inFlightLimit {
		s.log.Warn("buffer pressure", "queued", queued, "limit", s.inFlightLimit)
		s.emit(Event{
			Type:         EventBufferPressure,
			SessionID:    s.id,
			QueuedChunks: queued,
		})
	}
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// submitLoop is the single goroutine that submits this session's chunks, in
// order, one at a time.
func (s *Session) submitLoop() {
	defer close(s.loopDone)

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.process(chunk)
			continue
		}
		draining := s.draining
		s.mu.Unlock()

		if draining {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		}
	}
}

// process submits one chunk and emits the resulting events.
func (s *Session) process(chunk engine.Chunk) {
	// A cancelled session abandons its queue: already-running engine calls
	// resolve on their own, but no new ones may start.
	if s.ctx.Err() != nil {
		return
	}
	s.setState(StateAwaitingEngine)

	frag, err := s.orch.Submit(s.ctx, chunk)
	if err != nil {
		if s.ctx.Err() != nil {
			return // session abandoned the chunk; no event
		}
		s.setState(StateBuffering)

		switch {
		case errors.Is(err, orchestrator.ErrAllEnginesExhausted):
			s.log.Warn("chunk permanently failed, all engines exhausted", "seq", chunk.Seq)
			s.emit(Event{
				Type:      EventError,
				SessionID: s.id,
				Seq:       chunk.Seq,
				Code:      "all-engines-exhausted",
				Message:   "transcription unavailable",
			})
		default:
			s.log.Warn("chunk permanently failed", "seq", chunk.Seq, "error", err)
			s.emit(Event{
				Type:      EventError,
				SessionID: s.id,
				Seq:       chunk.Seq,
				Code:      engine.KindOf(err).String(),
				Message:   err.Error(),
			})
		}
		return
	}

	s.mu.Lock()
	prev := s.lastEngine
	s.lastEngine = frag.EngineID
	s.history = append(s.history, frag)
	s.mu.Unlock()

	if prev != "" && prev != frag.EngineID {
		s.emit(Event{
			Type:       EventEngineSwitch,
			SessionID:  s.id,
			EngineID:   frag.EngineID,
			PrevEngine: prev,
			Seq:        frag.Seq,
		})
	}

	partial := frag
	partial.IsFinal = false
	s.emit(partialEvent(s.id, partial))
	s.emit(finalEvent(s.id, frag))
	s.setState(StateTranscribing)

	if s.writer != nil {
		if err := s.writer.WriteFragment(s.ctx, s.id, frag); err != nil && s.ctx.Err() == nil {
			s.log.Error("persist fragment", "seq", frag.Seq, "error", err)
		}
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	// Closing and Closed are sticky; the submit loop never un-closes.
	if s.state != StateClosing && s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// emit delivers an event, giving up when the session is cancelled so a gone
// consumer cannot wedge the submit loop forever. The read lock keeps a late
// caller-side emission from racing the channel close.
func (s *Session) emit(ev Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
