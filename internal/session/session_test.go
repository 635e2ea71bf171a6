package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sibylabs/sibyl/internal/buffer"
	"github.com/sibylabs/sibyl/internal/orchestrator"
	"github.com/sibylabs/sibyl/internal/resilience"
	"github.com/sibylabs/sibyl/pkg/engine"
	"github.com/sibylabs/sibyl/pkg/engine/mock"
)

// testFormat is 16 kHz mono PCM: 32 bytes per millisecond.
var testFormat = engine.Format{Codec: engine.CodecPCM16, SampleRate: 16000, Channels: 1}

func audio(ms int) []byte {
	return make([]byte, ms*32)
}

// newManager wires mock engines through a real orchestrator with tight
// timings: 10ms minimum chunks, 50ms maximum chunks.
func newManager(t *testing.T, breakerCfg resilience.BreakerConfig, engines ...engine.Engine) *Manager {
	t.Helper()
	reg := resilience.NewRegistry(breakerCfg)
	orch, err := orchestrator.New(engines, reg, orchestrator.Config{
		SubmitTimeout:    time.Second,
		RateLimitBackoff: time.Millisecond,
	}, slog.Default())
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	m, err := NewManager(orch, Config{
		Buffer: buffer.Config{
			MinChunk: 10 * time.Millisecond,
			MaxChunk: 50 * time.Millisecond,
		},
		DefaultFormat: testFormat,
		InFlightLimit: 4,
		IdleTimeout:   time.Minute,
		CloseGrace:    2 * time.Second,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// collect drains events until the channel closes or the timeout fires.
func collect(t *testing.T, s *Session, n int, timeout time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %d/%d events: %+v", len(got), n, got)
		}
	}
	return got
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestSession_PartialThenFinalPerChunk(t *testing.T) {
	eng := mock.New("a", mock.Succeed("hello"))
	m := newManager(t, resilience.BreakerConfig{}, eng)
	s, err := m.Open(OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close(s.ID())

	if err := s.Ingest(audio(50)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	events := collect(t, s, 2, 2*time.Second)
	if events[0].Type != EventPartial || events[1].Type != EventFinal {
		t.Fatalf("events = %v,%v, want partial,final", events[0].Type, events[1].Type)
	}
	if events[0].Text != "hello" || events[1].Text != "hello" {
		t.Errorf("texts = %q,%q, want hello,hello", events[0].Text, events[1].Text)
	}
	if events[1].EngineID != "a" {
		t.Errorf("engineID = %q, want a", events[1].EngineID)
	}
	if events[0].SessionID != s.ID() {
		t.Errorf("sessionID = %q, want %q", events[0].SessionID, s.ID())
	}
}

func TestSession_FragmentsInSequenceOrder(t *testing.T) {
	eng := mock.New("a", mock.Succeed("x"))
	m := newManager(t, resilience.BreakerConfig{}, eng)
	s, err := m.Open(OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close(s.ID())

	// 150ms carves three 50ms chunks.
	if err := s.Ingest(audio(150)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	events := collect(t, s, 6, 2*time.Second)
	finals := eventsOfType(events, EventFinal)
	if len(finals) != 3 {
		t.Fatalf("finals = %d, want 3", len(finals))
	}
	var last uint64
	for i, ev := range finals {
		if ev.Seq < last {
			t.Fatalf("final %d has seq %d after %d, order violated", i, ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestSession_FailoverEmitsEngineSwitchOnce(t *testing.T) {
	// Engine order [a, b, local]; a fails with a network error, b serves.
	a := mock.New("a", mock.Fail(engine.KindNetwork))
	b := mock.New("b", mock.Succeed("via b"))
	local := mock.New("local", mock.Succeed("via local"))
	m := newManager(t, resilience.BreakerConfig{MaxFailures: 10}, a, b, local)

	s, err := m.Open(OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close(s.ID())

	if err := s.Ingest(audio(100)); err != nil { // two chunks, both served by b
		t.Fatalf("Ingest: %v", err)
	}

	events := collect(t, s, 5, 2*time.Second)
	switches := eventsOfType(events, EventEngineSwitch)
	if len(switches) != 1 {
		t.Fatalf("engine-switch count = %d, want exactly 1: %+v", len(switches), events)
	}
	if switches[0].EngineID != "b" || switches[0].PrevEngine != "a" {
		t.Errorf("switch = %q -> %q, want a -> b", switches[0].PrevEngine, switches[0].EngineID)
	}
	for _, ev := range eventsOfType(events, EventFinal) {
		if ev.EngineID != "b" {
			t.Errorf("final served by %q, want b", ev.EngineID)
		}
	}
}

func TestSession_AllEnginesExhaustedKeepsSessionAlive(t *testing.T) {
	a := mock.New("a", mock.Fail(engine.KindNetwork))
	m := newManager(t, resilience.BreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	}, a)

	s, err := m.Open(OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close(s.ID())

	if err := s.Ingest(audio(50)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	events := collect(t, s, 1, 2*time.Second)
	if events[0].Type != EventError || events[0].Code != "all-engines-exhausted" {
		t.Fatalf("event = %+v, want all-engines-exhausted error", events[0])
	}

	// The session remains in Buffering and accepts the next chunk.
	deadline := time.Now().Add(time.Second)
	for s.State() != StateBuffering {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want buffering", s.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.Ingest(audio(50)); err != nil {
		t.Fatalf("Ingest after exhaustion: %v", err)
	}
	events = collect(t, s, 1, 2*time.Second)
	if events[0].Type != EventError {
		t.Fatalf("event = %+v, want error for chunk 2", events[0])
	}
}

func TestSession_CloseProducesNoFurtherEvents(t *testing.T) {
	release := make(chan struct{})
	eng := mock.New("a", mock.Succeed("slow"))
	eng.Block = release
	m := newManager(t, resilience.BreakerConfig{}, eng)
	m.cfg.CloseGrace = 20 * time.Millisecond

	s, err := m.Open(OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Ingest(audio(50)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Close while the submission is in flight; the grace period expires and
	// the chunk is abandoned.
	if err := m.Close(s.ID()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(release)

	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	// The events channel must be closed with no fragment delivered after
	// the close completed.
	time.Sleep(20 * time.Millisecond)
	for ev := range s.Events() {
		if ev.Type == EventPartial || ev.Type == EventFinal {
			t.Fatalf("fragment event after close: %+v", ev)
		}
	}
}

func TestSession_CloseFlushesSubMinimumRemainder(t *testing.T) {
	eng := mock.New("a", mock.Succeed("tail"))
	m := newManager(t, resilience.BreakerConfig{}, eng)

	s, err := m.Open(OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// 5ms is below the 10ms minimum; no chunk is emitted...
	if err := s.Ingest(audio(5)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := s.MarkUtteranceEnd(); err != nil {
		t.Fatalf("MarkUtteranceEnd: %v", err)
	}
	if eng.SubmitCount() != 0 {
		t.Fatal("sub-minimum audio must not be submitted on utterance end")
	}

	// ...but the terminal flush on close submits it regardless of size.
	if err := m.Close(s.ID()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if eng.SubmitCount() != 1 {
		t.Fatalf("submit count = %d, want 1 after terminal flush", eng.SubmitCount())
	}
}

func TestSession_BufferPressure(t *testing.T) {
	release := make(chan struct{})
	eng := mock.New("a", mock.Succeed("x"))
	eng.Block = release
	m := newManager(t, resilience.BreakerConfig{}, eng)
	m.cfg.InFlightLimit = 1

	s, err := m.Open(OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		close(release)
		m.Close(s.ID())
	}()

	// The engine is wedged, so queued chunks pile up past the limit.
	if err := s.Ingest(audio(200)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	events := collect(t, s, 1, 2*time.Second)
	if events[0].Type != EventBufferPressure {
		t.Fatalf("event = %+v, want buffer-pressure", events[0])
	}
	if events[0].QueuedChunks <= 1 {
		t.Errorf("queued = %d, want > limit", events[0].QueuedChunks)
	}
}

func TestSession_OperationsAfterCloseFail(t *testing.T) {
	eng := mock.New("a")
	m := newManager(t, resilience.BreakerConfig{}, eng)

	s, err := m.Open(OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Close(s.ID()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := s.Ingest(audio(10)); !errors.Is(err, ErrClosing) {
		t.Errorf("Ingest err = %v, want ErrClosing", err)
	}
	if err := s.MarkUtteranceEnd(); !errors.Is(err, ErrClosing) {
		t.Errorf("MarkUtteranceEnd err = %v, want ErrClosing", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrClosing) {
		t.Errorf("Reset err = %v, want ErrClosing", err)
	}
}

func TestSession_PersistsFinalFragments(t *testing.T) {
	eng := mock.New("a", mock.Succeed("persist me"))
	reg := resilience.NewRegistry(resilience.BreakerConfig{})
	orch, err := orchestrator.New([]engine.Engine{eng}, reg, orchestrator.Config{}, slog.Default())
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	w := &captureWriter{}
	m, err := NewManager(orch, Config{
		Buffer:        buffer.Config{MinChunk: 10 * time.Millisecond, MaxChunk: 50 * time.Millisecond},
		DefaultFormat: testFormat,
	}, slog.Default(), WithFragmentWriter(w))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	s, err := m.Open(OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Ingest(audio(50)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	collect(t, s, 2, 2*time.Second)
	m.Close(s.ID())

	frags := w.fragments()
	if len(frags) != 1 {
		t.Fatalf("persisted fragments = %d, want 1", len(frags))
	}
	if frags[0].Text != "persist me" || !frags[0].IsFinal {
		t.Errorf("persisted fragment = %+v", frags[0])
	}
}

type captureWriter struct {
	mu    sync.Mutex
	frags []engine.Fragment
}

func (w *captureWriter) WriteFragment(_ context.Context, _ string, frag engine.Fragment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frags = append(w.frags, frag)
	return nil
}

func (w *captureWriter) fragments() []engine.Fragment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]engine.Fragment(nil), w.frags...)
}

func TestSession_TranscriptHistoryAndReset(t *testing.T) {
	eng := mock.New("a", mock.Succeed("one"), mock.Succeed("two"))
	m := newManager(t, resilience.BreakerConfig{}, eng)
	s, err := m.Open(OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close(s.ID())

	if err := s.Ingest(audio(50)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	collect(t, s, 2, time.Second) // partial + final

	hist := s.Transcript()
	if len(hist) != 1 || hist[0].Text != "one" {
		t.Fatalf("history = %+v, want one final fragment", hist)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := s.Transcript(); len(got) != 0 {
		t.Fatalf("history after reset = %+v, want empty", got)
	}

	// Sequence numbering continues after reset.
	if err := s.Ingest(audio(50)); err != nil {
		t.Fatalf("Ingest after reset: %v", err)
	}
	events := collect(t, s, 2, time.Second)
	finals := eventsOfType(events, EventFinal)
	if len(finals) != 1 || finals[0].Seq != 1 {
		t.Fatalf("final after reset = %+v, want seq 1", finals)
	}
	if got := s.Transcript(); len(got) != 1 || got[0].Text != "two" {
		t.Fatalf("history after reset+ingest = %+v", got)
	}
}

func TestSession_CloseStartsNoNewSubmissionsAfterCancel(t *testing.T) {
	release := make(chan struct{})
	eng := mock.New("a", mock.Succeed("slow"))
	eng.Block = release
	m := newManager(t, resilience.BreakerConfig{}, eng)
	m.cfg.CloseGrace = 20 * time.Millisecond

	s, err := m.Open(OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// The first chunk wedges in the engine; three more queue up behind it.
	for i := 0; i < 4; i++ {
		if err := s.Ingest(audio(50)); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}

	// The grace period expires and the session is cancelled with chunks
	// still queued.
	if err := m.Close(s.ID()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(release)

	// Give the wedged call time to resolve. The queued chunks must be
	// dropped, not handed to the engine.
	time.Sleep(50 * time.Millisecond)
	if got := eng.SubmitCount(); got != 1 {
		t.Fatalf("engine submissions = %d, want 1: queued chunks must not start new calls after cancel", got)
	}
}
