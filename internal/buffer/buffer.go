// Package buffer accumulates raw session audio into bounded chunks ready
// for engine submission.
//
// A chunk boundary is reached when either the accumulated duration hits the
// configured maximum, or an end-of-utterance marker arrives with at least
// the configured minimum buffered. Audio below the minimum is held rather
// than submitted, so a round trip is never wasted on near-empty audio; an
// explicit flush (session close, or the flush control message) emits the
// remainder regardless of size.
package buffer

import (
	"errors"
	"sync"
	"time"

	"github.com/sibylabs/sibyl/pkg/engine"
)

// ErrClosed is returned by Append after the buffer's terminal flush. The
// session manager surfaces it to callers as a session-not-found condition.
var ErrClosed = errors.New("buffer: closed")

// Config holds the chunking thresholds for one session's buffer.
type Config struct {
	// MinChunk is the smallest duration worth submitting on an
	// end-of-utterance marker. Default: 500ms.
	MinChunk time.Duration

	// MaxChunk is the duration at which a chunk is emitted regardless of
	// utterance boundaries, bounding perceived latency. Default: 3s.
	MaxChunk time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.MinChunk <= 0 {
		cfg.MinChunk = 500 * time.Millisecond
	}
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = 3 * time.Second
	}
	return cfg
}

// Buffer is a single session's audio accumulator. Chunk sequence numbers are
// monotonically increasing for the life of the session, surviving resets and
// reconfiguration. Safe for concurrent use.
type Buffer struct {
	sessionID string

	mu       sync.Mutex
	format   engine.Format
	language string
	cfg      Config
	minBytes int
	maxBytes int
	data     []byte
	nextSeq  uint64
	closed   bool
}

// New creates a buffer for the given session. Carved chunks carry the
// session ID, format, and language so they are ready for submission as-is.
func New(sessionID string, format engine.Format, language string, cfg Config) *Buffer {
	b := &Buffer{sessionID: sessionID}
	b.configure(format, language, cfg)
	return b
}

// configure recomputes byte thresholds. Must be called with b.mu held (or
// before the buffer is shared).
func (b *Buffer) configure(format engine.Format, language string, cfg Config) {
	cfg = cfg.withDefaults()
	b.cfg = cfg
	bps := format.BytesPerSecond()
	sampleSize := 2 * format.Channels
	if sampleSize <= 0 {
		sampleSize = 2
	}

	minBytes := int(cfg.MinChunk) * bps / int(time.Second)
	maxBytes := int(cfg.MaxChunk) * bps / int(time.Second)
	// Align boundaries to whole samples so a carve never splits a frame.
	minBytes -= minBytes % sampleSize
	maxBytes -= maxBytes % sampleSize
	if maxBytes < sampleSize {
		maxBytes = sampleSize
	}

	b.format = format
	b.language = language
	b.minBytes = minBytes
	b.maxBytes = maxBytes
}

// Reconfigure atomically replaces the buffer's format, language, and
// thresholds. Zero threshold values keep the current ones rather than
// reverting to package defaults. Already-buffered audio is kept and will be
// carved under the new thresholds.
func (b *Buffer) Reconfigure(format engine.Format, language string, cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if cfg.MinChunk <= 0 {
		cfg.MinChunk = b.cfg.MinChunk
	}
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = b.cfg.MaxChunk
	}
	b.configure(format, language, cfg)
	return nil
}

// Append accumulates raw audio and returns every chunk made ready by the
// max-duration boundary, in sequence order. Returns ErrClosed after the
// terminal flush.
func (b *Buffer) Append(p []byte) ([]engine.Chunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	b.data = append(b.data, p...)

	var ready []engine.Chunk
	for len(b.data) >= b.maxBytes {
		ready = append(ready, b.carve(b.maxBytes))
	}
	return ready, nil
}

// MarkUtteranceEnd emits the buffered remainder as a chunk when it has
// reached the minimum duration. Below the minimum the audio is held and
// false is returned.
func (b *Buffer) MarkUtteranceEnd() (engine.Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(b.data) < b.minBytes || len(b.data) == 0 {
		return engine.Chunk{}, false
	}
	return b.carve(len(b.data)), true
}

// Flush emits any buffered remainder regardless of size. The buffer remains
// usable; use Close for the terminal flush.
func (b *Buffer) Flush() (engine.Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(b.data) == 0 {
		return engine.Chunk{}, false
	}
	return b.carve(len(b.data)), true
}

// Close performs the terminal flush and marks the buffer closed. Subsequent
// Append calls fail with ErrClosed. Closing twice is safe; the second close
// emits nothing.
func (b *Buffer) Close() (engine.Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return engine.Chunk{}, false
	}
	b.closed = true
	if len(b.data) == 0 {
		return engine.Chunk{}, false
	}
	return b.carve(len(b.data)), true
}

// Reset drops all buffered audio. Sequence numbering continues so chunk
// order stays monotonic across a reset.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
}

// BufferedDuration returns the playback duration of currently held audio.
func (b *Buffer) BufferedDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	bps := b.format.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(len(b.data)) * time.Second / time.Duration(bps)
}

// carve cuts the first n buffered bytes into a chunk with the next sequence
// number. Must be called with b.mu held and n <= len(b.data).
func (b *Buffer) carve(n int) engine.Chunk {
	pcm := make([]byte, n)
	copy(pcm, b.data[:n])
	b.data = b.data[n:]

	c := engine.Chunk{
		SessionID: b.sessionID,
		Seq:       b.nextSeq,
		Format:    b.format,
		PCM:       pcm,
		Language:  b.language,
	}
	b.nextSeq++
	return c
}
