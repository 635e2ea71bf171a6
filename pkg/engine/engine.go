// Package engine defines the Engine interface for speech-to-text backends.
//
// An engine wraps a transcription service (a cloud API such as Deepgram or
// OpenAI, or a local whisper.cpp model) behind one uniform capability:
// submit a bounded chunk of audio, receive a transcript fragment, and answer
// out-of-band liveness probes. The orchestrator holds a ranked list of
// engines and treats them as interchangeable; all engine-specific behaviour
// is confined to the implementations under this package.
//
// Implementations must be safe for concurrent use. A single engine may serve
// many sessions at once; it must never assume chunks from different sessions
// arrive in any particular order.
package engine

import (
	"context"
	"time"
)

// Codec identifies the encoding of audio bytes arriving at the ingress.
// Engines always receive decoded PCM; the codec tag travels with the chunk
// so that format mismatches can be diagnosed.
type Codec string

const (
	// CodecPCM16 is 16-bit signed little-endian PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus is Opus-encoded frames, decoded to PCM at the ingress.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a recognised codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM16 || c == CodecOpus
}

// Format describes the audio format of a chunk's PCM payload.
type Format struct {
	// Codec is the ingress encoding the audio arrived in.
	Codec Codec

	// SampleRate is the sample rate in Hz (e.g., 16000, 48000).
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int
}

// BytesPerSecond returns the PCM byte rate for this format, assuming 16-bit
// samples. Returns 0 for a zero-value format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Chunk is a bounded unit of audio submitted to an engine in one request.
// Chunks carry a per-session monotonically increasing sequence number; the
// session manager guarantees an engine never sees two chunks of the same
// session concurrently.
type Chunk struct {
	// SessionID identifies the owning session.
	SessionID string

	// Seq is the chunk's sequence number within its session. Strictly
	// increasing; fragments produced from this chunk inherit it.
	Seq uint64

	// Format describes the PCM payload.
	Format Format

	// PCM is the raw 16-bit little-endian audio payload.
	PCM []byte

	// Language is the BCP-47 recognition hint (e.g., "en", "de-DE").
	// Empty lets the engine auto-detect where supported.
	Language string
}

// Duration returns the playback duration of the chunk's PCM payload.
func (c Chunk) Duration() time.Duration {
	bps := c.Format.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(len(c.PCM)) * time.Second / time.Duration(bps)
}

// Fragment is a unit of returned transcript text. Once a fragment with
// IsFinal=true has been emitted for an audio span, no further fragment may be
// emitted for that span.
type Fragment struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal marks the fragment as authoritative for its audio span.
	IsFinal bool

	// Seq is the sequence number of the chunk the fragment was produced
	// from. Filled by the orchestrator.
	Seq uint64

	// EngineID names the engine that produced the fragment. Filled by the
	// orchestrator.
	EngineID string

	// Confidence is the engine-reported confidence (0.0–1.0), zero when the
	// engine does not report one.
	Confidence float64
}

// Engine is the abstraction over any transcription backend.
//
// Implementations must be safe for concurrent use from multiple sessions.
type Engine interface {
	// ID returns the engine's stable identifier (e.g., "deepgram",
	// "whisper-local"). Used for ranking, circuit-breaker keying, and the
	// EngineID field of fragments.
	ID() string

	// Submit transcribes one audio chunk. The call must respect ctx
	// cancellation and deadlines; the orchestrator bounds every attempt
	// with a timeout. Errors should be *Error values so the orchestrator
	// can apply the failover taxonomy; unclassified errors are treated as
	// transient network failures.
	Submit(ctx context.Context, chunk Chunk) (Fragment, error)

	// HealthCheck probes the backend out of band. It is advisory: the
	// orchestrator's background prober calls it against engines whose
	// circuit breaker is open, but the result never mutates breaker state.
	HealthCheck(ctx context.Context) bool
}
