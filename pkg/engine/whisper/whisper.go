// Package whisper provides a local transcription engine backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once and shared across all sessions; each Submit runs
// inference in a fresh whisper context because contexts are not safe for
// concurrent use.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/sibylabs/sibyl/pkg/audio"
	"github.com/sibylabs/sibyl/pkg/engine"
)

const (
	defaultLanguage      = "en"
	defaultMaxConcurrent = 2
)

var _ engine.Engine = (*Engine)(nil)

// Engine implements engine.Engine using whisper.cpp Go bindings (CGO),
// eliminating network overhead entirely.
type Engine struct {
	id       string
	model    whisperlib.Model
	language string

	// sem bounds concurrent inferences; native inference is CPU-bound and
	// unbounded parallelism degrades every session at once.
	sem *semaphore.Weighted
}

// Option is a functional option for configuring a whisper Engine.
type Option func(*Engine)

// WithLanguage sets the default transcription language (e.g., "en", "de"),
// used when a chunk carries no language hint. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithMaxConcurrent bounds the number of simultaneous inferences.
// Defaults to 2.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// New creates a whisper engine that loads the model from the given file path.
// The caller must call Close when the engine is no longer needed.
func New(id, modelPath string, opts ...Option) (*Engine, error) {
	if id == "" {
		return nil, errors.New("whisper: id must not be empty")
	}
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		id:       id,
		model:    model,
		language: defaultLanguage,
		sem:      semaphore.NewWeighted(defaultMaxConcurrent),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// ID returns the engine identifier used for ranking and breaker keying.
func (e *Engine) ID() string { return e.id }

// Submit runs native inference on one audio chunk. whisper.cpp expects 16 kHz
// float32 mono; multi-channel input is downmixed by channel averaging and
// other sample rates are resampled. Only a chunk with no usable rate at all
// is rejected as unsupported.
func (e *Engine) Submit(ctx context.Context, chunk engine.Chunk) (engine.Fragment, error) {
	if chunk.Format.SampleRate <= 0 {
		err := fmt.Errorf("whisper: chunk carries no sample rate")
		return engine.Fragment{}, engine.NewError(engine.KindUnsupportedFormat, e.id, err)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return engine.Fragment{}, engine.NewError(engine.KindNetwork, e.id, err)
	}
	defer e.sem.Release(1)

	samples := audio.PCMToFloat32Mono(chunk.PCM, chunk.Format.Channels)
	samples = audio.Resample(samples, chunk.Format.SampleRate, whisperlib.SampleRate)

	lang := chunk.Language
	if lang == "" {
		lang = e.language
	}

	text, err := e.infer(samples, lang)
	if err != nil {
		return engine.Fragment{}, engine.NewError(engine.KindNetwork, e.id, err)
	}

	return engine.Fragment{
		Text:    text,
		IsFinal: true,
	}, nil
}

// HealthCheck reports whether the model is loaded. A local model has no
// out-of-band liveness to probe.
func (e *Engine) HealthCheck(_ context.Context) bool {
	return e.model != nil
}

// Close releases the whisper model.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// infer runs whisper.cpp inference using a fresh context and returns the
// concatenated segment text.
func (e *Engine) infer(samples []float32, language string) (string, error) {
	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}
