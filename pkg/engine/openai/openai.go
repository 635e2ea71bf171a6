// Package openai provides a transcription engine backed by the OpenAI audio
// transcriptions API. PCM chunks are wrapped in a WAV container and submitted
// one request per chunk.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/sibylabs/sibyl/pkg/engine"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = "whisper-1"

var _ engine.Engine = (*Engine)(nil)

// Engine implements engine.Engine using the OpenAI API.
type Engine struct {
	id     string
	client oai.Client
	model  string
}

// config holds optional configuration for the engine.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, for compatible
// self-hosted endpoints or tests.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs an OpenAI transcription engine. If model is empty,
// DefaultModel (whisper-1) is used.
func New(id, apiKey, model string, opts ...Option) (*Engine, error) {
	if id == "" {
		return nil, fmt.Errorf("openai: id must not be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Engine{
		id:     id,
		client: oai.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// ID returns the engine identifier used for ranking and breaker keying.
func (e *Engine) ID() string { return e.id }

// Submit transcribes one audio chunk. The transcriptions endpoint does not
// accept headerless PCM, so the chunk is wrapped in a minimal WAV container.
func (e *Engine) Submit(ctx context.Context, chunk engine.Chunk) (engine.Fragment, error) {
	wav, err := wrapWAV(chunk.PCM, chunk.Format.SampleRate, chunk.Format.Channels)
	if err != nil {
		return engine.Fragment{}, engine.NewError(engine.KindUnsupportedFormat, e.id, err)
	}

	params := oai.AudioTranscriptionNewParams{
		Model: e.model,
		File:  oai.File(bytes.NewReader(wav), "chunk.wav", "audio/wav"),
	}
	if chunk.Language != "" {
		params.Language = param.NewOpt(chunk.Language)
	}

	resp, err := e.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return engine.Fragment{}, engine.NewError(classify(err), e.id, err)
	}

	return engine.Fragment{
		Text:    resp.Text,
		IsFinal: true,
	}, nil
}

// HealthCheck probes the API by listing models with a short deadline.
func (e *Engine) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := e.client.Models.List(ctx)
	if err == nil {
		return true
	}
	// An auth rejection still proves the backend is up and answering.
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode < http.StatusInternalServerError
	}
	return false
}

// classify maps an SDK error to the failover taxonomy.
func classify(err error) engine.ErrorKind {
	var apierr *oai.Error
	if !errors.As(err, &apierr) {
		return engine.KindNetwork
	}
	switch {
	case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
		return engine.KindAuth
	case apierr.StatusCode == http.StatusTooManyRequests:
		return engine.KindRateLimited
	case apierr.StatusCode == http.StatusBadRequest || apierr.StatusCode == http.StatusUnsupportedMediaType:
		return engine.KindUnsupportedFormat
	default:
		return engine.KindNetwork
	}
}

// wrapWAV prepends a canonical 44-byte RIFF/WAVE header for 16-bit PCM.
func wrapWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("openai: invalid format: %d Hz, %d channels", sampleRate, channels)
	}

	const headerLen = 44
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	buf := bytes.NewBuffer(make([]byte, 0, headerLen+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(16)) // bits per sample
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes(), nil
}
