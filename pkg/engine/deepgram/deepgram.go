// Package deepgram provides a Deepgram-backed transcription engine using the
// Deepgram pre-recorded API. Each chunk is submitted as one POST to
// /v1/listen carrying raw PCM; the first alternative of the response becomes
// the fragment text.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sibylabs/sibyl/pkg/engine"
)

const (
	defaultBaseURL  = "https://api.deepgram.com"
	defaultModel    = "nova-3"
	defaultLanguage = "en"

	healthTimeout = 5 * time.Second
)

// Option is a functional option for configuring the Deepgram Engine.
type Option func(*Engine)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition,
// used when a chunk carries no language hint.
func WithLanguage(language string) Option {
	return func(e *Engine) {
		e.language = language
	}
}

// WithBaseURL overrides the API endpoint, for self-hosted Deepgram or tests.
func WithBaseURL(baseURL string) Option {
	return func(e *Engine) {
		e.baseURL = baseURL
	}
}

// WithHTTPClient replaces the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.client = c
	}
}

// Engine implements engine.Engine backed by the Deepgram pre-recorded API.
type Engine struct {
	id       string
	apiKey   string
	baseURL  string
	model    string
	language string
	client   *http.Client
}

var _ engine.Engine = (*Engine)(nil)

// New creates a Deepgram engine. apiKey must be non-empty.
func New(id, apiKey string, opts ...Option) (*Engine, error) {
	if id == "" {
		return nil, errors.New("deepgram: id must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	e := &Engine{
		id:       id,
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		model:    defaultModel,
		language: defaultLanguage,
		client:   http.DefaultClient,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// ID returns the engine identifier used for ranking and breaker keying.
func (e *Engine) ID() string { return e.id }

// Submit transcribes one audio chunk via a single pre-recorded API request.
func (e *Engine) Submit(ctx context.Context, chunk engine.Chunk) (engine.Fragment, error) {
	reqURL, err := e.buildURL(chunk)
	if err != nil {
		return engine.Fragment{}, engine.NewError(engine.KindUnsupportedFormat, e.id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(chunk.PCM))
	if err != nil {
		return engine.Fragment{}, engine.NewError(engine.KindNetwork, e.id, err)
	}
	req.Header.Set("Authorization", "Token "+e.apiKey)
	req.Header.Set("Content-Type", "audio/raw")

	resp, err := e.client.Do(req)
	if err != nil {
		return engine.Fragment{}, engine.NewError(engine.KindNetwork, e.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("deepgram: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		return engine.Fragment{}, engine.NewError(classifyStatus(resp.StatusCode), e.id, err)
	}

	text, confidence, err := parseListenResponse(resp.Body)
	if err != nil {
		return engine.Fragment{}, engine.NewError(engine.KindNetwork, e.id, err)
	}

	return engine.Fragment{
		Text:       text,
		IsFinal:    true,
		Confidence: confidence,
	}, nil
}

// HealthCheck probes the API with an authenticated projects listing. Any
// well-formed response, including an auth rejection, proves the backend is
// reachable and responding.
func (e *Engine) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/v1/projects", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Token "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// buildURL constructs the /v1/listen request URL for the given chunk.
func (e *Engine) buildURL(chunk engine.Chunk) (string, error) {
	u, err := url.Parse(e.baseURL + "/v1/listen")
	if err != nil {
		return "", err
	}

	lang := chunk.Language
	if lang == "" {
		lang = e.language
	}

	q := u.Query()
	q.Set("model", e.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(chunk.Format.SampleRate))
	if chunk.Format.Channels > 0 {
		q.Set("channels", strconv.Itoa(chunk.Format.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// classifyStatus maps an HTTP status to the failover taxonomy.
func classifyStatus(code int) engine.ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return engine.KindAuth
	case code == http.StatusTooManyRequests:
		return engine.KindRateLimited
	case code == http.StatusBadRequest || code == http.StatusUnsupportedMediaType:
		return engine.KindUnsupportedFormat
	default:
		return engine.KindNetwork
	}
}

// listenResponse is the JSON structure returned by the pre-recorded API.
type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseListenResponse extracts the first alternative of the first channel.
func parseListenResponse(r io.Reader) (text string, confidence float64, err error) {
	var resp listenResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return "", 0, fmt.Errorf("deepgram: decode response: %w", err)
	}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return "", 0, errors.New("deepgram: response contains no alternatives")
	}
	alt := resp.Results.Channels[0].Alternatives[0]
	return alt.Transcript, alt.Confidence, nil
}
