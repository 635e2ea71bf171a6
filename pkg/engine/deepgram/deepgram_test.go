package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/sibylabs/sibyl/pkg/engine"
)

var testChunk = engine.Chunk{
	SessionID: "sess-1",
	Seq:       3,
	Format:    engine.Format{Codec: engine.CodecPCM16, SampleRate: 16000, Channels: 1},
	PCM:       make([]byte, 3200),
	Language:  "en",
}

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	e, err := New("dg", "test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := e.buildURL(testChunk)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_LanguageFallsBackToDefault(t *testing.T) {
	e, err := New("dg", "key", WithModel("base"), WithLanguage("de-DE"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunk := testChunk
	chunk.Language = ""
	rawURL, err := e.buildURL(chunk)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "model", "base", u.Query().Get("model"))
	assertEqual(t, "language", "de-DE", u.Query().Get("language"))
}

func TestBuildURL_ChunkLanguageWins(t *testing.T) {
	e, err := New("dg", "key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunk := testChunk
	chunk.Language = "fr-FR"
	rawURL, err := e.buildURL(chunk)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

// ---- Submit tests ----

func TestSubmit_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token test-key" {
			t.Errorf("auth header = %q", got)
		}
		if r.URL.Path != "/v1/listen" {
			t.Errorf("path = %q, want /v1/listen", r.URL.Path)
		}
		w.Write([]byte(`{
			"results": {"channels": [{"alternatives": [
				{"transcript": "hello world", "confidence": 0.93}
			]}]}
		}`))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	frag, err := e.Submit(context.Background(), testChunk)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if frag.Text != "hello world" {
		t.Errorf("text = %q, want hello world", frag.Text)
	}
	if !frag.IsFinal {
		t.Error("pre-recorded results must be final")
	}
	if frag.Confidence != 0.93 {
		t.Errorf("confidence = %f, want 0.93", frag.Confidence)
	}
}

func TestSubmit_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   engine.ErrorKind
	}{
		{http.StatusUnauthorized, engine.KindAuth},
		{http.StatusForbidden, engine.KindAuth},
		{http.StatusTooManyRequests, engine.KindRateLimited},
		{http.StatusBadRequest, engine.KindUnsupportedFormat},
		{http.StatusInternalServerError, engine.KindNetwork},
		{http.StatusBadGateway, engine.KindNetwork},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))

		e := newTestEngine(t, srv.URL)
		_, err := e.Submit(context.Background(), testChunk)
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		var ee *engine.Error
		if !errors.As(err, &ee) {
			t.Fatalf("status %d: error %v is not classified", tt.status, err)
		}
		if ee.Kind != tt.want {
			t.Errorf("status %d: kind = %v, want %v", tt.status, ee.Kind, tt.want)
		}
		if ee.Engine != "dg" {
			t.Errorf("status %d: engine = %q, want dg", tt.status, ee.Engine)
		}
	}
}

func TestSubmit_TransportFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	e := newTestEngine(t, srv.URL)
	_, err := e.Submit(context.Background(), testChunk)
	if err == nil {
		t.Fatal("expected error against closed server")
	}
	if kind := engine.KindOf(err); kind != engine.KindNetwork {
		t.Errorf("kind = %v, want network", kind)
	}
}

func TestSubmit_EmptyAlternatives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":{"channels":[{"alternatives":[]}]}}`))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	_, err := e.Submit(context.Background(), testChunk)
	if err == nil {
		t.Fatal("expected error for empty alternatives")
	}
	if !strings.Contains(err.Error(), "no alternatives") {
		t.Errorf("unexpected error: %v", err)
	}
}

// ---- HealthCheck tests ----

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/projects" {
			t.Errorf("path = %q, want /v1/projects", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	if !e.HealthCheck(context.Background()) {
		t.Error("expected healthy against 200 response")
	}
}

func TestHealthCheck_ServerErrorUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	if e.HealthCheck(context.Background()) {
		t.Error("expected unhealthy against 503 response")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New("dg", ""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_EmptyID(t *testing.T) {
	if _, err := New("", "key"); err == nil {
		t.Error("expected error for empty engine ID")
	}
}

// ---- helpers ----

func newTestEngine(t *testing.T, baseURL string) *Engine {
	t.Helper()
	e, err := New("dg", "test-key", WithBaseURL(baseURL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
