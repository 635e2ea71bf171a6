package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sibylabs/sibyl/internal/resilience"
)

type fixedCounter int

func (c fixedCounter) Count() int { return int(c) }

func TestSnapshot(t *testing.T) {
	reg := resilience.NewRegistry(resilience.BreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	reg.Allow("deepgram")
	reg.Record("deepgram", false) // trips
	reg.Allow("whisper-local")
	reg.Record("whisper-local", true)

	h := New(fixedCounter(3), reg)
	snap := h.Snapshot()

	if snap.ActiveSessions != 3 {
		t.Errorf("active sessions = %d, want 3", snap.ActiveSessions)
	}
	if len(snap.Engines) != 2 {
		t.Fatalf("engines = %d, want 2", len(snap.Engines))
	}
	if got := snap.Engines["deepgram"].State; got != "open" {
		t.Errorf("deepgram state = %q, want open", got)
	}
	if got := snap.Engines["whisper-local"].State; got != "closed" {
		t.Errorf("whisper-local state = %q, want closed", got)
	}
	if got := snap.Engines["deepgram"].FailureRate; got != 1 {
		t.Errorf("deepgram failure rate = %f, want 1", got)
	}
}

func TestServeHTTP(t *testing.T) {
	reg := resilience.NewRegistry(resilience.BreakerConfig{})
	reg.Record("a", true)

	mux := http.NewServeMux()
	New(fixedCounter(1), reg).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ActiveSessions != 1 {
		t.Errorf("active sessions = %d, want 1", snap.ActiveSessions)
	}
	if _, ok := snap.Engines["a"]; !ok {
		t.Error("engine a missing from snapshot")
	}
}
