// Package status exposes the polled operational snapshot: active session
// count, per-engine circuit-breaker state, and recent failure rates.
package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sibylabs/sibyl/internal/resilience"
)

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Count() int
}

// EngineStatus is the point-in-time view of one engine's health record.
type EngineStatus struct {
	State               string  `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	WindowSuccesses     int     `json:"window_successes"`
	WindowFailures      int     `json:"window_failures"`
	FailureRate         float64 `json:"failure_rate"`
	LastStateChange     string  `json:"last_state_change,omitempty"`
}

// Snapshot is the full status response body.
type Snapshot struct {
	ActiveSessions int                     `json:"active_sessions"`
	Engines        map[string]EngineStatus `json:"engines"`
	GeneratedAt    time.Time               `json:"generated_at"`
}

// Handler serves GET /v1/status.
type Handler struct {
	sessions SessionCounter
	breakers *resilience.Registry
}

// New creates a status handler over the given session counter and breaker
// registry.
func New(sessions SessionCounter, breakers *resilience.Registry) *Handler {
	return &Handler{sessions: sessions, breakers: breakers}
}

// Snapshot assembles the current operational view.
func (h *Handler) Snapshot() Snapshot {
	snaps := h.breakers.SnapshotAll()
	engines := make(map[string]EngineStatus, len(snaps))
	for id, s := range snaps {
		es := EngineStatus{
			State:               s.State.String(),
			ConsecutiveFailures: s.ConsecutiveFailures,
			WindowSuccesses:     s.WindowSuccesses,
			WindowFailures:      s.WindowFailures,
			FailureRate:         s.FailureRate,
		}
		if !s.LastStateChange.IsZero() {
			es.LastStateChange = s.LastStateChange.UTC().Format(time.RFC3339)
		}
		engines[id] = es
	}
	return Snapshot{
		ActiveSessions: h.sessions.Count(),
		Engines:        engines,
		GeneratedAt:    time.Now().UTC(),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(h.Snapshot()); err != nil {
		http.Error(w, `{"error":"encode status"}`, http.StatusInternalServerError)
	}
}

// Register adds the /v1/status route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/status", h)
}
