package session

import "github.com/sibylabs/sibyl/pkg/engine"

// EventType discriminates the events a session emits to its caller.
type EventType string

const (
	// EventPartial carries interim transcript text for an audio span.
	EventPartial EventType = "partial"

	// EventFinal carries authoritative transcript text for an audio span.
	// No further fragment is emitted for the same span afterwards.
	EventFinal EventType = "final"

	// EventEngineSwitch fires when the engine serving the session changes
	// from the previous chunk's engine.
	EventEngineSwitch EventType = "engine-switch"

	// EventError reports a chunk that could not be transcribed. The session
	// stays alive; subsequent chunks are still processed.
	EventError EventType = "error"

	// EventBufferPressure signals that submission is falling behind audio
	// arrival. Audio is still accepted; the caller may throttle or drop.
	EventBufferPressure EventType = "buffer-pressure"
)

// Event is one egress message from a session. Exactly one of the payload
// groups is populated, according to Type.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`

	// Fragment payload for partial and final events.
	Text       string  `json:"text,omitempty"`
	Seq        uint64  `json:"seq,omitempty"`
	EngineID   string  `json:"engine_id,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// Engine-switch payload.
	PrevEngine string `json:"prev_engine,omitempty"`

	// Error payload.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Buffer-pressure payload: chunks queued beyond the in-flight limit.
	QueuedChunks int `json:"queued_chunks,omitempty"`
}

func partialEvent(sessionID string, frag engine.Fragment) Event {
	return Event{
		Type:       EventPartial,
		SessionID:  sessionID,
		Text:       frag.Text,
		Seq:        frag.Seq,
		EngineID:   frag.EngineID,
		Confidence: frag.Confidence,
	}
}

func finalEvent(sessionID string, frag engine.Fragment) Event {
	ev := partialEvent(sessionID, frag)
	ev.Type = EventFinal
	return ev
}
