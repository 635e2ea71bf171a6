// Package ingress terminates the streaming session protocol: one WebSocket
// connection per session, carrying binary audio frames inbound and JSON
// events outbound, with small JSON control messages for configuration and
// lifecycle.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/sibylabs/sibyl/internal/buffer"
	"github.com/sibylabs/sibyl/internal/observe"
	"github.com/sibylabs/sibyl/internal/session"
	"github.com/sibylabs/sibyl/internal/status"
	"github.com/sibylabs/sibyl/pkg/audio"
	"github.com/sibylabs/sibyl/pkg/engine"
)

// writeTimeout bounds a single outbound event write.
const writeTimeout = 10 * time.Second

// controlMessage is the inbound JSON control envelope.
type controlMessage struct {
	Type string `json:"type"`

	// Configure payload. A configure message may be partial: absent fields
	// carry the connection's current values forward, and the resulting full
	// configuration is applied in one step.
	Codec      string `json:"codec,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Language   string `json:"language,omitempty"`
	MinChunkMs int    `json:"min_chunk_ms,omitempty"`
	MaxChunkMs int    `json:"max_chunk_ms,omitempty"`
}

// helloMessage announces the session ID as the first outbound event.
type helloMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// statusMessage answers a get-status control message in-band.
type statusMessage struct {
	Type string `json:"type"`
	status.Snapshot
}

// errorMessage reports a rejected control or audio frame without closing the
// stream.
type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler serves GET /v1/stream.
type Handler struct {
	manager *session.Manager
	status  *status.Handler
	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates the streaming ingress handler. metrics may be nil.
func New(manager *session.Manager, st *status.Handler, metrics *observe.Metrics, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{manager: manager, status: st, metrics: metrics, log: log}
}

// Register adds the /v1/stream route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stream", h.ServeHTTP)
}

// ServeHTTP upgrades the connection and runs the session until either side
// closes. Initial audio parameters come from query parameters; a configure
// control message may change them mid-stream.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := openRequestFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20) // audio frames are small; 1 MiB is generous

	sess, err := h.manager.Open(req)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	c := &client{
		handler:  h,
		conn:     conn,
		sess:     sess,
		format:   effectiveFormat(req, h.manager),
		language: req.Language,
	}
	c.run(r.Context())
}

// openRequestFromQuery builds the session open request from query parameters.
// Absent parameters fall back to the manager defaults.
func openRequestFromQuery(r *http.Request) (session.OpenRequest, error) {
	q := r.URL.Query()
	req := session.OpenRequest{Language: q.Get("language")}

	if codec := q.Get("codec"); codec != "" {
		req.Format.Codec = engine.Codec(codec)
		if !req.Format.Codec.IsValid() {
			return session.OpenRequest{}, fmt.Errorf("unknown codec %q", codec)
		}
		var err error
		if req.Format.SampleRate, err = intParam(q.Get("sample_rate"), 16000); err != nil {
			return session.OpenRequest{}, err
		}
		if req.Format.Channels, err = intParam(q.Get("channels"), 1); err != nil {
			return session.OpenRequest{}, err
		}
	}
	return req, nil
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid numeric parameter %q", s)
	}
	return v, nil
}

func effectiveFormat(req session.OpenRequest, _ *session.Manager) engine.Format {
	if req.Format.SampleRate > 0 {
		return req.Format
	}
	return engine.Format{Codec: engine.CodecPCM16, SampleRate: 16000, Channels: 1}
}

// client is one live WebSocket connection bound to one session.
type client struct {
	handler *Handler
	conn    *websocket.Conn
	sess    *session.Session

	format   engine.Format
	language string
	decoder  *audio.OpusDecoder
}

func (c *client) run(ctx context.Context) {
	log := c.handler.log.With("session", c.sess.ID())
	defer c.handler.manager.Close(c.sess.ID())

	if err := c.writeJSON(ctx, helloMessage{Type: "session", SessionID: c.sess.ID()}); err != nil {
		log.Warn("hello write failed", "error", err)
		return
	}

	// Egress pump: session events out to the socket. Ends when the session's
	// event channel closes.
	egressDone := make(chan struct{})
	go func() {
		defer close(egressDone)
		for ev := range c.sess.Events() {
			if ev.Type == session.EventBufferPressure && c.handler.metrics != nil {
				c.handler.metrics.BufferPressure.Add(ctx, 1)
			}
			if err := c.writeJSON(ctx, ev); err != nil {
				log.Debug("event write failed, dropping consumer", "error", err)
				return
			}
		}
	}()

	// Ingest loop: binary frames are audio, text frames are control.
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			st := websocket.CloseStatus(err)
			if st == websocket.StatusNormalClosure || st == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				log.Info("stream closed by peer")
			} else {
				log.Warn("stream read failed", "error", err)
			}
			break
		}

		switch typ {
		case websocket.MessageBinary:
			if err := c.ingestAudio(data); err != nil {
				c.reportError(ctx, "ingest", err)
			}
		case websocket.MessageText:
			if err := c.handleControl(ctx, data); err != nil {
				c.reportError(ctx, "control", err)
			}
		}
	}

	// Close flushes the buffer and drains in-flight work; the egress pump
	// sees the channel close and exits.
	c.handler.manager.Close(c.sess.ID())
	<-egressDone
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// ingestAudio decodes Opus frames when configured and feeds PCM to the
// session buffer.
func (c *client) ingestAudio(data []byte) error {
	pcm := data
	if c.format.Codec == engine.CodecOpus {
		if c.decoder == nil {
			dec, err := audio.NewOpusDecoder(c.format.SampleRate, c.format.Channels)
			if err != nil {
				return err
			}
			c.decoder = dec
		}
		decoded, err := c.decoder.Decode(data)
		if err != nil {
			return err
		}
		pcm = decoded
	}
	return c.sess.Ingest(pcm)
}

func (c *client) handleControl(ctx context.Context, data []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("malformed control message: %w", err)
	}

	switch msg.Type {
	case "configure":
		return c.configure(msg)
	case "end-of-utterance":
		return c.sess.MarkUtteranceEnd()
	case "flush":
		return c.sess.Flush()
	case "reset":
		return c.sess.Reset()
	case "get-status":
		return c.writeJSON(ctx, statusMessage{Type: "status", Snapshot: c.handler.status.Snapshot()})
	default:
		return fmt.Errorf("unknown control type %q", msg.Type)
	}
}

// configure applies mid-stream format, language, and chunking changes.
// Fields absent from the message keep their current values; the merged
// configuration then replaces the session's in a single Reconfigure call, so
// a partial message never leaves the session half-updated.
func (c *client) configure(msg controlMessage) error {
	format := c.format
	if msg.Codec != "" {
		format.Codec = engine.Codec(msg.Codec)
		if !format.Codec.IsValid() {
			return fmt.Errorf("unknown codec %q", msg.Codec)
		}
	}
	if msg.SampleRate > 0 {
		format.SampleRate = msg.SampleRate
	}
	if msg.Channels > 0 {
		format.Channels = msg.Channels
	}

	language := c.language
	if msg.Language != "" {
		language = msg.Language
	}

	cfg := buffer.Config{
		MinChunk: time.Duration(msg.MinChunkMs) * time.Millisecond,
		MaxChunk: time.Duration(msg.MaxChunkMs) * time.Millisecond,
	}
	if err := c.sess.Reconfigure(format, language, cfg); err != nil {
		return err
	}

	// The decoder is rebuilt lazily against the new format.
	c.format = format
	c.language = language
	c.decoder = nil
	return nil
}

func (c *client) reportError(ctx context.Context, code string, err error) {
	c.handler.log.Warn("stream operation rejected",
		"session", c.sess.ID(), "code", code, "error", err)
	_ = c.writeJSON(ctx, errorMessage{Type: "error", Code: code, Message: err.Error()})
}

func (c *client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}
