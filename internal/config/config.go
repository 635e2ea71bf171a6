// Package config provides the configuration schema and loader for the Sibyl
// transcription server.
package config

// LogLevel controls log verbosity for the Sibyl server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// EngineKind selects an engine adapter implementation.
type EngineKind string

const (
	// EngineDeepgram uses the Deepgram pre-recorded API.
	EngineDeepgram EngineKind = "deepgram"

	// EngineOpenAI uses the OpenAI audio transcriptions API.
	EngineOpenAI EngineKind = "openai"

	// EngineWhisper uses a local whisper.cpp model.
	EngineWhisper EngineKind = "whisper"
)

// IsValid reports whether k is a recognised engine kind.
func (k EngineKind) IsValid() bool {
	switch k {
	case EngineDeepgram, EngineOpenAI, EngineWhisper:
		return true
	}
	return false
}

// Config is the root configuration structure for Sibyl. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engines    []EngineConfig   `yaml:"engines"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Session    SessionConfig    `yaml:"session"`
	Audio      AudioConfig      `yaml:"audio"`
	Transcript TranscriptConfig `yaml:"transcript"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// EngineConfig declares one transcription engine. The list order is the
// orchestrator's preference order: the first entry serves every chunk unless
// its circuit breaker says otherwise.
type EngineConfig struct {
	// ID is the engine's unique identifier, used in events, metrics, and
	// breaker records. Required.
	ID string `yaml:"id"`

	// Kind selects the adapter implementation. Required.
	Kind EngineKind `yaml:"kind"`

	// APIKey authenticates against cloud engines. Required for deepgram and
	// openai.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the engine's API endpoint, for self-hosted or
	// compatible deployments.
	BaseURL string `yaml:"base_url"`

	// Model names the engine-specific model: a Deepgram model name, an
	// OpenAI transcription model, or a whisper.cpp model file path.
	Model string `yaml:"model"`

	// Language is the engine-level default language hint.
	Language string `yaml:"language"`

	// MaxConcurrent bounds concurrent inferences on the whisper engine.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// BufferConfig holds the default chunking thresholds for new sessions.
type BufferConfig struct {
	// MinChunkMs is the smallest duration worth submitting on an
	// end-of-utterance marker. Default: 500.
	MinChunkMs int `yaml:"min_chunk_ms"`

	// MaxChunkMs is the duration at which a chunk is emitted regardless of
	// utterance boundaries. Default: 3000.
	MaxChunkMs int `yaml:"max_chunk_ms"`

	// InFlightLimit is the queued-chunk count past which buffer pressure is
	// signalled. Default: 4.
	InFlightLimit int `yaml:"in_flight_limit"`
}

// BreakerConfig holds per-engine circuit-breaker thresholds.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens a breaker.
	// Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeoutMs is the Open cooldown before a half-open probe.
	// Default: 30000.
	ResetTimeoutMs int `yaml:"reset_timeout_ms"`

	// WindowMs is the rolling window for failure-rate reporting.
	// Default: 60000.
	WindowMs int `yaml:"window_ms"`
}

// SessionConfig holds session lifecycle timings.
type SessionConfig struct {
	// IdleTimeoutMs auto-closes sessions with no activity. Default: 120000.
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`

	// SubmitTimeoutMs bounds each engine attempt. Default: 10000.
	SubmitTimeoutMs int `yaml:"submit_timeout_ms"`

	// RateLimitRetries is the per-engine retry budget on rate limits.
	// Default: 1.
	RateLimitRetries int `yaml:"rate_limit_retries"`

	// RateLimitBackoffMs is the wait between rate-limit retries.
	// Default: 500.
	RateLimitBackoffMs int `yaml:"rate_limit_backoff_ms"`

	// ProbeIntervalMs is the advisory health-prober cadence. Default: 15000.
	ProbeIntervalMs int `yaml:"probe_interval_ms"`

	// CloseGraceMs bounds how long a closing session waits for in-flight
	// work. Default: 15000.
	CloseGraceMs int `yaml:"close_grace_ms"`
}

// AudioConfig holds the default ingress audio format.
type AudioConfig struct {
	// Codec is "pcm16" or "opus". Default: "pcm16".
	Codec string `yaml:"codec"`

	// SampleRate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the interleaved channel count. Default: 1.
	Channels int `yaml:"channels"`

	// Language is the default recognition hint for new sessions.
	Language string `yaml:"language"`
}

// TranscriptConfig enables fragment persistence.
type TranscriptConfig struct {
	// PostgresDSN is the connection string for the transcript store. Empty
	// disables persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}
