package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sibylabs/sibyl/pkg/engine"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if len(cfg.Engines) == 0 {
		errs = append(errs, errors.New("engines must list at least one engine"))
	}
	idsSeen := make(map[string]int, len(cfg.Engines))
	for i, eng := range cfg.Engines {
		prefix := fmt.Sprintf("engines[%d]", i)
		if eng.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[eng.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of engines[%d]", prefix, eng.ID, prev))
			}
			idsSeen[eng.ID] = i
		}
		if !eng.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: deepgram, openai, whisper", prefix, eng.Kind))
			continue
		}
		switch eng.Kind {
		case EngineDeepgram, EngineOpenAI:
			if eng.APIKey == "" {
				errs = append(errs, fmt.Errorf("%s.api_key is required for kind %q", prefix, eng.Kind))
			}
		case EngineWhisper:
			if eng.Model == "" {
				errs = append(errs, fmt.Errorf("%s.model (model file path) is required for kind whisper", prefix))
			}
		}
	}

	if cfg.Buffer.MinChunkMs < 0 || cfg.Buffer.MaxChunkMs < 0 {
		errs = append(errs, errors.New("buffer chunk durations must not be negative"))
	}
	if cfg.Buffer.MinChunkMs > 0 && cfg.Buffer.MaxChunkMs > 0 && cfg.Buffer.MinChunkMs > cfg.Buffer.MaxChunkMs {
		errs = append(errs, fmt.Errorf("buffer.min_chunk_ms %d exceeds buffer.max_chunk_ms %d", cfg.Buffer.MinChunkMs, cfg.Buffer.MaxChunkMs))
	}

	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, errors.New("breaker.max_failures must not be negative"))
	}

	if cfg.Audio.Codec != "" && !engine.Codec(cfg.Audio.Codec).IsValid() {
		errs = append(errs, fmt.Errorf("audio.codec %q is invalid; valid values: pcm16, opus", cfg.Audio.Codec))
	}
	if cfg.Audio.SampleRate < 0 || cfg.Audio.Channels < 0 {
		errs = append(errs, errors.New("audio.sample_rate and audio.channels must not be negative"))
	}

	return errors.Join(errs...)
}
