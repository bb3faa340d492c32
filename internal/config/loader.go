package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidResponderNames lists the responder names shipped with the server.
// Used by [Validate] to warn about unrecognised names before the registry
// lookup fails at startup.
var ValidResponderNames = []string{"gemini", "openai", "echo"}

// Load reads the YAML configuration file at path, overlays it onto
// [Default], applies environment overrides, and validates the result.
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

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills credentials from the environment when the file omits them.
// The responder-specific variable wins over the generic one.
func applyEnv(cfg *Config) {
	if cfg.Responder.APIKey != "" {
		return
	}
	switch cfg.Responder.Name {
	case "gemini":
		cfg.Responder.APIKey = os.Getenv("GEMINI_API_KEY")
	case "openai":
		cfg.Responder.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Responder.APIKey == "" {
		cfg.Responder.APIKey = os.Getenv("SIGHTLINE_API_KEY")
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.StatusInterval < 0 {
		errs = append(errs, fmt.Errorf("server.status_interval %v must not be negative", cfg.Server.StatusInterval))
	}
	if cfg.Server.CaptureFPS <= 0 {
		errs = append(errs, fmt.Errorf("server.capture_fps %v must be positive", cfg.Server.CaptureFPS))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Buffers
	if cfg.Pipeline.Buffer.MaxFrames <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.buffer.max_frames %d must be positive", cfg.Pipeline.Buffer.MaxFrames))
	}
	if cfg.Pipeline.Buffer.MaxAudioChunks <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.buffer.max_audio_chunks %d must be positive", cfg.Pipeline.Buffer.MaxAudioChunks))
	}

	// VAD
	vad := cfg.Pipeline.VAD
	if vad.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad.frame_ms %d must be positive", vad.FrameMs))
	}
	if vad.MinSpeechMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad.min_speech_ms %d must be positive", vad.MinSpeechMs))
	}
	if vad.EndSilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad.end_silence_ms %d must be positive", vad.EndSilenceMs))
	}
	if vad.PreRollMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad.pre_roll_ms %d must not be negative", vad.PreRollMs))
	}
	if vad.PostRollMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad.post_roll_ms %d must not be negative", vad.PostRollMs))
	}
	if vad.AmplitudeThreshold <= 0 || vad.AmplitudeThreshold >= 1 {
		errs = append(errs, fmt.Errorf("pipeline.vad.amplitude_threshold %.3f is out of range (0, 1)", vad.AmplitudeThreshold))
	}

	// Encode
	enc := cfg.Pipeline.Encode
	if enc.TargetFPS <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.encode.target_fps %v must be positive", enc.TargetFPS))
	}
	if enc.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.encode.timeout %v must be positive", enc.Timeout))
	}
	if enc.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.encode.max_concurrent %d must be positive", enc.MaxConcurrent))
	}

	// Finalize
	fin := cfg.Pipeline.Finalize
	if fin.TranscriptWait <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.finalize.transcript_wait %v must be positive", fin.TranscriptWait))
	}
	if fin.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.finalize.poll_interval %v must be positive", fin.PollInterval))
	}
	if fin.PollInterval > fin.TranscriptWait && fin.TranscriptWait > 0 {
		errs = append(errs, fmt.Errorf("pipeline.finalize.poll_interval %v exceeds transcript_wait %v", fin.PollInterval, fin.TranscriptWait))
	}
	if fin.WindowEpsilonMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.finalize.window_epsilon_ms %v must not be negative", fin.WindowEpsilonMs))
	}

	// Responder
	if cfg.Responder.Name == "" {
		errs = append(errs, errors.New("responder.name is required"))
	} else if !slices.Contains(ValidResponderNames, cfg.Responder.Name) {
		slog.Warn("unknown responder name, registry lookup may fail",
			"name", cfg.Responder.Name,
			"known", ValidResponderNames,
		)
	}
	if cfg.Responder.Name != "" && cfg.Responder.Name != "echo" && cfg.Responder.APIKey == "" {
		slog.Warn("responder has no API key configured, startup will fall back to echo",
			"name", cfg.Responder.Name,
		)
	}

	return errors.Join(errs...)
}
