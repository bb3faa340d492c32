// Package config provides the configuration schema and loader for the
// Sightline server.
package config

import "time"

// LogLevel controls log verbosity for the Sightline server.
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

// Config is the root configuration structure for Sightline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Responder ResponderConfig `yaml:"responder"`
}

// ServerConfig holds network and logging settings for the Sightline server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// StatusInterval is the period between status pings sent to each
	// connected client.
	StatusInterval time.Duration `yaml:"status_interval"`

	// CaptureFPS is the frame capture rate pushed to clients after init.
	CaptureFPS float64 `yaml:"capture_fps"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// PipelineConfig tunes the per-connection segmentation pipeline.
type PipelineConfig struct {
	Buffer   BufferConfig   `yaml:"buffer"`
	VAD      VADConfig      `yaml:"vad"`
	Encode   EncodeConfig   `yaml:"encode"`
	Finalize FinalizeConfig `yaml:"finalize"`
}

// BufferConfig bounds the per-connection media buffers.
type BufferConfig struct {
	// MaxFrames caps buffered video frames per connection.
	MaxFrames int `yaml:"max_frames"`

	// MaxAudioChunks caps buffered audio chunks per connection.
	MaxAudioChunks int `yaml:"max_audio_chunks"`
}

// VADConfig tunes the speech segmenter.
type VADConfig struct {
	// FrameMs is the analysis frame length in milliseconds.
	FrameMs int `yaml:"frame_ms"`

	// MinSpeechMs is the accumulated speech needed to open a segment.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// EndSilenceMs is the accumulated silence that closes a segment.
	EndSilenceMs int `yaml:"end_silence_ms"`

	// PreRollMs is context prepended before detected speech onset.
	PreRollMs int `yaml:"pre_roll_ms"`

	// PostRollMs is context appended after the last speech frame.
	PostRollMs int `yaml:"post_roll_ms"`

	// AmplitudeThreshold is the normalised mean-amplitude speech threshold
	// in [0, 1].
	AmplitudeThreshold float64 `yaml:"amplitude_threshold"`
}

// EncodeConfig tunes segment media encoding.
type EncodeConfig struct {
	// TargetFPS is the frame rate of the encoded artifact.
	TargetFPS float64 `yaml:"target_fps"`

	// FFmpegPath overrides the muxer binary resolved on PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// Timeout bounds one external mux invocation.
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrent caps encodes running at once across all connections.
	MaxConcurrent int `yaml:"max_concurrent"`

	// TempRoot is the parent directory for per-segment scratch dirs.
	// Empty means the system temp dir.
	TempRoot string `yaml:"temp_root"`
}

// FinalizeConfig tunes segment finalization timing.
type FinalizeConfig struct {
	// TranscriptWait bounds how long finalize waits for a transcript.
	TranscriptWait time.Duration `yaml:"transcript_wait"`

	// PollInterval is the transcript re-check interval.
	PollInterval time.Duration `yaml:"poll_interval"`

	// WindowEpsilonMs widens the transcript match window on both sides.
	WindowEpsilonMs float64 `yaml:"window_epsilon_ms"`
}

// ResponderConfig selects and configures the AI responder backend. The Name
// field is used to look up the factory in the responder registry.
type ResponderConfig struct {
	// Name selects the registered responder (e.g., "gemini", "openai", "echo").
	Name string `yaml:"name"`

	// APIKey authenticates against the backend. May also be supplied via
	// the GEMINI_API_KEY or OPENAI_API_KEY environment variables.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend.
	Model string `yaml:"model"`

	// SystemPrompt overrides the built-in assistant prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// Default returns a Config populated with production defaults. Loading a
// file overlays onto these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			LogLevel:       LogInfo,
			StatusInterval: 5 * time.Second,
			CaptureFPS:     1,
		},
		Pipeline: PipelineConfig{
			Buffer: BufferConfig{
				MaxFrames:      300,
				MaxAudioChunks: 1000,
			},
			VAD: VADConfig{
				FrameMs:            30,
				MinSpeechMs:        300,
				EndSilenceMs:       800,
				PreRollMs:          200,
				PostRollMs:         300,
				AmplitudeThreshold: 0.02,
			},
			Encode: EncodeConfig{
				TargetFPS:     1,
				FFmpegPath:    "ffmpeg",
				Timeout:       60 * time.Second,
				MaxConcurrent: 2,
			},
			Finalize: FinalizeConfig{
				TranscriptWait:  2 * time.Second,
				PollInterval:    100 * time.Millisecond,
				WindowEpsilonMs: 500,
			},
		},
		Responder: ResponderConfig{
			Name: "echo",
		},
	}
}
