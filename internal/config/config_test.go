package config_test

import (
	"testing"
	"time"

	"github.com/sightlinehq/sightline/internal/config"
)

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("default config fails validation: %v", err)
	}
}

func TestDefault_PipelineValues(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	vad := cfg.Pipeline.VAD
	if vad.FrameMs != 30 || vad.MinSpeechMs != 300 || vad.EndSilenceMs != 800 {
		t.Errorf("VAD defaults = %+v", vad)
	}
	if vad.PreRollMs != 200 || vad.PostRollMs != 300 {
		t.Errorf("roll defaults = pre %d post %d", vad.PreRollMs, vad.PostRollMs)
	}
	if vad.AmplitudeThreshold != 0.02 {
		t.Errorf("AmplitudeThreshold = %v, want 0.02", vad.AmplitudeThreshold)
	}
	if cfg.Pipeline.Finalize.TranscriptWait != 2*time.Second {
		t.Errorf("TranscriptWait = %v, want 2s", cfg.Pipeline.Finalize.TranscriptWait)
	}
	if cfg.Pipeline.Encode.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", cfg.Pipeline.Encode.MaxConcurrent)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("unknown level should be invalid")
	}
}
