// Package vad implements amplitude-based voice activity segmentation.
//
// A Segmenter is a two-state machine (idle, speaking) fed with fixed-duration
// PCM frames sliced from the incoming audio stream. Sustained speech opens a
// segment; sustained silence closes it. Segment boundaries carry pre- and
// post-roll padding so the encoded artifact does not clip the utterance.
//
// The detector itself is deliberately cheap: the normalized mean absolute
// amplitude of each frame compared against a threshold. It runs synchronously
// on the connection's read loop and must not block.
package vad

import "encoding/binary"

// Config holds the tunable parameters of a Segmenter.
type Config struct {
	// FrameMs is the duration of one analysis frame in milliseconds.
	FrameMs int

	// MinSpeechMs is the amount of contiguous speech required to open a segment.
	MinSpeechMs int

	// EndSilenceMs is the amount of contiguous silence required to close a segment.
	EndSilenceMs int

	// PreRollMs is padding subtracted from the detected segment start.
	PreRollMs int

	// PostRollMs is padding added past the last speech frame at segment close.
	PostRollMs int

	// AmplitudeThreshold is the normalized (0..1) mean-absolute-amplitude level
	// at or above which a frame counts as speech.
	AmplitudeThreshold float64
}

// DefaultConfig returns the segmentation parameters used when the
// configuration does not override them.
func DefaultConfig() Config {
	return Config{
		FrameMs:            30,
		MinSpeechMs:        300,
		EndSilenceMs:       800,
		PreRollMs:          200,
		PostRollMs:         300,
		AmplitudeThreshold: 0.02,
	}
}

// EventType distinguishes the two boundary events a Segmenter emits.
type EventType int

const (
	// SegmentStart signals that a segment has opened. Advisory only: the
	// authoritative time range arrives with the matching SegmentEnd.
	SegmentStart EventType = iota

	// SegmentEnd signals that a segment has closed and carries its final
	// time range.
	SegmentEnd
)

// Event is a segment boundary emitted by the state machine.
type Event struct {
	Type EventType

	// StartMs is the segment start including pre-roll, clamped to ≥ 0.
	StartMs float64

	// EndMs is the segment end including post-roll. Only set for SegmentEnd.
	EndMs float64
}

// Segmenter converts a continuous audio stream into discrete speech segments.
// One instance exists per connection; it is not safe for concurrent use and
// is expected to be driven from the connection's read loop.
type Segmenter struct {
	cfg        Config
	sampleRate int

	speaking      bool
	speechMs      int
	silenceMs     int
	firstSpeechTs float64
	lastSpeechTs  float64
}

// NewSegmenter creates an idle Segmenter for a stream at the given sample rate.
func NewSegmenter(sampleRate int, cfg Config) *Segmenter {
	return &Segmenter{cfg: cfg, sampleRate: sampleRate}
}

// SampleRate returns the stream sample rate the segmenter was created with.
func (s *Segmenter) SampleRate() int { return s.sampleRate }

// Config returns the segmenter's parameters.
func (s *Segmenter) Config() Config { return s.cfg }

// Speaking reports whether a segment is currently open.
func (s *Segmenter) Speaking() bool { return s.speaking }

// ProcessChunk slices an audio chunk into analysis frames and runs each
// through the state machine, returning any boundary events in order.
//
// Chunks whose sample rate differs from the session rate are ignored
// entirely: their frames are neither classified nor accumulated.
func (s *Segmenter) ProcessChunk(startTsMs float64, pcm []byte, sampleRate int) []Event {
	if sampleRate != s.sampleRate {
		return nil
	}

	samplesPerFrame := s.sampleRate * s.cfg.FrameMs / 1000
	bytesPerFrame := samplesPerFrame * 2
	if bytesPerFrame <= 0 {
		return nil
	}

	total := len(pcm) / bytesPerFrame
	if total == 0 {
		total = 1 // a short chunk is still one (short) frame
	}

	var events []Event
	for i := 0; i < total; i++ {
		start := i * bytesPerFrame
		end := min(start+bytesPerFrame, len(pcm))
		frameTs := startTsMs + float64(i*s.cfg.FrameMs)
		if ev, ok := s.processFrame(pcm[start:end], frameTs); ok {
			events = append(events, ev)
		}
	}
	return events
}

// processFrame advances the state machine by one frame. A frame increments
// exactly one of the speech/silence accumulators and zeroes the other.
func (s *Segmenter) processFrame(frame []byte, frameTsMs float64) (Event, bool) {
	if s.isSpeech(frame) {
		s.speechMs += s.cfg.FrameMs
		s.silenceMs = 0

		if !s.speaking && s.speechMs >= s.cfg.MinSpeechMs {
			s.speaking = true
			start := frameTsMs - float64(s.speechMs) - float64(s.cfg.PreRollMs)
			if start < 0 {
				start = 0
			}
			s.firstSpeechTs = start
			s.lastSpeechTs = frameTsMs
			return Event{Type: SegmentStart, StartMs: start}, true
		}
		if s.speaking {
			s.lastSpeechTs = frameTsMs
		}
		return Event{}, false
	}

	s.silenceMs += s.cfg.FrameMs
	s.speechMs = 0

	if s.speaking && s.silenceMs >= s.cfg.EndSilenceMs {
		ev := s.closeSegment()
		return ev, true
	}
	return Event{}, false
}

// ForceClose ends the active segment immediately, bypassing the
// silence-duration threshold. Returns false when no segment is open.
// This is the only externally triggered transition.
func (s *Segmenter) ForceClose() (Event, bool) {
	if !s.speaking {
		return Event{}, false
	}
	return s.closeSegment(), true
}

// closeSegment emits the SegmentEnd event and resets all state to idle.
func (s *Segmenter) closeSegment() Event {
	ev := Event{
		Type:    SegmentEnd,
		StartMs: s.firstSpeechTs,
		EndMs:   s.lastSpeechTs + float64(s.cfg.PostRollMs),
	}
	s.speaking = false
	s.speechMs = 0
	s.silenceMs = 0
	s.firstSpeechTs = 0
	s.lastSpeechTs = 0
	return ev
}

// isSpeech classifies one frame by normalized mean absolute amplitude.
// An empty frame is silence.
func (s *Segmenter) isSpeech(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	var total int64
	count := len(frame) / 2
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int64(int16(binary.LittleEndian.Uint16(frame[i : i+2])))
		if sample < 0 {
			sample = -sample
		}
		total += sample
	}
	mean := float64(total) / float64(count) / 32768.0
	return mean >= s.cfg.AmplitudeThreshold
}
