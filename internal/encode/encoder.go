// Package encode turns a time window of heterogeneous media samples — sparse
// compressed frames and PCM audio chunks — into one synchronized WebM
// artifact.
//
// The stages are deterministic and individually testable: PCM extraction by
// sample-exact window intersection, monotonic frame selection at a target
// FPS, duration correction so video playback length matches the audio track,
// and finally muxing through an external ffmpeg process. Only the mux stage
// leaves the process; it is bounded by a semaphore and a timeout so one
// connection's encode can neither starve others nor hang forever.
package encode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sightlinehq/sightline/internal/ingest"
)

// ErrNoFrames is returned when muxing is requested but no frames were
// selected for the window.
var ErrNoFrames = errors.New("encode: no frames selected")

// Result describes one encoded segment. All paths live inside the temp
// directory passed to Encode and share its lifetime.
type Result struct {
	// ArtifactPath is the muxed WebM container. Only valid when Muxed is true.
	ArtifactPath string

	// AudioPath is the extracted mono WAV track. Present whenever Encode
	// returns nil, even if no audio samples fell inside the window.
	AudioPath string

	// FrameCount is the number of frame slots selected for the window.
	FrameCount int

	// AudioMs is the extracted audio duration in milliseconds.
	AudioMs float64

	// FPS is the target frame rate the frame plan was built for.
	FPS float64

	// Muxed reports whether the artifact was produced.
	Muxed bool
}

// Encoder runs segment encodes with bounded concurrency. It is safe for
// concurrent use; construct one per process and inject it where needed.
type Encoder struct {
	runner     Runner
	ffmpegPath string
	timeout    time.Duration
	sem        *semaphore.Weighted
}

// Option is a functional option for [New].
type Option func(*Encoder)

// WithFFmpegPath overrides the encoder binary name resolved on PATH.
func WithFFmpegPath(path string) Option {
	return func(e *Encoder) { e.ffmpegPath = path }
}

// WithTimeout bounds a single external mux invocation.
func WithTimeout(d time.Duration) Option {
	return func(e *Encoder) { e.timeout = d }
}

// WithMaxConcurrent caps the number of encodes running at once.
func WithMaxConcurrent(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// New creates an Encoder that invokes the external muxer through runner.
func New(runner Runner, opts ...Option) *Encoder {
	e := &Encoder{
		runner:     runner,
		ffmpegPath: "ffmpeg",
		timeout:    60 * time.Second,
		sem:        semaphore.NewWeighted(2),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Encode builds the segment artifact for [startMs, endMs] inside dir, which
// must be a uniquely scoped temporary directory owned by the caller.
//
// A window with no frames is not an error: the returned Result carries the
// extracted audio with Muxed=false so the caller can degrade to an
// audio-only response path. A failed mux invocation is an error.
func (e *Encoder) Encode(ctx context.Context, dir string, frames []ingest.Frame, chunks []ingest.AudioChunk, startMs, endMs, targetFPS float64) (Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("encode: acquire worker: %w", err)
	}
	defer e.sem.Release(1)

	res := Result{FPS: targetFPS}

	// Audio track.
	pcm, rate, skipped := extractPCM(chunks, startMs, endMs)
	if skipped > 0 {
		slog.Warn("inconsistent sample rate, chunks skipped",
			"skipped", skipped, "session_rate", rate,
			"start_ms", startMs, "end_ms", endMs)
	}
	res.AudioPath = filepath.Join(dir, "audio.wav")
	audioMs, err := writeWAV(res.AudioPath, pcm, rate)
	if err != nil {
		return Result{}, err
	}
	res.AudioMs = audioMs

	// Frame plan.
	framesDir := filepath.Join(dir, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("encode: create frames dir: %w", err)
	}
	plan, err := planFrames(frames, startMs, endMs, targetFPS, framesDir)
	if err != nil {
		return Result{}, err
	}
	res.FrameCount = len(plan)
	if len(plan) == 0 {
		return res, nil
	}

	correctDurations(plan, audioMs)

	concatPath := filepath.Join(dir, "frames.txt")
	if err := writeConcatFile(concatPath, plan); err != nil {
		return Result{}, err
	}

	res.ArtifactPath = filepath.Join(dir, "out.webm")
	if err := e.mux(ctx, concatPath, res.AudioPath, res.ArtifactPath, len(plan)); err != nil {
		return res, err
	}
	res.Muxed = true
	return res, nil
}

// extractPCM concatenates, in chunk order, the sample-exact intersection of
// each chunk with [startMs, endMs]. The rate of the first chunk is taken as
// the session rate; chunks at a different rate are skipped and counted so
// the caller can warn. Returns 16 kHz as the rate when no chunks are given
// so a valid (empty) WAV can be written.
func extractPCM(chunks []ingest.AudioChunk, startMs, endMs float64) (pcm []byte, rate, skipped int) {
	if len(chunks) == 0 {
		return nil, 16000, 0
	}
	rate = chunks[0].SampleRate

	for _, c := range chunks {
		if c.SampleRate != rate {
			skipped++
			continue
		}
		durMs := float64(c.Samples) / float64(rate) * 1000.0
		chunkEnd := c.StartTsMs + durMs
		if chunkEnd <= startMs || c.StartTsMs >= endMs {
			continue
		}

		startOffsetMs := max(0.0, startMs-c.StartTsMs)
		endOffsetMs := max(0.0, chunkEnd-min(chunkEnd, endMs))
		startSample := int(startOffsetMs / 1000.0 * float64(rate))
		endSample := c.Samples - int(endOffsetMs/1000.0*float64(rate))

		startByte := startSample * 2
		endByte := endSample * 2
		if startByte < endByte && endByte <= len(c.PCM) {
			pcm = append(pcm, c.PCM[startByte:endByte]...)
		}
	}
	return pcm, rate, skipped
}

// frameEntry is one slot of the concat descriptor: a written frame file and
// its display duration in seconds.
type frameEntry struct {
	path string
	dur  float64
}

// planFrames steps through [startMs, endMs] at the target FPS, selecting at
// each step the earliest frame with timestamp ≥ t in a single monotonic pass
// over the time-sorted frames. Once the frames are exhausted the most
// recently selected frame is duplicated for the remaining steps. Selected
// frames are written into framesDir.
func planFrames(frames []ingest.Frame, startMs, endMs, targetFPS float64, framesDir string) ([]frameEntry, error) {
	if len(frames) == 0 || endMs <= startMs || targetFPS <= 0 {
		return nil, nil
	}

	sorted := make([]ingest.Frame, len(frames))
	copy(sorted, frames)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TsMs < sorted[j].TsMs })

	stepMs := 1000.0 / targetFPS
	stepSec := stepMs / 1000.0

	var plan []frameEntry
	idx := 0
	lastPath := ""
	for t := startMs; t <= endMs+1e-6; t += stepMs {
		// Advance to the first remaining frame at or past t.
		for idx < len(sorted) && sorted[idx].TsMs < t {
			idx++
		}
		if idx >= len(sorted) {
			if lastPath == "" {
				break
			}
			plan = append(plan, frameEntry{path: lastPath, dur: stepSec})
			continue
		}

		path := filepath.Join(framesDir, fmt.Sprintf("frame_%06d.jpg", len(plan)))
		if err := os.WriteFile(path, sorted[idx].Data, 0o644); err != nil {
			return nil, fmt.Errorf("encode: write frame: %w", err)
		}
		lastPath = path
		plan = append(plan, frameEntry{path: path, dur: stepSec})
	}
	return plan, nil
}

// minFrameDur is the floor for a corrected frame duration, in seconds.
const minFrameDur = 0.01

// correctDurations stretches or shrinks the last plan entry so the total
// video duration matches the audio duration exactly (within 1 ms).
func correctDurations(plan []frameEntry, audioMs float64) {
	if len(plan) == 0 || audioMs <= 0 {
		return
	}
	var total float64
	for _, p := range plan {
		total += p.dur
	}
	diff := audioMs/1000.0 - total
	if diff > 0.001 || diff < -0.001 {
		last := &plan[len(plan)-1]
		last.dur = max(minFrameDur, last.dur+diff)
	}
}

// writeConcatFile emits the ffmpeg concat demuxer descriptor. A duration
// directive binds to the file line preceding it, so each entry is written as
// file then duration; the final file is listed twice with no duration so the
// demuxer displays the last frame until the stream ends.
func writeConcatFile(path string, plan []frameEntry) error {
	var sb strings.Builder
	sb.WriteString("ffconcat version 1.0\n")
	for i, p := range plan {
		fmt.Fprintf(&sb, "file '%s'\n", p.path)
		if i < len(plan)-1 {
			fmt.Fprintf(&sb, "duration %.6f\n", p.dur)
		} else {
			fmt.Fprintf(&sb, "file '%s'\n", p.path)
		}
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("encode: write concat file: %w", err)
	}
	return nil
}

// mux combines the frame sequence and audio track into a WebM container.
func (e *Encoder) mux(ctx context.Context, concatPath, audioPath, outPath string, frameCount int) error {
	if frameCount == 0 {
		return ErrNoFrames
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{
		"-y",
		"-safe", "0",
		"-f", "concat",
		"-i", concatPath,
		"-i", audioPath,
		"-c:v", "libvpx-vp9",
		"-pix_fmt", "yuv420p",
		"-c:a", "libopus",
		"-shortest",
		outPath,
	}
	if err := e.runner.Run(ctx, e.ffmpegPath, args...); err != nil {
		return fmt.Errorf("encode: mux: %w", err)
	}
	return nil
}
