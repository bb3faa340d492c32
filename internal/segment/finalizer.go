// Package segment turns closed speech segments into client-facing results:
// it resolves the segment transcript, encodes the media window, picks the
// richest delivery path the configured responder supports, and emits the
// transcript, segment summary, and AI response in a fixed order.
package segment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sightlinehq/sightline/internal/encode"
	"github.com/sightlinehq/sightline/internal/ingest"
	"github.com/sightlinehq/sightline/internal/observe"
	"github.com/sightlinehq/sightline/pkg/respond"
)

// Delivery path names reported in segment summaries and metrics.
const (
	PathVideoText = "video+text"
	PathVideo     = "video"
	PathAudioText = "audio+text"
	PathAudio     = "audio"
	PathImageText = "image+text"
	PathText      = "text"
)

// errEncodeFailed is the summary error marker for a failed encode.
const errEncodeFailed = "encode_failed"

// Config tunes finalizer timing. Zero values fall back to defaults.
type Config struct {
	// WaitTimeout bounds how long a finalize waits for a transcript to
	// arrive for the segment window. Default 2s.
	WaitTimeout time.Duration

	// PollInterval is the transcript re-check interval. Default 100ms.
	PollInterval time.Duration

	// WindowEpsilonMs widens the transcript match window on both sides to
	// absorb client timestamp skew. Default 500.
	WindowEpsilonMs float64

	// TargetFPS is the encode frame rate. Default 1.
	TargetFPS float64

	// TempRoot is the parent directory for per-segment scratch dirs.
	// Empty means the system temp dir.
	TempRoot string
}

func (c Config) withDefaults() Config {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.WindowEpsilonMs <= 0 {
		c.WindowEpsilonMs = 500
	}
	if c.TargetFPS <= 0 {
		c.TargetFPS = 1
	}
	return c
}

// Summary describes one finalized segment. It is emitted to the client
// before the AI response.
type Summary struct {
	StartMs    float64
	EndMs      float64
	Transcript string
	FrameCount int
	AudioMs    float64
	FPS        float64
	ChosenPath string
	Encoded    bool
	Err        string
}

// Emitter receives the ordered outputs of one finalize. Implementations
// must tolerate being called from a finalize goroutine.
type Emitter interface {
	// EmitTranscript echoes the resolved segment transcript.
	EmitTranscript(text string, tsMs float64)

	// EmitSummary reports the segment summary.
	EmitSummary(s Summary)

	// EmitResponse delivers the AI response text.
	EmitResponse(text string)
}

// Job is one segment to finalize.
type Job struct {
	// StartMs and EndMs bound the media window.
	StartMs float64
	EndMs   float64

	// Window snapshots buffered media for the given bounds. The returned
	// slices must be safe to retain.
	Window func(startMs, endMs float64) ([]ingest.Frame, []ingest.AudioChunk)

	// Transcripts is consulted while waiting for the segment transcript.
	// May be nil when ProvidedText is set.
	Transcripts *TranscriptLog

	// ProvidedText short-circuits the transcript wait, e.g. for typed text.
	ProvidedText string

	// SkipTranscriptWait finalizes immediately with whatever transcript is
	// already present instead of polling for a late one.
	SkipTranscriptWait bool

	// PreferInlineImage skips encoding and attaches the newest frame as a
	// still image instead. Used for typed-text segments.
	PreferInlineImage bool

	// Emitter receives the ordered outputs.
	Emitter Emitter
}

// Finalizer drives segment finalization for one server process. The
// responder's capabilities are fixed properties of the backend, so they are
// read once at construction and cached.
type Finalizer struct {
	encoder   *encode.Encoder
	responder respond.Responder
	caps      respond.Capabilities
	metrics   *observe.Metrics
	log       *slog.Logger
	cfg       Config
}

// NewFinalizer creates a Finalizer. metrics may be nil to disable recording.
func NewFinalizer(enc *encode.Encoder, responder respond.Responder, metrics *observe.Metrics, log *slog.Logger, cfg Config) *Finalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Finalizer{
		encoder:   enc,
		responder: responder,
		caps:      responder.Capabilities(),
		metrics:   metrics,
		log:       log,
		cfg:       cfg.withDefaults(),
	}
}

// Finalize processes one segment end to end. It blocks for up to the
// transcript wait timeout plus the encode and responder calls, so callers
// run it on its own goroutine. Returns an error only when ctx is canceled
// before anything was emitted.
func (f *Finalizer) Finalize(ctx context.Context, job Job) error {
	text, err := f.resolveText(ctx, job)
	if err != nil {
		return err
	}

	frames, chunks := job.Window(job.StartMs, job.EndMs)

	sum := Summary{
		StartMs:    job.StartMs,
		EndMs:      job.EndMs,
		Transcript: text,
		FPS:        f.cfg.TargetFPS,
	}
	req := respond.Request{Text: text}

	if job.PreferInlineImage {
		sum.FrameCount = len(frames)
		sum.ChosenPath = PathText
		if len(frames) > 0 && f.caps.Image {
			req.MediaData = frames[len(frames)-1].Data
			req.Kind = respond.MediaImage
			sum.ChosenPath = PathImageText
		}
	} else {
		res, dir, encodeErr := f.encodeWindow(ctx, job, frames, chunks)
		if dir != "" {
			defer os.RemoveAll(dir)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sum.FrameCount = res.FrameCount
		sum.AudioMs = res.AudioMs
		sum.Encoded = encodeErr == nil && res.Muxed
		if encodeErr != nil {
			sum.Err = errEncodeFailed
			sum.ChosenPath = pathName(PathText, text)
		} else {
			req, sum.ChosenPath = f.selectPath(res, text)
		}
	}

	response := f.respond(ctx, req)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if text != "" {
		job.Emitter.EmitTranscript(text, job.EndMs)
	}
	job.Emitter.EmitSummary(sum)
	if response != "" {
		job.Emitter.EmitResponse(response)
	}

	if f.metrics != nil {
		f.metrics.RecordSegment(ctx, sum.ChosenPath, sum.Encoded)
	}
	f.log.Info("segment finalized",
		"start_ms", sum.StartMs,
		"end_ms", sum.EndMs,
		"path", sum.ChosenPath,
		"encoded", sum.Encoded,
		"frames", sum.FrameCount,
		"audio_ms", sum.AudioMs,
	)
	return nil
}

// resolveText returns the transcript to attach to the segment, waiting up to
// the configured timeout for one to appear in the log.
func (f *Finalizer) resolveText(ctx context.Context, job Job) (string, error) {
	if job.ProvidedText != "" {
		return job.ProvidedText, nil
	}
	if job.Transcripts == nil {
		return "", nil
	}

	lo := job.StartMs - f.cfg.WindowEpsilonMs
	hi := job.EndMs + f.cfg.WindowEpsilonMs

	if e, ok := job.Transcripts.Lookup(lo, hi); ok {
		return e.Text, nil
	}
	if job.SkipTranscriptWait {
		return "", nil
	}

	start := time.Now()
	deadline := start.Add(f.cfg.WaitTimeout)
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		if e, ok := job.Transcripts.Lookup(lo, hi); ok {
			f.recordWait(ctx, time.Since(start))
			return e.Text, nil
		}
		if !time.Now().Before(deadline) {
			f.recordWait(ctx, time.Since(start))
			f.log.Debug("transcript wait timed out",
				"start_ms", job.StartMs, "end_ms", job.EndMs)
			return "", nil
		}
	}
}

func (f *Finalizer) recordWait(ctx context.Context, d time.Duration) {
	if f.metrics != nil {
		f.metrics.TranscriptWait.Record(ctx, d.Seconds())
	}
}

// encodeWindow runs the media encoder over the segment window in a fresh
// scratch directory. The caller removes the returned directory once the
// artifacts have been consumed.
func (f *Finalizer) encodeWindow(ctx context.Context, job Job, frames []ingest.Frame, chunks []ingest.AudioChunk) (encode.Result, string, error) {
	dir, err := os.MkdirTemp(f.cfg.TempRoot, "seg_")
	if err != nil {
		return encode.Result{}, "", fmt.Errorf("segment: create scratch dir: %w", err)
	}

	start := time.Now()
	res, err := f.encoder.Encode(ctx, dir, frames, chunks, job.StartMs, job.EndMs, f.cfg.TargetFPS)
	if f.metrics != nil {
		f.metrics.EncodeDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if f.metrics != nil {
			f.metrics.EncodeFailures.Add(ctx, 1)
		}
		f.log.Error("segment encode failed",
			"start_ms", job.StartMs, "end_ms", job.EndMs, "error", err)
		res.ArtifactPath = ""
		res.AudioPath = ""
	}
	return res, dir, err
}

// selectPath picks the richest delivery path the encode result and the
// responder's capabilities allow, degrading video to audio to text.
func (f *Finalizer) selectPath(res encode.Result, text string) (respond.Request, string) {
	req := respond.Request{Text: text}
	switch {
	case res.Muxed && res.FrameCount > 0 && f.caps.Video:
		req.MediaPath = res.ArtifactPath
		req.Kind = respond.MediaVideo
		return req, pathName(PathVideo, text)
	case res.AudioMs > 0 && f.caps.Audio:
		req.MediaPath = res.AudioPath
		req.Kind = respond.MediaAudio
		return req, pathName(PathAudio, text)
	default:
		return req, pathName(PathText, text)
	}
}

// pathName appends the "+text" qualifier when a transcript accompanies the
// media. The bare text path stays "text".
func pathName(base, text string) string {
	if base == PathText || text == "" {
		return base
	}
	return base + "+text"
}

// respond calls the configured responder. A responder failure degrades to an
// empty response rather than failing the segment.
func (f *Finalizer) respond(ctx context.Context, req respond.Request) string {
	start := time.Now()
	text, err := f.responder.Respond(ctx, req)
	if f.metrics != nil {
		f.metrics.ResponderDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if f.metrics != nil {
			f.metrics.RecordResponderError(ctx, f.responder.Name())
		}
		f.log.Error("responder call failed",
			"responder", f.responder.Name(), "error", err)
		return ""
	}
	return text
}
