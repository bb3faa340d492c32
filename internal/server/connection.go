package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sightlinehq/sightline/internal/config"
	"github.com/sightlinehq/sightline/internal/ingest"
	"github.com/sightlinehq/sightline/internal/observe"
	"github.com/sightlinehq/sightline/internal/segment"
	"github.com/sightlinehq/sightline/internal/vad"
)

// maxLinks bounds the per-connection product link log.
const maxLinks = 100

// trailingWindowMs is the media window finalized for typed text and control
// actions, measured back from the newest buffered timestamp.
const trailingWindowMs = 2000

// detectedLink is one product link reported by the client.
type detectedLink struct {
	TsMs float64
	URL  string
}

// conn owns all per-connection state. The read loop is the only goroutine
// that mutates the media buffer and segmenter; finalize goroutines take
// snapshots through the locked window method.
type conn struct {
	id  string
	ws  *websocket.Conn
	log *slog.Logger

	cfg       *config.Config
	metrics   *observe.Metrics
	validator *Validator
	finalizer *segment.Finalizer
	manager   *Manager

	// mu guards the buffer, segmenter, links, and counters against reads
	// from finalize goroutines and the status ticker.
	mu          sync.Mutex
	sessionID   string
	sampleRate  int
	buf         *ingest.Buffer
	seg         *vad.Segmenter
	links       []detectedLink
	framesRecv  int64
	audioRecv   int64
	transcripts int64
	textRecv    int64

	// transcriptLog locks internally.
	transcriptLog *segment.TranscriptLog

	// writeMu serializes WebSocket writes across goroutines.
	writeMu sync.Mutex

	// finalizers tracks in-flight finalize goroutines so close can wait.
	finalizers sync.WaitGroup
}

func newConn(id string, ws *websocket.Conn, log *slog.Logger, cfg *config.Config, metrics *observe.Metrics, validator *Validator, finalizer *segment.Finalizer, manager *Manager) *conn {
	return &conn{
		id:            id,
		ws:            ws,
		log:           log.With("connection_id", id),
		cfg:           cfg,
		metrics:       metrics,
		validator:     validator,
		finalizer:     finalizer,
		manager:       manager,
		sampleRate:    16000,
		buf:           ingest.NewBuffer(cfg.Pipeline.Buffer.MaxFrames, cfg.Pipeline.Buffer.MaxAudioChunks),
		seg:           vad.NewSegmenter(16000, vadConfig(cfg)),
		transcriptLog: segment.NewTranscriptLog(),
	}
}

func vadConfig(cfg *config.Config) vad.Config {
	v := cfg.Pipeline.VAD
	return vad.Config{
		FrameMs:            v.FrameMs,
		MinSpeechMs:        v.MinSpeechMs,
		EndSilenceMs:       v.EndSilenceMs,
		PreRollMs:          v.PreRollMs,
		PostRollMs:         v.PostRollMs,
		AmplitudeThreshold: v.AmplitudeThreshold,
	}
}

// run drives the connection until the client disconnects or ctx is canceled.
func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ticker sync.WaitGroup
	ticker.Add(1)
	go func() {
		defer ticker.Done()
		c.statusLoop(ctx)
	}()

	c.readLoop(ctx)

	cancel()
	ticker.Wait()
	c.finalizers.Wait()
}

// readLoop processes inbound messages until the connection errors or closes.
func (c *conn) readLoop(ctx context.Context) {
	for {
		typ, raw, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				c.log.Debug("connection closed", "status", status)
			} else {
				c.log.Warn("connection read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.send(ctx, errorMsg{Type: "error", Message: "binary_not_supported"})
			continue
		}

		msg, err := decodeInbound(c.validator, raw)
		if err != nil {
			c.log.Warn("invalid message", "error", err)
			c.send(ctx, errorMsg{Type: "error", Message: "invalid_message"})
			continue
		}

		c.dispatch(ctx, msg)
	}
}

func (c *conn) dispatch(ctx context.Context, msg inbound) {
	switch msg.Type {
	case msgInit:
		c.handleInit(ctx, msg)
	case msgImageFrame:
		c.handleImageFrame(ctx, msg)
	case msgAudioChunk:
		c.handleAudioChunk(ctx, msg)
	case msgTranscript:
		c.handleTranscript(ctx, msg)
	case msgText:
		c.handleText(ctx, msg)
	case msgControl:
		c.handleControl(ctx, msg)
	case msgLinks:
		c.handleLinks(ctx, msg)
	default:
		c.log.Info("unknown message type", "type", msg.Type)
		c.send(ctx, errorMsg{Type: "error", Message: "unknown_type:" + msg.Type})
	}
}

// ── handlers ────────────────────────────────────────────────────────────────

// handleInit binds the client session, fixes the audio sample rate for the
// connection, and pushes the capture configuration back to the client.
func (c *conn) handleInit(ctx context.Context, msg inbound) {
	c.mu.Lock()
	c.sessionID = msg.SessionID
	if msg.SampleRate > 0 {
		c.sampleRate = msg.SampleRate
		c.seg = vad.NewSegmenter(c.sampleRate, vadConfig(c.cfg))
	}
	c.mu.Unlock()

	if msg.SessionID != "" {
		c.manager.SetSession(c.id, msg.SessionID)
	}
	c.log.Info("session initialized",
		"session_id", msg.SessionID,
		"client_fps", msg.FPS,
		"sample_rate", c.sampleRate,
	)

	c.send(ctx, ack(msg.Seq, msgInit))
	c.send(ctx, configMsg{Type: "config", CaptureFPS: c.cfg.Server.CaptureFPS})
}

func (c *conn) handleImageFrame(ctx context.Context, msg inbound) {
	data, err := base64.StdEncoding.DecodeString(msg.Base64)
	if err != nil {
		c.log.Warn("frame decode failed", "error", err)
		c.send(ctx, ack(msg.Seq, msgImageFrame))
		return
	}

	c.mu.Lock()
	dropped := c.buf.AppendFrame(msg.TsMs, data)
	c.framesRecv++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.FramesIngested.Add(ctx, 1)
		c.metrics.RecordDrop(ctx, "frames", int64(dropped))
	}
	if dropped > 0 {
		c.send(ctx, statusMsg{Type: "status", State: "busy", DroppedFrames: dropped})
	}
	c.send(ctx, ack(msg.Seq, msgImageFrame))
}

// handleAudioChunk buffers the PCM payload and runs it through the speech
// segmenter; a segment close spawns a finalize goroutine.
func (c *conn) handleAudioChunk(ctx context.Context, msg inbound) {
	defer c.send(ctx, ack(msg.Seq, msgAudioChunk))

	pcm, err := base64.StdEncoding.DecodeString(msg.Base64)
	if err != nil {
		c.log.Warn("audio decode failed", "error", err)
		return
	}
	if msg.NumSamples <= 0 || msg.SampleRate <= 0 {
		return
	}

	c.mu.Lock()
	dropped := c.buf.AppendAudio(msg.TsStartMs, pcm, msg.NumSamples, msg.SampleRate)
	c.audioRecv++
	events := c.seg.ProcessChunk(msg.TsStartMs, pcm, msg.SampleRate)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.AudioChunksIngested.Add(ctx, 1)
		c.metrics.RecordDrop(ctx, "audio", int64(dropped))
	}
	if dropped > 0 {
		c.send(ctx, statusMsg{Type: "status", State: "busy", DroppedAudioChunks: dropped})
	}

	for _, ev := range events {
		switch ev.Type {
		case vad.SegmentStart:
			start := ev.StartMs
			c.send(ctx, statusMsg{Type: "status", State: "speaking", SegmentStartMs: &start})
		case vad.SegmentEnd:
			start, end := ev.StartMs, ev.EndMs
			c.send(ctx, statusMsg{Type: "status", State: "segment_closed", SegmentStartMs: &start, SegmentEndMs: &end})
			c.spawnFinalize(ctx, segment.Job{
				StartMs:     ev.StartMs,
				EndMs:       ev.EndMs,
				Window:      c.window,
				Transcripts: c.transcriptLog,
				Emitter:     c,
			})
		}
	}
}

// handleTranscript stores final transcripts and echoes them for UI display.
func (c *conn) handleTranscript(ctx context.Context, msg inbound) {
	c.mu.Lock()
	c.transcripts++
	c.mu.Unlock()

	if msg.IsFinal {
		c.transcriptLog.Append(msg.TsMs, msg.Text)
		if c.metrics != nil {
			c.metrics.TranscriptsIngested.Add(ctx, 1)
		}
		c.send(ctx, transcriptMsg{Type: "transcript", Text: msg.Text, IsFinal: true, TsMs: msg.TsMs})
	}
	c.send(ctx, ack(msg.Seq, msgTranscript))
}

// handleText finalizes a short trailing window immediately, preferring the
// newest frame as an inline image over a full encode.
func (c *conn) handleText(ctx context.Context, msg inbound) {
	c.send(ctx, ack(msg.Seq, msgText))

	c.mu.Lock()
	c.textRecv++
	c.mu.Unlock()
	c.transcriptLog.Append(msg.TsMs, msg.Text)

	start, end := c.trailingWindow()
	c.spawnFinalize(ctx, segment.Job{
		StartMs:            start,
		EndMs:              end,
		Window:             c.window,
		Transcripts:        c.transcriptLog,
		ProvidedText:       msg.Text,
		SkipTranscriptWait: true,
		PreferInlineImage:  true,
		Emitter:            c,
	})
}

func (c *conn) handleControl(ctx context.Context, msg inbound) {
	switch strings.ToLower(msg.Action) {
	case actionActiveSessionClosed:
		// The client ended its speaking session; the socket stays open.
		c.send(ctx, statusMsg{Type: "status", State: "idle"})
		start, end := c.trailingWindow()
		c.spawnFinalize(ctx, segment.Job{
			StartMs:     start,
			EndMs:       end,
			Window:      c.window,
			Transcripts: c.transcriptLog,
			Emitter:     c,
		})

	case actionForceSegmentClose:
		c.mu.Lock()
		ev, open := c.seg.ForceClose()
		c.mu.Unlock()

		start, end := c.trailingWindow()
		if open {
			start, end = ev.StartMs, ev.EndMs
		}
		c.send(ctx, statusMsg{Type: "status", State: "segment_forced", SegmentStartMs: &start, SegmentEndMs: &end})
		c.spawnFinalize(ctx, segment.Job{
			StartMs:     start,
			EndMs:       end,
			Window:      c.window,
			Transcripts: c.transcriptLog,
			Emitter:     c,
		})

	default:
		c.log.Info("unknown control action", "action", msg.Action)
	}

	c.send(ctx, ack(msg.Seq, msgControl))
}

// handleLinks stores product links detected by the client for diagnostics.
func (c *conn) handleLinks(ctx context.Context, msg inbound) {
	c.mu.Lock()
	for _, l := range msg.Links {
		c.links = append(c.links, detectedLink{TsMs: msg.TsMs, URL: l})
	}
	if over := len(c.links) - maxLinks; over > 0 {
		c.links = c.links[over:]
	}
	count := len(c.links)
	c.mu.Unlock()

	c.log.Debug("product links received",
		"ts_ms", msg.TsMs,
		"count", len(msg.Links),
		"stored", count,
	)
	c.send(ctx, ack(msg.Seq, msgLinks))
}

// ── finalize plumbing ───────────────────────────────────────────────────────

// window snapshots buffered media under the connection lock.
func (c *conn) window(startMs, endMs float64) ([]ingest.Frame, []ingest.AudioChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Window(startMs, endMs)
}

// trailingWindow returns the last trailingWindowMs of buffered media,
// clamped to the start of the stream.
func (c *conn) trailingWindow() (float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	end := c.buf.LatestTimestamp()
	start := end - trailingWindowMs
	if start < 0 {
		start = 0
	}
	return start, end
}

func (c *conn) spawnFinalize(ctx context.Context, job segment.Job) {
	c.finalizers.Add(1)
	go func() {
		defer c.finalizers.Done()
		if err := c.finalizer.Finalize(ctx, job); err != nil {
			c.log.Debug("finalize aborted", "error", err)
		}
	}()
}

// ── segment.Emitter ─────────────────────────────────────────────────────────

var _ segment.Emitter = (*conn)(nil)

// EmitTranscript implements segment.Emitter.
func (c *conn) EmitTranscript(text string, tsMs float64) {
	c.send(context.Background(), transcriptMsg{Type: "transcript", Text: text, IsFinal: true, TsMs: tsMs})
}

// EmitSummary implements segment.Emitter.
func (c *conn) EmitSummary(s segment.Summary) {
	c.send(context.Background(), segmentMsg{
		Type:           "segment",
		SegmentStartMs: s.StartMs,
		SegmentEndMs:   s.EndMs,
		Transcript:     s.Transcript,
		Encoded:        s.Encoded,
		FrameCount:     s.FrameCount,
		AudioMs:        s.AudioMs,
		FPS:            s.FPS,
		ChosenPath:     s.ChosenPath,
		Error:          s.Err,
	})
}

// EmitResponse implements segment.Emitter.
func (c *conn) EmitResponse(text string) {
	c.send(context.Background(), responseMsg{Type: "response", Text: text})
}

// ── status pings ────────────────────────────────────────────────────────────

// statusLoop sends periodic ready pings with ingest totals.
func (c *conn) statusLoop(ctx context.Context) {
	interval := c.cfg.Server.StatusInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		frames, audio, tr, txt := c.framesRecv, c.audioRecv, c.transcripts, c.textRecv
		c.mu.Unlock()

		c.send(ctx, statusMsg{
			Type:        "status",
			State:       "ready",
			Frames:      &frames,
			Audio:       &audio,
			Transcripts: &tr,
			Text:        &txt,
		})
	}
}

// send marshals and writes one message, serializing writers. Write failures
// are logged and otherwise swallowed; the read loop notices a dead socket.
func (c *conn) send(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal outbound message", "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c.writeMu.Lock()
	err = c.ws.Write(writeCtx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Debug("write failed", "error", err)
	}
}
