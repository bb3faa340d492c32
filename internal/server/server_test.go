package server

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sightlinehq/sightline/internal/config"
	"github.com/sightlinehq/sightline/internal/encode"
	"github.com/sightlinehq/sightline/internal/segment"
	"github.com/sightlinehq/sightline/pkg/respond"
	"github.com/sightlinehq/sightline/pkg/respond/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// nullRunner satisfies encode.Runner without shelling out.
type nullRunner struct{}

func (nullRunner) Run(context.Context, string, ...string) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a config tuned for fast tests: no status pings and a
// short transcript wait.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.StatusInterval = time.Minute
	cfg.Pipeline.Finalize.TranscriptWait = 50 * time.Millisecond
	cfg.Pipeline.Finalize.PollInterval = 10 * time.Millisecond
	cfg.Pipeline.Encode.TempRoot = t.TempDir()
	return cfg
}

// startServer builds a Server around the given responder and serves it.
func startServer(t *testing.T, cfg *config.Config, responder respond.Responder) (*Server, *httptest.Server) {
	t.Helper()
	enc := encode.New(nullRunner{})
	fin := segment.NewFinalizer(enc, responder, nil, quietLogger(), segment.Config{
		WaitTimeout:     cfg.Pipeline.Finalize.TranscriptWait,
		PollInterval:    cfg.Pipeline.Finalize.PollInterval,
		WindowEpsilonMs: cfg.Pipeline.Finalize.WindowEpsilonMs,
		TargetFPS:       cfg.Pipeline.Encode.TargetFPS,
		TempRoot:        cfg.Pipeline.Encode.TempRoot,
	})

	srv, err := New(cfg, quietLogger(), nil, fin)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// dial opens a client WebSocket against the test server.
func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// sendJSON marshals v and sends it as a text frame.
func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads frames until one has the wanted type, returning it as a
// generic map. Other messages (acks, pings) are skipped.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", msgType, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m["type"] == msgType {
			return m
		}
	}
	t.Fatalf("no %q message within deadline", msgType)
	return nil
}

// pcmB64 builds base64 PCM of durMs at the given rate with constant amplitude.
func pcmB64(t *testing.T, durMs, rate int, amplitude int16) (string, int) {
	t.Helper()
	samples := rate * durMs / 1000
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return base64.StdEncoding.EncodeToString(buf), samples
}

// ── Validator ─────────────────────────────────────────────────────────────────

func TestValidator(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"init minimal", `{"type":"init","seq":1,"sessionId":"s1","sampleRate":16000}`, false},
		{"image frame", `{"type":"imageFrame","tsMs":100,"base64":"aGk="}`, false},
		{"image frame missing ts", `{"type":"imageFrame","base64":"aGk="}`, true},
		{"audio chunk", `{"type":"audioChunk","tsStartMs":0,"base64":"aGk=","numSamples":2,"sampleRate":16000}`, false},
		{"audio chunk missing fields", `{"type":"audioChunk","base64":"aGk="}`, true},
		{"transcript", `{"type":"transcript","tsMs":10,"text":"hello","isFinal":true}`, false},
		{"text", `{"type":"text","text":"hi","tsMs":5}`, false},
		{"control", `{"type":"control","action":"forceSegmentClose"}`, false},
		{"control missing action", `{"type":"control"}`, true},
		{"links", `{"type":"links","tsMs":1,"links":["https://example.com/p/1"]}`, false},
		{"missing type", `{"seq":1}`, true},
		{"wrong seq type", `{"type":"init","seq":"one"}`, true},
		{"not json", `{{{`, true},
		{"unknown type passes schema", `{"type":"zebra"}`, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate([]byte(tc.raw))
			if tc.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

// ── Manager ───────────────────────────────────────────────────────────────────

func TestManager_SessionLifecycle(t *testing.T) {
	m := NewManager()

	id := m.Add("127.0.0.1:1234")
	if id == "" {
		t.Fatal("Add returned empty ID")
	}

	m.SetSession(id, "sess-1")
	if got, ok := m.BySession("sess-1"); !ok || got != id {
		t.Errorf("BySession = %q, %v; want %q, true", got, ok, id)
	}

	// Rebinding replaces the old session.
	m.SetSession(id, "sess-2")
	if _, ok := m.BySession("sess-1"); ok {
		t.Error("old session binding survived rebind")
	}

	stats := m.Stats()
	if stats.TotalConnections != 1 || stats.ConnectionsWithSessions != 1 {
		t.Errorf("stats = %+v", stats)
	}

	m.Remove(id)
	if _, ok := m.BySession("sess-2"); ok {
		t.Error("session binding survived removal")
	}
	if m.Stats().TotalConnections != 0 {
		t.Error("connection survived removal")
	}
}

// ── WebSocket flows ───────────────────────────────────────────────────────────

func TestWS_InitAckAndConfig(t *testing.T) {
	srv, ts := startServer(t, testConfig(t), &mock.Responder{})
	conn := dial(t, ts)

	sendJSON(t, conn, map[string]any{"type": "init", "seq": 1, "sessionId": "sess-9", "sampleRate": 16000})

	ackM := readUntil(t, conn, "ack")
	if ackM["ackType"] != "init" || ackM["seq"] != float64(1) {
		t.Errorf("ack = %v", ackM)
	}
	cfgM := readUntil(t, conn, "config")
	if cfgM["captureFps"] != float64(1) {
		t.Errorf("captureFps = %v, want 1", cfgM["captureFps"])
	}

	if _, ok := srv.Manager().BySession("sess-9"); !ok {
		t.Error("session was not registered")
	}
}

func TestWS_TranscriptEcho(t *testing.T) {
	_, ts := startServer(t, testConfig(t), &mock.Responder{})
	conn := dial(t, ts)

	sendJSON(t, conn, map[string]any{"type": "transcript", "seq": 2, "tsMs": 120.0, "text": "hello there", "isFinal": true})

	echo := readUntil(t, conn, "transcript")
	if echo["text"] != "hello there" || echo["isFinal"] != true {
		t.Errorf("echo = %v", echo)
	}
	ackM := readUntil(t, conn, "ack")
	if ackM["ackType"] != "transcript" {
		t.Errorf("ack = %v", ackM)
	}
}

func TestWS_InvalidMessage(t *testing.T) {
	_, ts := startServer(t, testConfig(t), &mock.Responder{})
	conn := dial(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	errM := readUntil(t, conn, "error")
	if errM["message"] != "invalid_message" {
		t.Errorf("error = %v", errM)
	}
}

func TestWS_UnknownType(t *testing.T) {
	_, ts := startServer(t, testConfig(t), &mock.Responder{})
	conn := dial(t, ts)

	sendJSON(t, conn, map[string]any{"type": "zebra"})

	errM := readUntil(t, conn, "error")
	if got, _ := errM["message"].(string); !strings.HasPrefix(got, "unknown_type:") {
		t.Errorf("error = %v", errM)
	}
}

// TestWS_TypedTextFlow drives a typed-text message end to end: transcript
// echo, segment summary on the text path, then the AI response.
func TestWS_TypedTextFlow(t *testing.T) {
	responder := &mock.Responder{
		RespondFunc: func(_ context.Context, req respond.Request) (string, error) {
			return "echo:" + req.Text, nil
		},
	}
	_, ts := startServer(t, testConfig(t), responder)
	conn := dial(t, ts)

	sendJSON(t, conn, map[string]any{"type": "text", "seq": 3, "tsMs": 10.0, "text": "red sneakers"})

	seg := readUntil(t, conn, "segment")
	if seg["chosenPath"] != "text" {
		t.Errorf("chosenPath = %v, want text", seg["chosenPath"])
	}
	if seg["encoded"] != false {
		t.Errorf("encoded = %v, want false", seg["encoded"])
	}
	if seg["transcript"] != "red sneakers" {
		t.Errorf("transcript = %v", seg["transcript"])
	}

	resp := readUntil(t, conn, "response")
	if resp["text"] != "echo:red sneakers" {
		t.Errorf("response = %v", resp)
	}
}

// TestWS_SpeechSegmentFlow streams loud then quiet audio and expects the
// speech segmenter to open and close a segment, ending in a summary on the
// audio path.
func TestWS_SpeechSegmentFlow(t *testing.T) {
	responder := &mock.Responder{Caps: respond.Capabilities{Audio: true}}
	_, ts := startServer(t, testConfig(t), responder)
	conn := dial(t, ts)

	sendJSON(t, conn, map[string]any{"type": "init", "seq": 1, "sessionId": "s", "sampleRate": 16000})
	readUntil(t, conn, "config")

	loud, loudSamples := pcmB64(t, 600, 16000, 3000)
	sendJSON(t, conn, map[string]any{
		"type": "audioChunk", "seq": 2,
		"tsStartMs": 0.0, "base64": loud,
		"numSamples": loudSamples, "sampleRate": 16000,
	})

	speaking := readUntil(t, conn, "status")
	if speaking["state"] != "speaking" {
		t.Fatalf("state = %v, want speaking", speaking["state"])
	}

	quiet, quietSamples := pcmB64(t, 1000, 16000, 10)
	sendJSON(t, conn, map[string]any{
		"type": "audioChunk", "seq": 3,
		"tsStartMs": 600.0, "base64": quiet,
		"numSamples": quietSamples, "sampleRate": 16000,
	})

	var closed map[string]any
	for {
		closed = readUntil(t, conn, "status")
		if closed["state"] == "segment_closed" {
			break
		}
	}
	if closed["segment_end_ms"] == nil {
		t.Error("segment_closed missing segment_end_ms")
	}

	seg := readUntil(t, conn, "segment")
	if seg["chosenPath"] != "audio" {
		t.Errorf("chosenPath = %v, want audio", seg["chosenPath"])
	}
	if audioMs, _ := seg["audioMs"].(float64); audioMs <= 0 {
		t.Errorf("audioMs = %v, want > 0", seg["audioMs"])
	}
}

// TestWS_ForceSegmentClose exercises the control path with no open segment:
// the trailing window is finalized.
func TestWS_ForceSegmentClose(t *testing.T) {
	_, ts := startServer(t, testConfig(t), &mock.Responder{})
	conn := dial(t, ts)

	sendJSON(t, conn, map[string]any{"type": "imageFrame", "seq": 1, "tsMs": 500.0, "base64": base64.StdEncoding.EncodeToString([]byte("jpg"))})
	readUntil(t, conn, "ack")

	sendJSON(t, conn, map[string]any{"type": "control", "seq": 2, "action": "forceSegmentClose"})

	forced := readUntil(t, conn, "status")
	if forced["state"] != "segment_forced" {
		t.Errorf("state = %v, want segment_forced", forced["state"])
	}

	seg := readUntil(t, conn, "segment")
	if seg["segmentEndMs"] != float64(500) {
		t.Errorf("segmentEndMs = %v, want 500", seg["segmentEndMs"])
	}
}

// ── HTTP surface ──────────────────────────────────────────────────────────────

func TestHTTP_Connections(t *testing.T) {
	_, ts := startServer(t, testConfig(t), &mock.Responder{})
	conn := dial(t, ts)
	sendJSON(t, conn, map[string]any{"type": "init", "seq": 1, "sessionId": "sess-http", "sampleRate": 16000})
	readUntil(t, conn, "config")

	resp, err := http.Get(ts.URL + "/connections")
	if err != nil {
		t.Fatalf("GET /connections: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Stats       ManagerStats        `json:"stats"`
		Connections map[string]ConnInfo `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Stats.TotalConnections != 1 {
		t.Errorf("total_connections = %d, want 1", body.Stats.TotalConnections)
	}
	if body.Stats.ConnectionsWithSessions != 1 {
		t.Errorf("connections_with_sessions = %d, want 1", body.Stats.ConnectionsWithSessions)
	}
}

func TestHTTP_Healthz(t *testing.T) {
	_, ts := startServer(t, testConfig(t), &mock.Responder{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHTTP_Metrics(t *testing.T) {
	_, ts := startServer(t, testConfig(t), &mock.Responder{})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
