// Package server implements the Sightline WebSocket ingest server: one
// goroutine per client connection reads typed JSON messages, feeds the
// per-connection media buffers and speech segmenter, and spawns finalize
// goroutines when segments close.
package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Inbound message types.
const (
	msgInit       = "init"
	msgImageFrame = "imageFrame"
	msgAudioChunk = "audioChunk"
	msgTranscript = "transcript"
	msgText       = "text"
	msgControl    = "control"
	msgLinks      = "links"
)

// Control actions. Matching is case-insensitive.
const (
	actionForceSegmentClose   = "forcesegmentclose"
	actionActiveSessionClosed = "activesessionclosed"
)

// inbound is the envelope for all client messages. Fields are a union over
// the per-type payloads; the schema enforces which are required for each
// type.
type inbound struct {
	Type string `json:"type"`
	Seq  *int64 `json:"seq,omitempty"`

	// init
	SessionID  string  `json:"sessionId,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	SampleRate int     `json:"sampleRate,omitempty"`

	// imageFrame, audioChunk
	Base64     string  `json:"base64,omitempty"`
	TsMs       float64 `json:"tsMs,omitempty"`
	TsStartMs  float64 `json:"tsStartMs,omitempty"`
	NumSamples int     `json:"numSamples,omitempty"`

	// transcript, text
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`

	// control
	Action string `json:"action,omitempty"`

	// links
	Links []string `json:"links,omitempty"`
}

// Outbound messages.

type ackMsg struct {
	Type    string `json:"type"`
	Seq     *int64 `json:"seq"`
	AckType string `json:"ackType"`
}

func ack(seq *int64, ackType string) ackMsg {
	return ackMsg{Type: "ack", Seq: seq, AckType: ackType}
}

// statusMsg reports connection state transitions and periodic ingest totals.
type statusMsg struct {
	Type  string `json:"type"`
	State string `json:"state"`

	// Periodic ping counters.
	Frames      *int64 `json:"frames,omitempty"`
	Audio       *int64 `json:"audio,omitempty"`
	Transcripts *int64 `json:"transcripts,omitempty"`
	Text        *int64 `json:"text,omitempty"`

	// Backpressure notifications.
	DroppedFrames      int `json:"droppedFrames,omitempty"`
	DroppedAudioChunks int `json:"droppedAudioChunks,omitempty"`

	// Segment boundary notifications.
	SegmentStartMs *float64 `json:"segment_start_ms,omitempty"`
	SegmentEndMs   *float64 `json:"segment_end_ms,omitempty"`
}

type configMsg struct {
	Type       string  `json:"type"`
	CaptureFPS float64 `json:"captureFps"`
}

type transcriptMsg struct {
	Type    string  `json:"type"`
	Text    string  `json:"text"`
	IsFinal bool    `json:"isFinal"`
	TsMs    float64 `json:"tsMs"`
}

// segmentMsg is the per-segment summary sent before the AI response.
type segmentMsg struct {
	Type           string  `json:"type"`
	SegmentStartMs float64 `json:"segmentStartMs"`
	SegmentEndMs   float64 `json:"segmentEndMs"`
	Transcript     string  `json:"transcript"`
	Encoded        bool    `json:"encoded"`
	FrameCount     int     `json:"frameCount"`
	AudioMs        float64 `json:"audioMs"`
	FPS            float64 `json:"fps"`
	ChosenPath     string  `json:"chosenPath"`
	Error          string  `json:"error,omitempty"`
}

type responseMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// inboundSchema validates the structural contract of client messages before
// dispatch: the envelope shape plus the required fields for each known type.
// Unknown types pass the schema and are rejected by the dispatcher so the
// client gets a precise unknown_type error.
const inboundSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "seq": {"type": "integer"},
    "sessionId": {"type": "string"},
    "fps": {"type": "number", "minimum": 0},
    "sampleRate": {"type": "integer", "minimum": 0},
    "base64": {"type": "string"},
    "tsMs": {"type": "number", "minimum": 0},
    "tsStartMs": {"type": "number", "minimum": 0},
    "numSamples": {"type": "integer", "minimum": 0},
    "text": {"type": "string"},
    "isFinal": {"type": "boolean"},
    "action": {"type": "string", "minLength": 1},
    "links": {"type": "array", "items": {"type": "string"}, "maxItems": 1000}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "imageFrame"}}},
      "then": {"required": ["base64", "tsMs"]}
    },
    {
      "if": {"properties": {"type": {"const": "audioChunk"}}},
      "then": {"required": ["base64", "tsStartMs", "numSamples", "sampleRate"]}
    },
    {
      "if": {"properties": {"type": {"const": "transcript"}}},
      "then": {"required": ["text", "tsMs"]}
    },
    {
      "if": {"properties": {"type": {"const": "text"}}},
      "then": {"required": ["text"]}
    },
    {
      "if": {"properties": {"type": {"const": "control"}}},
      "then": {"required": ["action"]}
    },
    {
      "if": {"properties": {"type": {"const": "links"}}},
      "then": {"required": ["links"]}
    }
  ]
}`

// Validator checks inbound messages against the wire schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded inbound message schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inbound.schema.json", strings.NewReader(inboundSchema)); err != nil {
		return nil, fmt.Errorf("server: add schema resource: %w", err)
	}
	schema, err := compiler.Compile("inbound.schema.json")
	if err != nil {
		return nil, fmt.Errorf("server: compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks raw against the inbound schema. The returned error is
// suitable for logging, not for echoing to clients verbatim.
func (v *Validator) Validate(raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return v.schema.Validate(payload)
}

// decodeInbound validates raw and unmarshals it into the envelope.
func decodeInbound(v *Validator, raw []byte) (inbound, error) {
	if err := v.Validate(raw); err != nil {
		return inbound{}, err
	}
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return inbound{}, err
	}
	return msg, nil
}
