// Package gemini implements respond.Responder using Google's Gemini API.
//
// Segment artifacts are attached as inline blobs (WebM video, WAV audio, or
// a JPEG still) alongside the prompt. The backend's media capabilities are
// fixed properties of the model family and are declared once at
// construction, not probed per call.
package gemini

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/genai"

	"github.com/sightlinehq/sightline/pkg/respond"
)

// Compile-time assertion that Responder satisfies the respond interface.
var _ respond.Responder = (*Responder)(nil)

const defaultModel = "gemini-2.5-flash"

// defaultSystemPrompt mirrors the assistant role the pipeline was built for:
// a short multimodal segment of a browsing session plus an optional user
// transcription.
const defaultSystemPrompt = "You are a shopping assistant. You receive a short video segment captured " +
	"from the user's browsing session along with an optional user transcription. " +
	"Understand the user's shopping intent and provide a helpful, concise text " +
	"response. Respond in plain text only."

// Responder calls the Gemini generate-content API.
type Responder struct {
	client       *genai.Client
	model        string
	systemPrompt string
}

// New creates a Gemini responder. The API key is required; model and prompt
// fall back to defaults when empty.
func New(settings respond.Settings) (*Responder, error) {
	if settings.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key must not be empty")
	}

	cfg := &genai.ClientConfig{
		APIKey:  settings.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	r := &Responder{
		client:       client,
		model:        settings.Model,
		systemPrompt: settings.SystemPrompt,
	}
	if r.model == "" {
		r.model = defaultModel
	}
	if r.systemPrompt == "" {
		r.systemPrompt = defaultSystemPrompt
	}
	return r, nil
}

// Name implements respond.Responder.
func (*Responder) Name() string { return "gemini" }

// Capabilities implements respond.Responder. Gemini flash models accept
// inline video, audio, and images.
func (*Responder) Capabilities() respond.Capabilities {
	return respond.Capabilities{Video: true, Audio: true, Image: true}
}

// Respond implements respond.Responder. When the media attachment cannot be
// read the call degrades to text-only rather than failing the segment.
func (r *Responder) Respond(ctx context.Context, req respond.Request) (string, error) {
	prompt := r.systemPrompt
	if req.Text != "" {
		prompt = fmt.Sprintf("%s\n\nUser transcription (if any): %s", prompt, req.Text)
	}

	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if blob := r.mediaBlob(req); blob != nil {
		parts = append(parts, blob)
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := r.client.Models.GenerateContent(ctx, r.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	return resp.Text(), nil
}

// mediaBlob loads the request's attachment as an inline part, or nil when
// there is none or it cannot be read.
func (r *Responder) mediaBlob(req respond.Request) *genai.Part {
	if req.Kind == respond.MediaNone {
		return nil
	}

	data := req.MediaData
	if req.MediaPath != "" {
		b, err := os.ReadFile(req.MediaPath)
		if err != nil {
			return nil
		}
		data = b
	}
	if len(data) == 0 {
		return nil
	}
	return genai.NewPartFromBytes(data, string(req.Kind))
}
