// Package openai implements a text-only respond.Responder backed by the
// OpenAI chat completions API.
//
// Chat completions take no video or audio attachments, so the declared
// capabilities are text-only; the finalizer degrades media segments to their
// transcript before calling this backend.
package openai

import (
	"context"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/sightlinehq/sightline/pkg/respond"
)

var _ respond.Responder = (*Responder)(nil)

const defaultModel = "gpt-4o-mini"

const defaultSystemPrompt = "You are a shopping assistant. You receive the transcription of a short " +
	"segment of a user's browsing session. Understand the user's shopping " +
	"intent and provide a helpful, concise text response. Respond in plain " +
	"text only."

// Responder calls the OpenAI chat completions API with transcript text.
type Responder struct {
	client       oai.Client
	model        string
	systemPrompt string
}

// New creates an OpenAI responder. The API key is required.
func New(settings respond.Settings) (*Responder, error) {
	if settings.APIKey == "" {
		return nil, fmt.Errorf("openai: api key must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(settings.APIKey)}
	if settings.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(settings.BaseURL))
	}

	r := &Responder{
		client:       oai.NewClient(reqOpts...),
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
func (*Responder) Name() string { return "openai" }

// Capabilities implements respond.Responder.
func (*Responder) Capabilities() respond.Capabilities {
	return respond.Capabilities{} // text-only
}

// Respond implements respond.Responder. Media attachments are ignored; only
// the transcript text reaches the model.
func (r *Responder) Respond(ctx context.Context, req respond.Request) (string, error) {
	user := req.Text
	if user == "" {
		user = "(no transcription was captured for this segment)"
	}

	resp, err := r.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: oai.ChatModel(r.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(r.systemPrompt),
			oai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
