// Package echo provides a deterministic offline Responder. It is the
// fallback strategy selected when no API credentials are configured, keeping
// the full segmentation pipeline exercisable without a live backend.
package echo

import (
	"context"
	"fmt"

	"github.com/sightlinehq/sightline/pkg/respond"
)

// Responder replies with a short description of what it received. It never
// fails and accepts every media kind.
type Responder struct{}

// New creates an echo Responder.
func New() *Responder {
	return &Responder{}
}

// Name implements respond.Responder.
func (*Responder) Name() string { return "echo" }

// Capabilities implements respond.Responder.
func (*Responder) Capabilities() respond.Capabilities {
	return respond.Capabilities{Video: true, Audio: true, Image: true}
}

// Respond implements respond.Responder.
func (*Responder) Respond(_ context.Context, req respond.Request) (string, error) {
	switch {
	case req.Kind != respond.MediaNone && req.Text != "":
		return fmt.Sprintf("Received a %s segment with transcript: %q", req.Kind, req.Text), nil
	case req.Kind != respond.MediaNone:
		return fmt.Sprintf("Received a %s segment.", req.Kind), nil
	case req.Text != "":
		return fmt.Sprintf("Received transcript: %q", req.Text), nil
	default:
		return "Received an empty segment.", nil
	}
}
