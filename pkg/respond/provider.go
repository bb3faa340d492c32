// Package respond defines the boundary to the AI collaborator that turns a
// segment artifact plus optional transcript into a text reply.
//
// Each backend is a Responder: one stable adapter whose media capabilities
// are negotiated once at construction and cached, never re-probed per call.
// The finalizer consults the cached capabilities to pick a response path the
// backend can actually serve, degrading video → audio → image → text.
//
// Implementations must be safe for concurrent use: one Responder instance is
// shared by every connection in the process.
package respond

import "context"

// Capabilities describes which media kinds a Responder accepts alongside
// text. Negotiated once per process at construction.
type Capabilities struct {
	// Video reports whether the backend accepts a muxed video artifact.
	Video bool

	// Audio reports whether the backend accepts a standalone audio track.
	Audio bool

	// Image reports whether the backend accepts a single still image.
	Image bool
}

// MediaKind identifies the media attachment of a [Request].
type MediaKind string

const (
	MediaNone  MediaKind = ""
	MediaVideo MediaKind = "video/webm"
	MediaAudio MediaKind = "audio/wav"
	MediaImage MediaKind = "image/jpeg"
)

// Request is one collaborator call. Media is optional; Text is optional;
// a request with neither is still valid and yields a generic reply.
type Request struct {
	// MediaPath is the filesystem path of the artifact to attach. Empty when
	// the request is text-only.
	MediaPath string

	// MediaData carries the attachment inline when no file exists (used for
	// the still-image path). MediaPath takes precedence when both are set.
	MediaData []byte

	// Kind is the MIME type of the attachment.
	Kind MediaKind

	// Text is the user transcript or typed message, if any.
	Text string
}

// Responder produces a text reply for a segment. A failed call must not
// take the connection down: callers degrade to a text-only reply or drop
// the response for that segment.
type Responder interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Capabilities returns the media kinds negotiated at construction.
	Capabilities() Capabilities

	// Respond generates a reply for the request. It blocks until the backend
	// answers or ctx is done.
	Respond(ctx context.Context, req Request) (string, error)
}

// Supports reports whether caps accepts the given media kind. Text-only
// requests are always supported.
func (c Capabilities) Supports(kind MediaKind) bool {
	switch kind {
	case MediaVideo:
		return c.Video
	case MediaAudio:
		return c.Audio
	case MediaImage:
		return c.Image
	default:
		return true
	}
}
