// Package mock provides a configurable test double for respond.Responder.
package mock

import (
	"context"
	"sync"

	"github.com/sightlinehq/sightline/pkg/respond"
)

// Responder is a test double whose behavior is set field-by-field. The zero
// value accepts every media kind and returns empty text.
type Responder struct {
	// Caps is returned by Capabilities. Zero value means text-only.
	Caps respond.Capabilities

	// RespondFunc, when non-nil, handles Respond calls.
	RespondFunc func(ctx context.Context, req respond.Request) (string, error)

	mu    sync.Mutex
	calls []respond.Request
}

// Name implements respond.Responder.
func (*Responder) Name() string { return "mock" }

// Capabilities implements respond.Responder.
func (m *Responder) Capabilities() respond.Capabilities { return m.Caps }

// Respond implements respond.Responder and records the request.
func (m *Responder) Respond(ctx context.Context, req respond.Request) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.RespondFunc != nil {
		return m.RespondFunc(ctx, req)
	}
	return "", nil
}

// Calls returns a copy of all recorded requests.
func (m *Responder) Calls() []respond.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]respond.Request, len(m.calls))
	copy(out, m.calls)
	return out
}
