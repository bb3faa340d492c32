package respond

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotRegistered is returned by [Registry.Create] when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("respond: responder not registered")

// Settings is the common configuration block passed to responder factories.
type Settings struct {
	// APIKey authenticates against the backend, if it needs one.
	APIKey string

	// Model selects a specific model within the backend.
	Model string

	// BaseURL overrides the backend's default endpoint. Primarily for tests.
	BaseURL string

	// SystemPrompt is prepended to every request. Backends fall back to
	// their own default when empty.
	SystemPrompt string
}

// Factory constructs a Responder from settings.
type Factory func(Settings) (Responder, error)

// Registry maps responder names to their factories. Exactly one responder is
// created per process, at startup; the registry exists so the backend is a
// configuration choice rather than a compile-time one.
// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Subsequent calls with the same name
// overwrite the previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the responder registered under name.
func (r *Registry) Create(name string, settings Settings) (Responder, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return factory(settings)
}

// Names returns the registered responder names, for config validation
// messages.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
