package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sightlinehq/sightline/pkg/respond"
)

// ErrAllFailed is returned when every responder in a [Fallback] fails or has
// an open breaker.
var ErrAllFailed = errors.New("all responders failed")

type entry struct {
	responder respond.Responder
	breaker   *Breaker
}

// Fallback is a [respond.Responder] that fails over from a primary backend
// to backups registered with [Fallback.Add]. Each backend sits behind its
// own circuit breaker; open-breaker entries are skipped without a call.
//
// Name and Capabilities report the primary's values. Capabilities are static
// backend metadata, so a mid-stream failover can hand a media request to a
// text-only backup; responders ignore media kinds they do not accept.
type Fallback struct {
	entries []entry
	cfg     BreakerConfig
}

var _ respond.Responder = (*Fallback)(nil)

// NewFallback creates a [Fallback] with primary as the preferred backend.
func NewFallback(primary respond.Responder, cfg BreakerConfig) *Fallback {
	f := &Fallback{cfg: cfg}
	f.Add(primary)
	return f
}

// Add appends a backup responder. Backups are tried in registration order
// after the primary.
func (f *Fallback) Add(r respond.Responder) {
	cfg := f.cfg
	cfg.Name = r.Name()
	f.entries = append(f.entries, entry{
		responder: r,
		breaker:   NewBreaker(cfg),
	})
}

// Name implements [respond.Responder].
func (f *Fallback) Name() string { return f.entries[0].responder.Name() }

// Capabilities implements [respond.Responder].
func (f *Fallback) Capabilities() respond.Capabilities {
	return f.entries[0].responder.Capabilities()
}

// Respond tries each backend in order until one answers. Returns
// [ErrAllFailed] wrapped with the last error when none does.
func (f *Fallback) Respond(ctx context.Context, req respond.Request) (string, error) {
	var lastErr error
	for i := range f.entries {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		e := &f.entries[i]
		var text string
		err := e.breaker.Do(func() error {
			var callErr error
			text, callErr = e.responder.Respond(ctx, req)
			return callErr
		})
		if err == nil {
			return text, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping responder (circuit open)",
				"responder", e.responder.Name())
		} else {
			slog.Warn("responder failed, trying next",
				"responder", e.responder.Name(), "error", err)
		}
	}
	return "", fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
