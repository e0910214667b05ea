// Package router provides a type-keyed dispatch table for envelopes.
// The session manager uses one router per side to wire frontend and
// provider handlers together without either side depending on the other.
package router

import (
	"log/slog"
	"sync"

	"github.com/openduck/mallard/pkg/envelope"
)

// Handler processes one envelope of a registered kind.
type Handler func(envelope.Envelope)

// Router maps envelope kinds to handlers. At most one handler is active
// per kind; registering again replaces the previous handler. The zero
// value is not usable, call New.
type Router struct {
	mu       sync.RWMutex
	handlers map[envelope.Kind]Handler
	logger   *slog.Logger
}

// New creates an empty router. The logger is used for debug-level
// reporting of undispatchable envelopes.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[envelope.Kind]Handler),
		logger:   logger,
	}
}

// Register installs h for the given kind. Last registration wins.
// A nil handler removes the registration.
func (r *Router) Register(kind envelope.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, kind)
		return
	}
	r.handlers[kind] = h
}

// Unregister removes the handler for kind, if any.
func (r *Router) Unregister(kind envelope.Kind) {
	r.Register(kind, nil)
}

// Dispatch invokes the handler registered for env's kind. A missing
// handler is a no-op, not an error.
func (r *Router) Dispatch(env envelope.Envelope) {
	r.mu.RLock()
	h := r.handlers[env.Kind]
	r.mu.RUnlock()

	if h == nil {
		r.logger.Debug("no handler for envelope", "kind", env.Kind)
		return
	}
	h(env)
}

// Clear removes all registrations. Called during session teardown so a
// late envelope from a closing loop dispatches into nothing.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[envelope.Kind]Handler)
}
