package scheduler

import (
	"context"
	"sync"

	"vigil/internal/model"
)

// Handler runs one scheduled task. The returned map lands in the run
// record's result; errors mark the run failed and drive retry backoff.
// Handlers must surrender when ctx is cancelled.
type Handler func(ctx context.Context, task model.ScheduledTask) (map[string]any, error)

// Registry maps task kinds to handlers. The closed set of kinds is
// declared in the model; Register accepts custom kinds too, but dispatch
// of an unregistered kind always fails with no_handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.ScheduledTaskKind]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.ScheduledTaskKind]Handler)}
}

// Register binds a handler to a task kind, replacing any previous one.
func (r *Registry) Register(kind model.ScheduledTaskKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Handler resolves the handler for a kind.
func (r *Registry) Handler(kind model.ScheduledTaskKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds lists the kinds with a registered handler.
func (r *Registry) Kinds() []model.ScheduledTaskKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ScheduledTaskKind, 0, len(r.handlers))
	for kind := range r.handlers {
		out = append(out, kind)
	}
	return out
}
