package steps

import (
	"sync"

	"github.com/enerflow/enerflow/internal/workflow/models"
)

// Registry maps step types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.StepType]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.StepType]Handler)}
}

// Register adds a handler, replacing any previous handler for the same type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get resolves the handler for a step type.
func (r *Registry) Get(t models.StepType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, models.NewError(models.KindValidation, "no handler registered for step type %q", t)
	}
	return h, nil
}
