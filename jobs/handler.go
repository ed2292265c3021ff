package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes jobs of one type. Domain packages implement it so the
// worker pool stays unaware of what a job does.
//
// The returned error decides the job's next state:
//   - nil: finished
//   - a client input error (errors.IsClientInput): invalid, with the error text as reason
//   - anything else: failed
//
// Handlers must check ctx between units of work and return promptly when it is done.
type Handler interface {
	Execute(ctx context.Context, job *Job) error

	// Name returns the job type the handler serves.
	Name() string
}

// HandlerRegistry manages handlers by job type.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a job type.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(jobType Type) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[string(jobType)]
}

// Has checks if a handler is registered for a job type.
func (r *HandlerRegistry) Has(jobType Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[string(jobType)]
	return exists
}

// Names returns all registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
