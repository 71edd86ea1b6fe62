// Package registry maps callable names to the handlers that execute them.
// The set of handlers is fixed at process start and sealed before serving.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrEmptyName is returned when registering a handler without a name
	ErrEmptyName = errors.New("handler name is required")

	// ErrNilHandler is returned when registering a nil handler
	ErrNilHandler = errors.New("handler is nil")

	// ErrSealed is returned when registering after Seal
	ErrSealed = errors.New("registry is sealed")
)

// Call carries the decoded invocation passed to a handler
type Call struct {
	JobID   string
	Queue   string
	Attempt int // 1 for the first execution
	Args    []any
	Kwargs  map[string]any
}

// Handler executes one job. The returned value is stored as the job result
// and must be JSON serializable.
type Handler func(ctx context.Context, call Call) (any, error)

// UnknownJobError is returned when resolving a name nobody registered
type UnknownJobError struct {
	Name string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("unknown job %q", e.Name)
}

// Permanent marks unknown callables as not worth retrying
func (e *UnknownJobError) Permanent() bool {
	return true
}

// Registry is a concurrency safe name to handler map
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sealed   bool
}

// New creates an empty registry
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds handler under name. Names are unique.
func (r *Registry) Register(name string, handler Handler) error {
	if name == "" {
		return ErrEmptyName
	}
	if handler == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrSealed
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// MustRegister is Register that panics on error, for static wiring
func (r *Registry) MustRegister(name string, handler Handler) {
	if err := r.Register(name, handler); err != nil {
		panic(err)
	}
}

// Resolve returns the handler registered under name
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[name]
	if !ok {
		return nil, &UnknownJobError{Name: name}
	}
	return handler, nil
}

// Names lists registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Seal closes the registry to further registration
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}
