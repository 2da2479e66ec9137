package job

import (
	"context"
	"fmt"
	"sync"
)

// Worker executes one job. Implementations must be safe to construct per
// execution; shared state belongs in the factory's closure.
type Worker interface {
	Perform(ctx context.Context, args []any) error
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, args []any) error

func (f WorkerFunc) Perform(ctx context.Context, args []any) error {
	return f(ctx, args)
}

// Factory builds a fresh Worker for each execution.
type Factory func() Worker

// Options customizes how jobs of one class are enqueued and retried.
type Options struct {
	// Queue is the default queue for this class when the job names none.
	Queue string

	// Retry is true, false, or a number; nil inherits the engine default.
	Retry any

	// Backtrace is true, false, or a number capping recorded frames.
	Backtrace any

	// RetryIn computes a custom delay in seconds for the given attempt
	// count. Non-positive results and panics fall back to the default
	// schedule.
	RetryIn func(count int, err error) int64

	// RetriesExhausted runs once when a job of this class is about to be
	// buried.
	RetriesExhausted func(ctx context.Context, j *Job, err error)
}

// Registration ties a class name to its factory and options.
type Registration struct {
	Class   string
	New     Factory
	Options Options
}

// UnknownClassError reports a fetched job whose class has no registration.
type UnknownClassError struct {
	Class string
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("no worker registered for class %q", e.Class)
}

// Registry maps class names to worker registrations. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Registration)}
}

// Register binds a class name to a factory with default options.
func (r *Registry) Register(class string, f Factory) {
	r.RegisterWithOptions(class, f, Options{})
}

// RegisterWithOptions binds a class name to a factory. Re-registering a
// class replaces the previous registration.
func (r *Registry) RegisterWithOptions(class string, f Factory, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[class] = &Registration{Class: class, New: f, Options: opts}
}

// Lookup resolves a class name, returning UnknownClassError when absent.
func (r *Registry) Lookup(class string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[class]
	if !ok {
		return nil, &UnknownClassError{Class: class}
	}
	return reg, nil
}

// Classes returns the registered class names, unordered.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for class := range r.entries {
		out = append(out, class)
	}
	return out
}
