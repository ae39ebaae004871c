package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// OutcomeKind classifies what the orchestrator does after a handler returns.
type OutcomeKind string

const (
	// OutcomeAdvance moves the current step into the completed list.
	OutcomeAdvance OutcomeKind = "advance"

	// OutcomeRetryLater redelivers the message after a delay, counting an
	// attempt.
	OutcomeRetryLater OutcomeKind = "retry_later"

	// OutcomeFatal fails the document permanently.
	OutcomeFatal OutcomeKind = "fatal"
)

// Outcome is a handler's verdict on the step it just ran.
type Outcome struct {
	Kind   OutcomeKind
	Delay  time.Duration
	Reason string
}

// Advance reports successful step completion.
func Advance() Outcome {
	return Outcome{Kind: OutcomeAdvance}
}

// RetryLater reports a transient failure worth retrying after the delay.
func RetryLater(delay time.Duration, reason string) Outcome {
	return Outcome{Kind: OutcomeRetryLater, Delay: delay, Reason: reason}
}

// Fatal reports a permanent failure.
func Fatal(reason string) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: reason}
}

// Handler executes one pipeline step. It may read and write the artifact
// store, append files and descendants to the state, and add tags; it must
// not remove completed steps. Handlers are re-invoked after crashes and
// must be idempotent, detecting prior work through their deterministic
// artifact keys.
type Handler interface {
	Name() string
	Invoke(ctx context.Context, state *State) (Outcome, error)
}

// Registry maps step names to handlers. Registration happens at startup;
// afterwards the registry is read-only and safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its name. Registering the same name twice
// is a configuration error.
func (r *Registry) Register(handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := handler.Name()
	if name == "" {
		return fmt.Errorf("handler has no step name")
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("step %s is already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// Resolve returns the handler of a step.
func (r *Registry) Resolve(step string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[step]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}
	return handler, nil
}

// Validate checks that every step of a plan has a handler.
func (r *Registry) Validate(steps []string) error {
	for _, step := range steps {
		if _, err := r.Resolve(step); err != nil {
			return err
		}
	}
	return nil
}

// Steps returns the registered step names, sorted.
func (r *Registry) Steps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
