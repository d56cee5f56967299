// Package registry implements agent dispatch: a capability interface
// covering synchronous HTTP, streaming HTTP and local-callable
// executors, plus the registry that resolves an agent name to one.
package registry

import (
	"context"

	"github.com/relaymesh/reactor/core"
)

// Result is the normalized outcome of an agent call: either a
// successful JSON-ish body or a failure reason. Streaming dispatch
// always reports Status ok with the raw frames wrapped under
// plan.StreamRawEventsKey in Output.
type Result struct {
	Status string // "ok" | "fail"
	Error  string
	Output interface{}
}

// Event is one raw line-delimited frame from a streaming agent.
type Event map[string]interface{}

// Executor is the capability every registry entry's execute value
// satisfies. Streaming is optional: executors that don't support it
// return a non-nil error from Stream.
type Executor interface {
	// Execute performs a single request/response call.
	Execute(ctx context.Context, payload map[string]interface{}) (Result, error)
	// Stream performs a call whose response is a sequence of raw
	// frames, invoking onRaw for each as it arrives.
	Stream(ctx context.Context, payload map[string]interface{}, onRaw func(Event)) ([]Event, error)
}

// Entry is one registered agent.
type Entry struct {
	Name           string
	Description    string
	Execute        Executor
	IntentSpace    []string
	PayloadBuilder func(workingInput map[string]interface{}, slots map[string]interface{}) map[string]interface{}
	Breaker        core.CircuitBreaker // nil disables circuit breaking for this agent
}

// Registry resolves agent names (and, for the legacy DispatchByIntent
// path, intent prefixes) to registered Entries.
type Registry struct {
	entries map[string]Entry
	order   []string
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces an entry.
func (r *Registry) Register(e Entry) {
	if _, exists := r.entries[e.Name]; !exists {
		r.order = append(r.order, e.Name)
	}
	r.entries[e.Name] = e
}

// Lookup returns the entry for name, if registered.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// SelectByIntentPrefix implements the legacy DispatchByIntent selection
// rule: the first registered entry (in registration order, skipping the
// router entry) whose intent_space contains a prefix of intent.
func (r *Registry) SelectByIntentPrefix(intent string) (Entry, bool) {
	for _, name := range r.order {
		if name == "RouterNode" {
			continue
		}
		e := r.entries[name]
		for _, prefix := range e.IntentSpace {
			if prefix != "" && len(intent) >= len(prefix) && intent[:len(prefix)] == prefix {
				return e, true
			}
		}
	}
	return Entry{}, false
}

// Dispatch calls entry's executor, going through its circuit breaker if
// one is configured, and normalizes the result. A failing breaker
// returns a fail Result rather than propagating core.ErrCircuitOpen, so
// callers can treat it like any other application failure.
func Dispatch(ctx context.Context, e Entry, payload map[string]interface{}) Result {
	var result Result
	var callErr error

	call := func() error {
		var err error
		result, err = e.Execute.Execute(ctx, payload)
		callErr = err
		return err
	}

	if e.Breaker != nil {
		if err := e.Breaker.Execute(ctx, call); err != nil {
			if core.IsRetryable(err) {
				return Result{Status: "fail", Error: err.Error()}
			}
			return Result{Status: "fail", Error: errString(callErr, err)}
		}
		return result
	}

	if err := call(); err != nil {
		return Result{Status: "fail", Error: errString(callErr, err)}
	}
	return result
}

func errString(inner, outer error) string {
	if inner != nil {
		return inner.Error()
	}
	return outer.Error()
}
