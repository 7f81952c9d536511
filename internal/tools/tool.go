package tools

import (
	"context"
	"sort"
)

// Tool is a single external operation with a typed request/response contract.
// Execute takes the raw JSON arguments produced by the model and returns a
// textual result or a structured failure.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the tool's inputs
	Execute(ctx context.Context, input string) (string, error)
}

// TokenSource yields the bearer token for the session's remote API calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Registry is the set of tools available to one session. It is built once
// from the capability filter and never grows afterwards.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry(loaded ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(loaded))}
	for _, t := range loaded {
		r.tools[t.Name()] = t
	}
	return r
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns the named tool, or nil if this session does not hold it.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// All returns the registered tools ordered by name.
func (r *Registry) All() []Tool {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.tools)
}
