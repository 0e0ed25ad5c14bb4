// Package backend abstracts the LLM-invocation substrate. The fleet core
// treats a backend as opaque: it hands over a prompt, an optional session id,
// a workdir and a tool policy, and receives back text plus the session id to
// store for resumption.
package backend

import (
	"context"
	"fmt"
	"sync"
)

// Request carries everything a backend needs for one invocation.
type Request struct {
	// Prompt is the full prompt text (may include conversation context).
	Prompt string

	// SessionID resumes an existing backend session when non-empty. Opaque.
	SessionID string

	// Workdir is the working directory for the run.
	Workdir string

	// Model overrides the backend default model (may be empty).
	Model string

	// AllowedTools / DisallowedTools form the permission policy.
	AllowedTools    []string
	DisallowedTools []string

	// MetadataFile is where the agent may write its metadata JSON.
	MetadataFile string
}

// Result is a completed invocation.
type Result struct {
	// Text is the backend's final result text.
	Text string

	// SessionID is the session identifier to persist for resumption.
	SessionID string

	// InputTokens / OutputTokens report usage when the backend exposes it.
	InputTokens  int
	OutputTokens int
}

// Backend invokes the agent substrate. Implementations must honor ctx
// cancellation and deadlines.
type Backend interface {
	// Name returns the backend identifier (e.g. "subprocess").
	Name() string

	// Invoke runs one prompt to completion.
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Registry holds the available backends by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend. Registering a duplicate name is an error.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[b.Name()]; exists {
		return fmt.Errorf("backend %q already registered", b.Name())
	}
	r.backends[b.Name()] = b
	return nil
}

// Get returns the backend with the given name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}
