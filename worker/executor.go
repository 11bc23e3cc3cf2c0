package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/noetl/noetl/engine"
)

// ToolExecutor runs one tool invocation and returns its result payload.
// Kind routing and credential/config plumbing are the caller's
// responsibility; an executor only knows how to turn (tool config,
// rendered inputs) into a result or an error. Tool plugins themselves are
// out of scope (spec.md's Non-goals), so this module ships the registry
// abstraction plus a small number of representative executors rather than
// an exhaustive plugin ecosystem.
type ToolExecutor interface {
	Execute(ctx context.Context, tool engine.Tool, inputs json.RawMessage) (json.RawMessage, error)
}

// Registry resolves a ToolExecutor by kind (§4.10 item 2). Unknown kinds
// are the Runtime's UnsupportedTool failure case.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ToolExecutor
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]ToolExecutor)}
}

// Register binds kind to ex, replacing any prior executor for that kind.
func (r *Registry) Register(kind string, ex ToolExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = ex
}

// Resolve looks up the executor bound to kind.
func (r *Registry) Resolve(kind string) (ToolExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[kind]
	return ex, ok
}
