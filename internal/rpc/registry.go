package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler answers one inbound RPC method. Params arrive as raw JSON; the
// returned value is marshaled into the JSON-RPC result. Returning an error
// produces a JSON-RPC error response instead.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Registry maps RPC method names to handlers. The host registers its
// capability surface (fs, terminal, permission rules, LSP stubs) here; the
// Conn consults it for every agent-initiated request.
//
// Registration happens once at startup; duplicate registration is a
// programming error and panics rather than silently shadowing a handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a method name.
func (r *Registry) Register(method string, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("rpc: nil handler for method %q", method))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[method]; exists {
		panic(fmt.Sprintf("rpc: handler already registered for method %q", method))
	}
	r.handlers[method] = h
}

// Lookup returns the handler for a method, if any.
func (r *Registry) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns the registered method names in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}
