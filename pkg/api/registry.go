package api

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a fresh capability instance.
type Factory func() Capability

// Registry maps node types to capability factories. Get builds a new
// instance on every call so no state leaks between runs.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for nodeType. Registering the same type twice is
// an error.
func (r *Registry) Register(nodeType string, f Factory) error {
	if nodeType == "" {
		return fmt.Errorf("register capability: empty node type")
	}
	if f == nil {
		return fmt.Errorf("register capability %q: nil factory", nodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[nodeType]; exists {
		return fmt.Errorf("capability %q already registered", nodeType)
	}
	r.factories[nodeType] = f
	return nil
}

// MustRegister is Register that panics on error, for static wiring.
func (r *Registry) MustRegister(nodeType string, f Factory) {
	if err := r.Register(nodeType, f); err != nil {
		panic(err)
	}
}

// RegisterFunc registers a stateless function capability.
func (r *Registry) RegisterFunc(nodeType string, fn CapabilityFunc) error {
	return r.Register(nodeType, func() Capability { return fn })
}

func (r *Registry) Get(nodeType string) (Capability, error) {
	r.mu.RLock()
	f, ok := r.factories[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregisteredNodeType, nodeType)
	}
	return f(), nil
}

func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[nodeType]
	return ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
