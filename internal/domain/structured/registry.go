package structured

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps a structured type to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// NewDefaultRegistry registers the built-in adapters.
func NewDefaultRegistry(w ResourceWriter) *Registry {
	return NewRegistry(Builtin(w)...)
}

// Register adds or replaces the adapter for a.Type().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

func (r *Registry) Get(structuredType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[structuredType]
	return a, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Validate(structuredType string, subject Subject, value map[string]interface{}) []FieldError {
	a, ok := r.Get(structuredType)
	if !ok {
		return []FieldError{{Message: fmt.Sprintf("%v %q", ErrUnknownType, structuredType)}}
	}
	return a.Validate(subject, value)
}

func (r *Registry) Submit(ctx context.Context, structuredType string, subject Subject, value map[string]interface{}) (ResourceRef, error) {
	a, ok := r.Get(structuredType)
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownType, structuredType)
	}
	return a.Submit(ctx, subject, value)
}
