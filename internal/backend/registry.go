package backend

import (
	"github.com/GGPrompts/chatbridge/domain"
)

// FallbackName is the backend used when no other engine is available. The
// canned-response adapter registers under this name.
const FallbackName = "mock"

// Registry holds the configured adapters keyed by backend name. It is built
// once at startup and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry creates a registry from the given adapters, preserving order.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
		r.order = append(r.order, a.Name())
	}
	return r
}

// Get returns the adapter for name, or a typed NotAvailable error.
func (r *Registry) Get(name string) (Adapter, error) {
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	return nil, domain.NewEngineError(domain.ErrKindNotAvailable, name, "unknown backend", nil)
}

// Names returns every registered backend name in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
