package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps address schemes to transport builders. Transport
// packages register themselves from init.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a transport builder for an address scheme.
func (r *Registry) Register(scheme string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[scheme] = builder
}

// Build creates a connection using the builder registered for the
// endpoint's scheme.
func (r *Registry) Build(ctx context.Context, ep Endpoint, logger watermill.LoggerAdapter) (Connection, error) {
	r.mu.RLock()
	builder, ok := r.builders[ep.Scheme]
	r.mu.RUnlock()

	if !ok {
		return Connection{}, fmt.Errorf("unknown transport scheme: %q (registered: %v)", ep.Scheme, r.Names())
	}
	return builder(ctx, ep, logger)
}

// Names returns the registered schemes.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Has reports whether a scheme has a registered builder.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[scheme]
	return ok
}

// Register adds a transport builder to the default registry.
func Register(scheme string, builder Builder) {
	DefaultRegistry.Register(scheme, builder)
}

// Build creates a connection using the default registry.
func Build(ctx context.Context, ep Endpoint, logger watermill.LoggerAdapter) (Connection, error) {
	return DefaultRegistry.Build(ctx, ep, logger)
}
