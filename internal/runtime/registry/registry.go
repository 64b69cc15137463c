// Package registry holds the one process-wide registry of data types,
// component types and injected capabilities. The command tree creates it at
// startup and puts it on the command context; subsystems whose configuration
// names no registry take it from there.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drblury/rflow/internal/runtime/component"
	"github.com/drblury/rflow/internal/runtime/components"
	"github.com/drblury/rflow/internal/runtime/envelope"
	"github.com/drblury/rflow/transport"
)

// Registry bundles every lookup table the runtime needs.
type Registry struct {
	Types      *envelope.Registry
	Components *component.Registry
	Transports *transport.Registry

	mu           sync.RWMutex
	capabilities map[string]any
}

// New returns an empty registry using the process transport registry.
func New() *Registry {
	return &Registry{
		Types:        envelope.NewRegistry(),
		Components:   component.NewRegistry(),
		Transports:   transport.DefaultRegistry,
		capabilities: map[string]any{},
	}
}

// NewDefault returns a registry holding the built-in data types, component
// types and capabilities.
func NewDefault() (*Registry, error) {
	r := New()
	if err := envelope.RegisterBuiltins(r.Types); err != nil {
		return nil, fmt.Errorf("register built-in data types: %w", err)
	}
	if err := components.Register(r.Components); err != nil {
		return nil, fmt.Errorf("register built-in components: %w", err)
	}
	components.RegisterCapabilities(r.RegisterCapability)
	return r, nil
}

// RegisterCapability makes a capability available to components by name. A
// later registration replaces an earlier one.
func (r *Registry) RegisterCapability(name string, capability any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[name] = capability
}

// Capability implements component.CapabilityLookup.
func (r *Registry) Capability(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[name]
	return c, ok
}

// CapabilityNames lists registered capabilities in sorted order.
func (r *Registry) CapabilityNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeclaredPorts implements connection.PortCatalog.
func (r *Registry) DeclaredPorts(specification string) (inputs, outputs []string, ok bool) {
	return r.Components.DeclaredPorts(specification)
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying r.
func WithContext(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, contextKey{}, r)
}

// FromContext returns the registry carried by ctx.
func FromContext(ctx context.Context) (*Registry, bool) {
	r, ok := ctx.Value(contextKey{}).(*Registry)
	return r, ok && r != nil
}
