package transport

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/rflow/internal/runtime/errors"
)

type entry struct {
	build Builder
	caps  Capabilities
}

// Registry maps transport names to builders. Workers and relays look
// transports up by the name a connection declares.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is filled by the blank import of transport/transports.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds builder under name with no declared capabilities.
// Endpoints built through it are passed unchecked.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: name})
}

// RegisterWithCapabilities adds builder under name. A later registration
// under the same name replaces the earlier one.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	r.entries[name] = entry{build: builder, caps: caps}
	r.mu.Unlock()
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// GetCapabilities returns what name declared, or a zero set carrying only
// the name when the transport is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	if e, ok := r.lookup(name); ok {
		return e.caps
	}
	return Capabilities{Name: name}
}

func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Names lists registered transports in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// Build checks ep against the transport's capabilities and hands it to the
// builder. A nil logger is replaced with a no-op one.
func (r *Registry) Build(ctx context.Context, name string, ep Endpoint, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	e, ok := r.lookup(name)
	if !ok || e.build == nil {
		return Transport{}, fmt.Errorf("%w: unknown transport: %q (registered: %v)", errspkg.ErrConnectionInvalid, name, r.Names())
	}
	if err := checkEndpoint(e.caps, ep); err != nil {
		return Transport{}, fmt.Errorf("%w: %s %s: %v", errspkg.ErrConnectionInvalid, name, ep, err)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return e.build(ctx, ep, cfg, logger)
}

func checkEndpoint(caps Capabilities, ep Endpoint) error {
	if !caps.PointToPoint {
		return nil
	}
	if ep.Address == "" {
		return fmt.Errorf("point-to-point transport needs an address")
	}
	switch ep.Scheme() {
	case SchemeInproc, SchemeIPC, SchemeTCP:
	default:
		return fmt.Errorf("unsupported address scheme %q", ep.Scheme())
	}
	if caps.InputBindOnly && ep.Side == SideInput && ep.Role == RoleConnect {
		return fmt.Errorf("only the input side may bind, it cannot connect")
	}
	if caps.InputBindOnly && ep.Side == SideOutput && ep.Role == RoleBind {
		return fmt.Errorf("output side cannot bind")
	}
	return nil
}

// Register adds builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build builds through DefaultRegistry.
func Build(ctx context.Context, name string, ep Endpoint, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, name, ep, cfg, logger)
}
