package component

import (
	"errors"
	"fmt"
	"slices"

	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/namespace"
)

var errRegistryMissing = errors.New("data type registry is not available")

// Spec describes a component type: its ports and how to build one.
type Spec struct {
	Name        string
	Description string
	Inputs      []string
	Outputs     []string
	New         func() Component
}

// HasInput reports whether the type declares the input port.
func (s Spec) HasInput(name string) bool { return slices.Contains(s.Inputs, name) }

// HasOutput reports whether the type declares the output port.
func (s Spec) HasOutput(name string) bool { return slices.Contains(s.Outputs, name) }

// HasErrorOutput reports whether failing messages can be forwarded.
func (s Spec) HasErrorOutput() bool { return s.HasOutput(ErrorPort) }

// Registry maps component type names to specs. A specification resolves to
// the exact name or its nearest registered ancestor.
type Registry struct {
	table *namespace.Table[Spec]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{table: namespace.NewTable[Spec]()}
}

// Register adds spec. Registering a name again shadows the earlier spec.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return errors.New("component spec requires a name")
	}
	if spec.New == nil {
		return fmt.Errorf("component spec %s requires a constructor", spec.Name)
	}
	r.table.Add(spec.Name, spec)
	return nil
}

// MustRegister registers every spec and panics on error.
func (r *Registry) MustRegister(specs ...Spec) {
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
}

// Lookup resolves a specification string.
func (r *Registry) Lookup(specification string) (Spec, error) {
	spec, _, ok := r.table.Nearest(specification)
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", errspkg.ErrUnknownComponentType, specification)
	}
	return spec, nil
}

// Names lists registered type names in registration order.
func (r *Registry) Names() []string { return r.table.Names() }

// DeclaredPorts returns the ports declared by the type a specification
// resolves to.
func (r *Registry) DeclaredPorts(specification string) (inputs, outputs []string, ok bool) {
	spec, err := r.Lookup(specification)
	if err != nil {
		return nil, nil, false
	}
	return spec.Inputs, spec.Outputs, true
}
