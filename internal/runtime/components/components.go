// Package components holds the built-in component types.
package components

import (
	"github.com/drblury/rflow/internal/runtime/component"
)

// Prefix namespaces every built-in component type.
const Prefix = "RFlow::Components::"

// Built-in component type names.
const (
	GenerateIntegerSequenceType = Prefix + "GenerateIntegerSequence"
	FilterType                  = Prefix + "Filter"
	ReplicateType               = Prefix + "Replicate"
	ClockType                   = Prefix + "Clock"
	FileOutputType              = Prefix + "FileOutput"
	FileDirectoryWatcherType    = Prefix + "FileDirectoryWatcher"
	CollectType                 = Prefix + "Collect"
)

// Specs returns the built-in component specs.
func Specs() []component.Spec {
	return []component.Spec{
		{
			Name:        GenerateIntegerSequenceType,
			Description: "Emits start..finish by step, also keyed even/odd on even_odd_out",
			Outputs:     []string{"out", "even_odd_out"},
			New:         func() component.Component { return &GenerateIntegerSequence{} },
		},
		{
			Name:        FilterType,
			Description: "Routes messages to accepted or dropped using an injected predicate",
			Inputs:      []string{"in"},
			Outputs:     []string{"accepted", "dropped", component.ErrorPort},
			New:         func() component.Component { return &Filter{} },
		},
		{
			Name:        ReplicateType,
			Description: "Copies every message to each key of out",
			Inputs:      []string{"in"},
			Outputs:     []string{"out", component.ErrorPort},
			New:         func() component.Component { return &Replicate{} },
		},
		{
			Name:        ClockType,
			Description: "Emits a named tick every tick_interval seconds",
			Outputs:     []string{"tick_port"},
			New:         func() component.Component { return &Clock{} },
		},
		{
			Name:        FileOutputType,
			Description: "Appends message payloads to output_file_path",
			Inputs:      []string{"in"},
			New:         func() component.Component { return &FileOutput{} },
		},
		{
			Name:        FileDirectoryWatcherType,
			Description: "Emits files appearing in directory_path",
			Outputs:     []string{"file_port", "raw_port"},
			New:         func() component.Component { return &FileDirectoryWatcher{} },
		},
		{
			Name:        CollectType,
			Description: "Hands every message to an injected sink",
			Inputs:      []string{"in"},
			New:         func() component.Component { return &Collect{} },
		},
	}
}

// Register adds the built-in specs to r.
func Register(r *component.Registry) error {
	for _, spec := range Specs() {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCapabilities hands the built-in capabilities to register.
func RegisterCapabilities(register func(name string, capability any)) {
	for name, p := range Predicates() {
		register(name, p)
	}
}
