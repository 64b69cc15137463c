// Package component defines the contract every component type implements,
// the lifecycle state machine an Instance enforces, and the registry of
// component types.
package component

import (
	"context"

	"github.com/drblury/rflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/loop"
	"github.com/drblury/rflow/internal/runtime/port"
)

// ErrorPort is the output port that gives a component type the error-output
// capability.
const ErrorPort = "error"

// ErrorProperty carries the error text on messages forwarded to ErrorPort.
const ErrorProperty = "rflow.error"

// Component is a unit of computation. All methods are called on the worker's
// event loop and must not block it.
type Component interface {
	// Configure reads the declared options. Ports are not connected yet.
	Configure(ctx context.Context, opts Options) error
	// Run registers timers or I/O callbacks once every port is connected.
	Run(ctx context.Context) error
	// Process handles one message that arrived on an input port.
	Process(ctx context.Context, d port.Delivery, msg *envelope.Message) error
	// Shutdown stops accepting new work.
	Shutdown(ctx context.Context) error
	// Cleanup releases resources after the loop has drained.
	Cleanup(ctx context.Context) error
}

// CapabilityLookup resolves capabilities injected at startup, such as filter
// predicates or collecting sinks.
type CapabilityLookup interface {
	Capability(name string) (any, bool)
}

// Env is what an instance hands to its component before Configure.
type Env struct {
	Name          string
	InstanceID    string
	Specification string
	Logger        loggingpkg.ServiceLogger
	Loop          *loop.Loop
	Types         *envelope.Registry
	Capabilities  CapabilityLookup
	Ports         *port.Set
}

// EnvBinder is implemented by components that want their Env. Base does.
type EnvBinder interface {
	BindEnv(env Env)
}

// Base gives a component no-op lifecycle methods and access to its Env.
// Embed it and override what is needed.
type Base struct {
	env Env
}

// BindEnv stores env.
func (b *Base) BindEnv(env Env) { b.env = env }

// Env returns the bound environment.
func (b *Base) Env() Env { return b.env }

// Logger returns the component logger.
func (b *Base) Logger() loggingpkg.ServiceLogger {
	if b.env.Logger == nil {
		return loggingpkg.NewNopServiceLogger()
	}
	return b.env.Logger
}

// Loop returns the worker event loop.
func (b *Base) Loop() *loop.Loop { return b.env.Loop }

// Output returns the named output port. Unconnected ports drop messages.
func (b *Base) Output(name string) *port.OutputPort {
	if b.env.Ports == nil {
		return port.NewOutputPort(name, b.env.InstanceID, b.Logger())
	}
	return b.env.Ports.Output(name)
}

// NewMessage creates a message of a registered data type.
func (b *Base) NewMessage(typeName string, opts ...envelope.MessageOption) (*envelope.Message, error) {
	if b.env.Types == nil {
		return nil, errRegistryMissing
	}
	return b.env.Types.NewMessage(typeName, opts...)
}

// Capability looks up an injected capability.
func (b *Base) Capability(name string) (any, bool) {
	if b.env.Capabilities == nil {
		return nil, false
	}
	return b.env.Capabilities.Capability(name)
}

func (b *Base) Configure(ctx context.Context, opts Options) error { return nil }
func (b *Base) Run(ctx context.Context) error                     { return nil }
func (b *Base) Shutdown(ctx context.Context) error                { return nil }
func (b *Base) Cleanup(ctx context.Context) error                 { return nil }

func (b *Base) Process(ctx context.Context, d port.Delivery, msg *envelope.Message) error {
	b.Logger().Debug("Ignoring message on component without a process handler", loggingpkg.LogFields{
		"port": d.Port,
		"type": msg.TypeName,
	})
	return nil
}
