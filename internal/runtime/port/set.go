package port

import (
	"context"

	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
)

// Set holds the ports of one component instance in the order they were
// created. Ports exist only once a connection is added; lookups of other
// names return unconnected ports that drop what they are given.
type Set struct {
	instanceID string
	logger     loggingpkg.ServiceLogger
	handler    Handler
	observe    Observer

	inputs  []*InputPort
	outputs []*OutputPort
}

// NewSet creates an empty port set. handler receives messages from every
// input port.
func NewSet(instanceID string, logger loggingpkg.ServiceLogger, handler Handler) *Set {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Set{instanceID: instanceID, logger: logger, handler: handler}
}

// SetObserver installs fn on every current and future output port.
func (s *Set) SetObserver(fn Observer) {
	s.observe = fn
	for _, p := range s.outputs {
		p.SetObserver(fn)
	}
}

// AddInput registers conn on the named input port, creating it if needed.
func (s *Set) AddInput(name, key string, conn InputConnection) *InputPort {
	p := s.findInput(name)
	if p == nil {
		p = NewInputPort(name, s.handler)
		s.inputs = append(s.inputs, p)
	}
	p.AddConnection(key, conn)
	return p
}

// AddOutput registers conn on the named output port, creating it if needed.
func (s *Set) AddOutput(name, key string, conn OutputConnection) *OutputPort {
	p := s.findOutput(name)
	if p == nil {
		p = NewOutputPort(name, s.instanceID, s.logger)
		p.SetObserver(s.observe)
		s.outputs = append(s.outputs, p)
	}
	p.AddConnection(key, conn)
	return p
}

// Input returns the named input port or an unconnected one.
func (s *Set) Input(name string) *InputPort {
	if p := s.findInput(name); p != nil {
		return p
	}
	return NewInputPort(name, nil)
}

// Output returns the named output port or an unconnected one.
func (s *Set) Output(name string) *OutputPort {
	if p := s.findOutput(name); p != nil {
		return p
	}
	return NewOutputPort(name, s.instanceID, s.logger)
}

// Inputs returns the connected input ports.
func (s *Set) Inputs() []*InputPort { return s.inputs }

// Outputs returns the connected output ports.
func (s *Set) Outputs() []*OutputPort { return s.outputs }

// ConnectInputs connects every input port.
func (s *Set) ConnectInputs(ctx context.Context) error {
	for _, p := range s.inputs {
		if err := p.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ConnectOutputs connects every output port.
func (s *Set) ConnectOutputs(ctx context.Context) error {
	for _, p := range s.outputs {
		if err := p.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) findInput(name string) *InputPort {
	for _, p := range s.inputs {
		if p.name == name {
			return p
		}
	}
	return nil
}

func (s *Set) findOutput(name string) *OutputPort {
	for _, p := range s.outputs {
		if p.name == name {
			return p
		}
	}
	return nil
}
