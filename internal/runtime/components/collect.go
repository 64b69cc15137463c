package components

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/rflow/internal/runtime/component"
	"github.com/drblury/rflow/internal/runtime/envelope"
	"github.com/drblury/rflow/internal/runtime/port"
)

// Sink receives every message a Collect component processes.
type Sink interface {
	Collect(d port.Delivery, msg *envelope.Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(d port.Delivery, msg *envelope.Message) error

// Collect calls f.
func (f SinkFunc) Collect(d port.Delivery, msg *envelope.Message) error { return f(d, msg) }

// Collect hands every message to the Sink capability named by option sink.
type Collect struct {
	component.Base

	sink Sink
}

func (c *Collect) Configure(ctx context.Context, opts component.Options) error {
	name := opts.String("sink", "")
	if name == "" {
		return errors.New("option sink is required")
	}
	capability, ok := c.Capability(name)
	if !ok {
		return fmt.Errorf("sink %q is not registered", name)
	}
	sink, ok := capability.(Sink)
	if !ok {
		return fmt.Errorf("capability %q is a %T, not a sink", name, capability)
	}
	c.sink = sink
	return nil
}

func (c *Collect) Process(ctx context.Context, d port.Delivery, msg *envelope.Message) error {
	return c.sink.Collect(d, msg)
}

// MemorySink keeps every collected message in arrival order. It is safe to
// read from other goroutines while a worker runs.
type MemorySink struct {
	mu       sync.Mutex
	messages []*envelope.Message
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Collect stores a copy of msg.
func (s *MemorySink) Collect(d port.Delivery, msg *envelope.Message) error {
	clone, err := msg.Clone()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.messages = append(s.messages, clone)
	s.mu.Unlock()
	return nil
}

// Messages returns the collected messages.
func (s *MemorySink) Messages() []*envelope.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*envelope.Message(nil), s.messages...)
}

// Len returns how many messages were collected.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Integers returns the values of the collected Integer messages.
func (s *MemorySink) Integers() []int64 {
	var out []int64
	for _, msg := range s.Messages() {
		if msg.TypeName != envelope.TypeInteger {
			continue
		}
		if n, err := envelope.Integer(msg.Data); err == nil {
			out = append(out, n)
		}
	}
	return out
}
