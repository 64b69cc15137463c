// Package port implements the named, directional endpoints of a component
// instance. An output port maps each routing key to exactly one connection;
// an input port may aggregate many connections under one key.
package port

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
)

// DefaultKey is the routing key used when a connection names none.
const DefaultKey = ""

// Delivery tags an inbound message with where it came from.
type Delivery struct {
	Port           string
	Key            string
	ConnectionID   string
	ConnectionName string
}

// Connection is the part of a connection both port kinds need.
type Connection interface {
	ID() string
	Name() string
}

// OutputConnection is the output side of a connection.
type OutputConnection interface {
	Connection
	ConnectOutput(ctx context.Context) error
	Send(payload []byte, typeName string) error
}

// Receiver handles one inbound transport message.
type Receiver func(msg *message.Message)

// InputConnection is the input side of a connection.
type InputConnection interface {
	Connection
	ConnectInput(ctx context.Context, receive Receiver) error
}

// Handler is invoked for every message arriving on an input port.
type Handler func(d Delivery, msg *message.Message)

// Observer is told about every message leaving an output port.
type Observer func(port, key string)

type keyed[C Connection] struct {
	key  string
	conn C
}

// OutputPort dispatches messages to the connections registered per key.
type OutputPort struct {
	name       string
	instanceID string
	logger     loggingpkg.ServiceLogger
	observe    Observer

	mu        sync.Mutex
	entries   []keyed[OutputConnection]
	connected map[OutputConnection]bool
}

// NewOutputPort creates an output port without connections.
func NewOutputPort(name, instanceID string, logger loggingpkg.ServiceLogger) *OutputPort {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &OutputPort{
		name:       name,
		instanceID: instanceID,
		logger:     logger.With(loggingpkg.LogFields{"port": name}),
		connected:  make(map[OutputConnection]bool),
	}
}

// Name returns the port name.
func (p *OutputPort) Name() string { return p.name }

// SetObserver installs fn to be called after every successful send.
func (p *OutputPort) SetObserver(fn Observer) { p.observe = fn }

// AddConnection registers conn under key. A later connection under the same
// key replaces the earlier one.
func (p *OutputPort) AddConnection(key string, conn OutputConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		if p.entries[i].key == key {
			p.logger.Debug("Replacing connection on output key", loggingpkg.LogFields{
				"key":      key,
				"previous": p.entries[i].conn.Name(),
				"next":     conn.Name(),
			})
			p.entries[i].conn = conn
			return
		}
	}
	p.entries = append(p.entries, keyed[OutputConnection]{key: key, conn: conn})
}

// Keys returns the connected keys in the order they were first added.
func (p *OutputPort) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, len(p.entries))
	for i, e := range p.entries {
		keys[i] = e.key
	}
	return keys
}

// Connection returns the connection registered under key, if any.
func (p *OutputPort) Connection(key string) (OutputConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.key == key {
			return e.conn, true
		}
	}
	return nil, false
}

// Connected reports whether the port has at least one connection.
func (p *OutputPort) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries) > 0
}

// Connect runs the output handshake of each distinct connection once.
func (p *OutputPort) Connect(ctx context.Context) error {
	p.mu.Lock()
	entries := append([]keyed[OutputConnection](nil), p.entries...)
	p.mu.Unlock()

	for _, e := range entries {
		p.mu.Lock()
		done := p.connected[e.conn]
		p.mu.Unlock()
		if done {
			continue
		}
		if err := e.conn.ConnectOutput(ctx); err != nil {
			return fmt.Errorf("connect output %s[%s] via %s: %w", p.name, e.key, e.conn.Name(), err)
		}
		p.mu.Lock()
		p.connected[e.conn] = true
		p.mu.Unlock()
	}
	return nil
}

// Send dispatches msg to every key of the port. An unconnected port logs and
// drops the message.
func (p *OutputPort) Send(msg *envelope.Message) error {
	p.mu.Lock()
	entries := append([]keyed[OutputConnection](nil), p.entries...)
	p.mu.Unlock()
	return p.send(msg, entries)
}

// Key returns a view of the port that sends only to key.
func (p *OutputPort) Key(key string) Sender {
	return keySender{port: p, key: key}
}

func (p *OutputPort) send(msg *envelope.Message, entries []keyed[OutputConnection]) error {
	if len(entries) == 0 {
		p.logger.Debug("Dropping message sent to unconnected port", loggingpkg.LogFields{
			"type": msg.TypeName,
		})
		return nil
	}

	p.completeProvenance(msg)
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message for port %s: %w", p.name, err)
	}

	for _, e := range entries {
		if err := e.conn.Send(payload, msg.TypeName); err != nil {
			return fmt.Errorf("send on %s[%s] via %s: %w", p.name, e.key, e.conn.Name(), err)
		}
		if p.observe != nil {
			p.observe(p.name, e.key)
		}
	}
	return nil
}

// completeProvenance stamps the departure time on this instance's own event.
func (p *OutputPort) completeProvenance(msg *envelope.Message) {
	last := msg.LastProvenance()
	if last == nil || last.ComponentInstanceID != p.instanceID || last.CompletedAt != nil {
		return
	}
	last.Complete(time.Now())
}

// Sender is anything messages can be sent through.
type Sender interface {
	Send(msg *envelope.Message) error
}

type keySender struct {
	port *OutputPort
	key  string
}

func (k keySender) Send(msg *envelope.Message) error {
	k.port.mu.Lock()
	var entries []keyed[OutputConnection]
	for _, e := range k.port.entries {
		if e.key == k.key {
			entries = append(entries, e)
		}
	}
	k.port.mu.Unlock()
	if len(entries) == 0 {
		k.port.logger.Debug("Dropping message sent to unconnected key", loggingpkg.LogFields{
			"key":  k.key,
			"type": msg.TypeName,
		})
		return nil
	}
	return k.port.send(msg, entries)
}

// InputPort forwards messages from all of its connections to one handler.
type InputPort struct {
	name    string
	handler Handler

	mu        sync.Mutex
	entries   []keyed[InputConnection]
	connected map[InputConnection]bool
}

// NewInputPort creates an input port delivering to handler.
func NewInputPort(name string, handler Handler) *InputPort {
	return &InputPort{
		name:      name,
		handler:   handler,
		connected: make(map[InputConnection]bool),
	}
}

// Name returns the port name.
func (p *InputPort) Name() string { return p.name }

// AddConnection registers conn under key. Keys may hold many connections.
func (p *InputPort) AddConnection(key string, conn InputConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.key == key && e.conn == conn {
			return
		}
	}
	p.entries = append(p.entries, keyed[InputConnection]{key: key, conn: conn})
}

// Connections returns the connections under key in registration order.
func (p *InputPort) Connections(key string) []InputConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []InputConnection
	for _, e := range p.entries {
		if e.key == key {
			out = append(out, e.conn)
		}
	}
	return out
}

// Connected reports whether the port has at least one connection.
func (p *InputPort) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries) > 0
}

// Connect runs the input handshake of each connection once.
func (p *InputPort) Connect(ctx context.Context) error {
	p.mu.Lock()
	entries := append([]keyed[InputConnection](nil), p.entries...)
	p.mu.Unlock()

	for _, e := range entries {
		p.mu.Lock()
		done := p.connected[e.conn]
		p.mu.Unlock()
		if done {
			continue
		}

		d := Delivery{Port: p.name, Key: e.key, ConnectionID: e.conn.ID(), ConnectionName: e.conn.Name()}
		receive := func(msg *message.Message) {
			if p.handler != nil {
				p.handler(d, msg)
			}
		}
		if err := e.conn.ConnectInput(ctx, receive); err != nil {
			return fmt.Errorf("connect input %s[%s] via %s: %w", p.name, e.key, e.conn.Name(), err)
		}
		p.mu.Lock()
		p.connected[e.conn] = true
		p.mu.Unlock()
	}
	return nil
}
