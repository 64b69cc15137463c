// Package graph describes the resolved configuration a master runs: ordered
// settings, shards, components and the connections between their ports.
// Every slice keeps declaration order.
package graph

import (
	"errors"
	"fmt"
	"strings"

	errspkg "github.com/drblury/rflow/internal/runtime/errors"
)

// DefaultShardName holds components declared outside any shard.
const DefaultShardName = "DEFAULT"

// Setting is one name/value pair of runtime configuration.
type Setting struct {
	Name  string
	Value string
}

// ShardKind selects how a shard's replicas are realized.
type ShardKind string

const (
	// KindProcess runs each replica in its own OS process.
	KindProcess ShardKind = "process"
	// KindThread runs each replica as a goroutine group inside the master.
	KindThread ShardKind = "thread"
)

// Shard is a replicated group of components.
type Shard struct {
	Name  string
	Kind  ShardKind
	Count int
}

// Component is one component declaration.
type Component struct {
	Name          string
	Specification string
	Options       map[string]string
	Shard         string
}

// Direction of a port.
type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
)

// Port is a port that takes part in at least one connection.
type Port struct {
	Name      string
	Direction Direction
	Component string
}

// Endpoint addresses one key of one port of one component.
type Endpoint struct {
	Component string
	Port      string
	Key       string
}

func (e Endpoint) String() string {
	if e.Key == "" {
		return e.Component + "#" + e.Port
	}
	return fmt.Sprintf("%s#%s[%s]", e.Component, e.Port, e.Key)
}

// ParseEndpoint parses "component#port" or "component#port[key]".
func ParseEndpoint(s string) (Endpoint, error) {
	component, rest, ok := strings.Cut(strings.TrimSpace(s), "#")
	if !ok || component == "" || rest == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q must look like component#port[key]", s)
	}
	ep := Endpoint{Component: component, Port: rest}
	if open := strings.IndexByte(rest, '['); open >= 0 {
		if !strings.HasSuffix(rest, "]") || open == 0 {
			return Endpoint{}, fmt.Errorf("endpoint %q has a malformed key", s)
		}
		ep.Port = rest[:open]
		ep.Key = rest[open+1 : len(rest)-1]
	}
	return ep, nil
}

// Connection joins one output port key to one input port key.
type Connection struct {
	Name     string
	Output   Endpoint
	Input    Endpoint
	Delivery string
	Options  map[string]string
	// Source locates the declaration, e.g. "graph.yaml:12".
	Source string
}

// Graph is the resolved configuration. It is read-only once built.
type Graph struct {
	Settings    []Setting
	Shards      []Shard
	Components  []Component
	Connections []Connection
}

// Setting returns the value of a named setting.
func (g *Graph) Setting(name string) (string, bool) {
	for _, s := range g.Settings {
		if s.Name == name {
			return s.Value, true
		}
	}
	return "", false
}

// Shard finds a shard by name.
func (g *Graph) Shard(name string) (Shard, bool) {
	for _, s := range g.Shards {
		if s.Name == name {
			return s, true
		}
	}
	return Shard{}, false
}

// Component finds a component by name.
func (g *Graph) Component(name string) (Component, bool) {
	for _, c := range g.Components {
		if c.Name == name {
			return c, true
		}
	}
	return Component{}, false
}

// ComponentsIn returns the components of a shard in declaration order.
func (g *Graph) ComponentsIn(shard string) []Component {
	var out []Component
	for _, c := range g.Components {
		if c.Shard == shard {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionsOf returns every connection touching a component.
func (g *Graph) ConnectionsOf(component string) []Connection {
	var out []Connection
	for _, c := range g.Connections {
		if c.Output.Component == component || c.Input.Component == component {
			out = append(out, c)
		}
	}
	return out
}

// Ports lists every connected port once, in order of first appearance.
func (g *Graph) Ports() []Port {
	seen := make(map[Port]bool)
	var out []Port
	add := func(p Port) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, c := range g.Connections {
		add(Port{Name: c.Output.Port, Direction: Output, Component: c.Output.Component})
		add(Port{Name: c.Input.Port, Direction: Input, Component: c.Input.Component})
	}
	return out
}

// Validate checks names, shard references and endpoint syntax. Endpoints that
// name unknown components or ports are reported when connections are resolved.
func (g *Graph) Validate() error {
	var errs []error
	fail := func(subject string, format string, args ...any) {
		errs = append(errs, errspkg.NewConfigurationError(subject, fmt.Errorf(format, args...)))
	}

	shards := make(map[string]bool)
	for _, s := range g.Shards {
		switch {
		case s.Name == "":
			fail("shard", "name is required")
		case shards[s.Name]:
			fail("shard "+s.Name, "duplicate name")
		}
		shards[s.Name] = true
		if s.Kind != KindProcess && s.Kind != KindThread {
			fail("shard "+s.Name, "unknown kind %q", s.Kind)
		}
		if s.Count < 1 {
			fail("shard "+s.Name, "count must be at least 1, got %d", s.Count)
		}
	}

	components := make(map[string]bool)
	for _, c := range g.Components {
		switch {
		case c.Name == "":
			fail("component", "name is required")
		case components[c.Name]:
			fail("component "+c.Name, "duplicate name")
		}
		components[c.Name] = true
		if strings.TrimSpace(c.Specification) == "" {
			fail("component "+c.Name, "specification is required")
		}
		if !shards[c.Shard] {
			fail("component "+c.Name, "unknown shard %q", c.Shard)
		}
	}

	connections := make(map[string]bool)
	for _, c := range g.Connections {
		if c.Name != "" {
			if connections[c.Name] {
				fail("connection "+c.Name, "duplicate name")
			}
			connections[c.Name] = true
		}
		if c.Output.Component == "" || c.Output.Port == "" {
			fail("connection "+c.Name, "output endpoint is missing (%s)", c.Source)
		}
		if c.Input.Component == "" || c.Input.Port == "" {
			fail("connection "+c.Name, "input endpoint is missing (%s)", c.Source)
		}
	}

	return errors.Join(errs...)
}
