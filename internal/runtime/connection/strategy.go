// Package connection resolves graph connections into transport bindings and
// realizes them inside a worker.
//
// Strategy selection looks at the shards on both ends. Components of one
// shard talk over in-process sockets. Across shards the replica counts decide
// which side binds a stable address and which side connects; many-to-many
// connections go through a broker relay when the transport is point-to-point.
package connection

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/drblury/rflow/internal/runtime/config"
	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/graph"
	"github.com/drblury/rflow/internal/runtime/ids"
	"github.com/drblury/rflow/transport"
	"github.com/drblury/rflow/transport/socket"
)

// Strategy names the binding pattern chosen for a connection.
type Strategy string

const (
	StrategySameShard  Strategy = "same-shard"
	StrategyOneToOne   Strategy = "one-to-one"
	StrategyOneToMany  Strategy = "one-to-many"
	StrategyManyToOne  Strategy = "many-to-one"
	StrategyManyToMany Strategy = "many-to-many"
)

// Connection options understood by the resolver.
const (
	OptionTransport     = "transport"
	OptionPort          = "port"
	OptionOutputAddress = "output_address"
	OptionInputAddress  = "input_address"
)

const (
	addressPrefix = "rflow."
	topicPrefix   = "rflow-"
	brokerIn      = ".in"
	brokerOut     = ".out"
	maxPort       = 65535
)

// Side is where one end of a connection points and whether it binds.
type Side struct {
	Address string
	Role    transport.Role
}

// Broker describes the relay inserted into a many-to-many connection.
//
// Under the ipc scheme both addresses share the connection's path and end in
// ".in" and ".out". Under the tcp scheme they share the host and use the
// connection's port option for InAddress and the next port for OutAddress.
type Broker struct {
	// InAddress is bound by the broker; every output connects to it.
	InAddress string
	// OutAddress is bound by the broker; every input connects to it.
	OutAddress string
}

// Resolution is the immutable result of strategy selection for one connection.
type Resolution struct {
	Connection   graph.Connection
	ID           string
	Strategy     Strategy
	Transport    string
	Capabilities transport.Capabilities
	Delivery     transport.Delivery
	Topic        string
	Output       Side
	Input        Side
	// Broker is set when a relay process must run between the two sides.
	Broker *Broker

	OutputShard graph.Shard
	InputShard  graph.Shard
}

// Name returns the declared connection name.
func (r Resolution) Name() string { return r.Connection.Name }

// Endpoint describes one side of the connection for a transport builder.
// scope identifies the worker the endpoint lives in.
func (r Resolution) Endpoint(side transport.Side, scope string) transport.Endpoint {
	s := r.Output
	if side == transport.SideInput {
		s = r.Input
	}
	return transport.Endpoint{
		ConnectionID: r.ID,
		Topic:        r.Topic,
		Address:      s.Address,
		Role:         s.Role,
		Side:         side,
		Delivery:     r.Delivery,
		Group:        topicPrefix + r.ID,
		Scope:        scope,
	}
}

// BrokerEndpoints returns the two bound endpoints of the relay: the input it
// reads producers from and the output it feeds consumers through.
func (r Resolution) BrokerEndpoints(scope string) (in, out transport.Endpoint) {
	in = transport.Endpoint{
		ConnectionID: r.ID,
		Topic:        r.Topic + "-in",
		Address:      r.Broker.InAddress,
		Role:         transport.RoleBind,
		Side:         transport.SideInput,
		Delivery:     transport.DeliveryRoundRobin,
		Group:        topicPrefix + r.ID + "-broker",
		Scope:        scope,
	}
	out = transport.Endpoint{
		ConnectionID: r.ID,
		Topic:        r.Topic + "-out",
		Address:      r.Broker.OutAddress,
		Role:         transport.RoleBind,
		Side:         transport.SideOutput,
		Delivery:     r.Delivery,
		Group:        topicPrefix + r.ID,
		Scope:        scope,
	}
	return in, out
}

// PortCatalog reports the ports a component specification declares.
type PortCatalog interface {
	DeclaredPorts(specification string) (inputs, outputs []string, ok bool)
}

// Resolver selects strategies for the connections of a graph.
type Resolver struct {
	Graph      *graph.Graph
	Config     *config.Config
	Transports *transport.Registry
	// Ports is optional; without it port names are not checked.
	Ports PortCatalog
}

// ConnectionID derives the stable identifier of a connection from its two
// (component, port, key) tuples.
func ConnectionID(c graph.Connection) string {
	return ids.StableID(
		c.Output.Component, c.Output.Port, c.Output.Key,
		c.Input.Component, c.Input.Port, c.Input.Key,
	)
}

// ResolveAll resolves every connection in declaration order and reports all
// invalid ones together.
func (r Resolver) ResolveAll() ([]Resolution, error) {
	if r.Graph == nil {
		return nil, errspkg.ErrGraphRequired
	}
	var (
		out  []Resolution
		errs []error
	)
	for _, c := range r.Graph.Connections {
		res, err := r.Resolve(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, res)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve selects the strategy for one connection.
func (r Resolver) Resolve(c graph.Connection) (Resolution, error) {
	invalid := func(ep graph.Endpoint, err error) error {
		return errspkg.ConnectionInvalidError{
			Connection: c.Name,
			Endpoint:   ep.String(),
			Source:     c.Source,
			Err:        err,
		}
	}

	outShard, err := r.shardOf(c.Output, graph.Output)
	if err != nil {
		return Resolution{}, invalid(c.Output, err)
	}
	inShard, err := r.shardOf(c.Input, graph.Input)
	if err != nil {
		return Resolution{}, invalid(c.Input, err)
	}

	delivery, err := transport.ParseDelivery(c.Delivery)
	if err != nil {
		return Resolution{}, invalid(c.Input, err)
	}

	res := Resolution{
		Connection:  c,
		ID:          ConnectionID(c),
		Delivery:    delivery,
		OutputShard: outShard,
		InputShard:  inShard,
	}
	res.Topic = topicPrefix + res.ID

	cfg := r.Config
	if cfg == nil {
		cfg = &config.Config{Transport: config.DefaultTransport, ConnectionScheme: config.DefaultConnectionScheme}
	}

	if outShard.Name == inShard.Name {
		res.Strategy = StrategySameShard
		res.Transport = socket.TransportName
		res.Capabilities = r.transports().GetCapabilities(socket.TransportName)
		address := transport.SchemeInproc + "://" + addressPrefix + res.ID
		res.Output = Side{Address: address, Role: transport.RoleConnect}
		res.Input = Side{Address: address, Role: transport.RoleBind}
		if err := r.checkDelivery(res, inShard.Count); err != nil {
			return Resolution{}, invalid(c.Input, err)
		}
		return res, nil
	}

	res.Transport = cfg.Transport
	if name := strings.TrimSpace(c.Options[OptionTransport]); name != "" {
		res.Transport = name
	}
	if !r.transports().Has(res.Transport) {
		return Resolution{}, invalid(c.Input, fmt.Errorf("unknown transport %q", res.Transport))
	}
	res.Capabilities = r.transports().GetCapabilities(res.Transport)

	ra, rb := outShard.Count, inShard.Count
	switch {
	case ra <= 1 && rb <= 1:
		res.Strategy = StrategyOneToOne
		res.Output.Role, res.Input.Role = transport.RoleConnect, transport.RoleBind
	case ra <= 1:
		res.Strategy = StrategyOneToMany
		res.Output.Role, res.Input.Role = transport.RoleBind, transport.RoleConnect
	case rb <= 1:
		res.Strategy = StrategyManyToOne
		res.Output.Role, res.Input.Role = transport.RoleConnect, transport.RoleBind
	default:
		res.Strategy = StrategyManyToMany
		res.Output.Role, res.Input.Role = transport.RoleConnect, transport.RoleConnect
	}

	if err := r.checkCapabilities(res, outShard, inShard); err != nil {
		return Resolution{}, invalid(c.Input, err)
	}
	if err := r.assignAddresses(&res, cfg); err != nil {
		return Resolution{}, invalid(c.Input, err)
	}
	return res, nil
}

func (r Resolver) transports() *transport.Registry {
	if r.Transports == nil {
		return transport.DefaultRegistry
	}
	return r.Transports
}

func (r Resolver) shardOf(ep graph.Endpoint, dir graph.Direction) (graph.Shard, error) {
	comp, ok := r.Graph.Component(ep.Component)
	if !ok {
		return graph.Shard{}, fmt.Errorf("unknown component %q", ep.Component)
	}
	if r.Ports != nil {
		inputs, outputs, ok := r.Ports.DeclaredPorts(comp.Specification)
		if !ok {
			return graph.Shard{}, fmt.Errorf("%w: %s", errspkg.ErrUnknownComponentType, comp.Specification)
		}
		declared := outputs
		if dir == graph.Input {
			declared = inputs
		}
		if !slices.Contains(declared, ep.Port) {
			return graph.Shard{}, fmt.Errorf("component %q (%s) has no %s port %q", comp.Name, comp.Specification, dir, ep.Port)
		}
	}
	shard, ok := r.Graph.Shard(comp.Shard)
	if !ok {
		return graph.Shard{}, fmt.Errorf("component %q is in unknown shard %q", comp.Name, comp.Shard)
	}
	return shard, nil
}

func (r Resolver) checkDelivery(res Resolution, consumers int) error {
	caps := res.Capabilities
	if res.Delivery == transport.DeliveryBroadcast && !caps.Broadcast {
		return fmt.Errorf("transport %s cannot broadcast", res.Transport)
	}
	if res.Delivery == transport.DeliveryRoundRobin && consumers > 1 && !caps.LoadBalancing {
		return fmt.Errorf("transport %s cannot spread messages across %d consumers", res.Transport, consumers)
	}
	return nil
}

func (r Resolver) checkCapabilities(res Resolution, out, in graph.Shard) error {
	caps := res.Capabilities
	if caps.InProcessOnly && (out.Kind != graph.KindThread || in.Kind != graph.KindThread) {
		return fmt.Errorf("transport %s only works between thread shards", res.Transport)
	}
	if caps.InputBindOnly && res.Input.Role != transport.RoleBind {
		return fmt.Errorf("transport %s needs the input side to bind, but strategy %s binds elsewhere", res.Transport, res.Strategy)
	}
	return r.checkDelivery(res, in.Count)
}

func (r Resolver) assignAddresses(res *Resolution, cfg *config.Config) error {
	if !res.Capabilities.PointToPoint {
		res.Output.Address = res.Topic
		res.Input.Address = res.Topic
		return nil
	}

	opts := res.Connection.Options
	outOverride := strings.TrimSpace(opts[OptionOutputAddress])
	inOverride := strings.TrimSpace(opts[OptionInputAddress])
	brokered := res.Strategy == StrategyManyToMany

	scheme := cfg.ConnectionScheme
	if res.Capabilities.InputBindOnly {
		scheme = transport.SchemeTCP
	}

	var in, out string
	switch {
	case outOverride != "" && inOverride != "":
	case scheme == transport.SchemeTCP:
		base, err := strconv.Atoi(strings.TrimSpace(opts[OptionPort]))
		if err != nil || base <= 0 {
			if !brokered && (outOverride != "" || inOverride != "") {
				break
			}
			return fmt.Errorf("tcp connections need option %q", OptionPort)
		}
		last := base
		if brokered {
			last++
		}
		if last > maxPort {
			return fmt.Errorf("option %q: port %d is out of range", OptionPort, last)
		}
		host := cfg.TCPHost
		if host == "" {
			host = config.DefaultTCPHost
		}
		in = fmt.Sprintf("tcp://%s:%d", host, base)
		out = in
		if brokered {
			out = fmt.Sprintf("tcp://%s:%d", host, base+1)
		}
	default:
		base := transport.SchemeIPC + "://" + filepath.Join(cfg.IPCDirectoryPath, addressPrefix+res.ID)
		in, out = base, base
		if brokered {
			in, out = base+brokerIn, base+brokerOut
		}
	}

	if brokered {
		if outOverride != "" {
			in = outOverride
		}
		if inOverride != "" {
			out = inOverride
		}
		res.Broker = &Broker{InAddress: in, OutAddress: out}
	} else if v := firstNonEmpty(outOverride, inOverride); v != "" {
		in, out = v, v
	}

	res.Output.Address = in
	res.Input.Address = out
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
