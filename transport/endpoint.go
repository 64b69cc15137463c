package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// Role is the rendezvous role of one side of a connection.
type Role string

const (
	// RoleBind listens on the address.
	RoleBind Role = "bind"
	// RoleConnect dials the address.
	RoleConnect Role = "connect"
)

// Side tells which end of the connection an endpoint serves.
type Side string

const (
	SideOutput Side = "output"
	SideInput  Side = "input"
)

// Delivery selects how messages are spread over several consumers of one address.
type Delivery string

const (
	// DeliveryRoundRobin hands each message to exactly one consumer.
	DeliveryRoundRobin Delivery = "round-robin"
	// DeliveryBroadcast hands each message to every consumer.
	DeliveryBroadcast Delivery = "broadcast"
)

// ParseDelivery validates a delivery policy name. Empty means round-robin.
func ParseDelivery(s string) (Delivery, error) {
	switch Delivery(strings.ToLower(strings.TrimSpace(s))) {
	case "", DeliveryRoundRobin:
		return DeliveryRoundRobin, nil
	case DeliveryBroadcast:
		return DeliveryBroadcast, nil
	}
	return "", fmt.Errorf("unknown delivery %q", s)
}

// Address schemes understood by point-to-point transports.
const (
	SchemeInproc = "inproc"
	SchemeIPC    = "ipc"
	SchemeTCP    = "tcp"
)

// Endpoint is everything a transport needs to serve one side of a connection.
type Endpoint struct {
	// ConnectionID is stable across runs for an unchanged graph.
	ConnectionID string
	// Topic names the queue, subject or path on brokered transports.
	Topic string
	// Address is the rendezvous address on point-to-point transports.
	Address  string
	Role     Role
	Side     Side
	Delivery Delivery
	// Group identifies competing consumers; consumers sharing a group split the stream.
	Group string
	// Scope isolates in-process addresses between workers sharing one process.
	Scope string
}

// Scheme returns the scheme of Address.
func (e Endpoint) Scheme() string {
	scheme, _, ok := strings.Cut(e.Address, "://")
	if !ok {
		return ""
	}
	return scheme
}

// HostPort returns host:port of a tcp:// address.
func (e Endpoint) HostPort() (string, error) {
	u, err := url.Parse(e.Address)
	if err != nil {
		return "", err
	}
	if u.Scheme != SchemeTCP || u.Host == "" {
		return "", fmt.Errorf("address %q is not tcp://host:port", e.Address)
	}
	return u.Host, nil
}

// Path returns the filesystem path of an ipc:// address.
func (e Endpoint) Path() (string, error) {
	scheme, rest, ok := strings.Cut(e.Address, "://")
	if !ok || scheme != SchemeIPC || rest == "" {
		return "", fmt.Errorf("address %q is not ipc://path", e.Address)
	}
	return rest, nil
}

func (e Endpoint) String() string {
	target := e.Address
	if target == "" {
		target = e.Topic
	}
	return fmt.Sprintf("%s %s %s", e.Side, e.Role, target)
}
