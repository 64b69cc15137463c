package transport

// Capabilities tell the connection resolver which bindings and delivery
// policies a transport can honor.
type Capabilities struct {
	Name string

	// PointToPoint transports rendezvous on an address with bind and
	// connect roles. Many-to-many connections over them need a broker relay.
	PointToPoint bool
	// InputBindOnly restricts binding to the input side.
	InputBindOnly bool
	// InProcessOnly transports only link thread shards of one process.
	InProcessOnly bool

	// LoadBalancing spreads one stream round-robin over several consumers.
	LoadBalancing bool
	// Broadcast hands every message to every consumer.
	Broadcast bool

	// MaxMessageSize caps one encoded envelope in bytes. Zero means no cap.
	MaxMessageSize int
}

// NeedsRelay reports whether a many-to-many connection needs a broker relay.
func (c Capabilities) NeedsRelay() bool {
	return c.PointToPoint
}

// Allows reports whether a payload of n bytes fits MaxMessageSize.
func (c Capabilities) Allows(n int) bool {
	return c.MaxMessageSize <= 0 || n <= c.MaxMessageSize
}

const (
	kib = 1 << 10
	mib = 1 << 20
)

// Capabilities of the bundled transports.
var (
	SocketCapabilities = Capabilities{
		Name:          "socket",
		PointToPoint:  true,
		LoadBalancing: true,
		Broadcast:     true,
	}
	ChannelCapabilities = Capabilities{
		Name:          "channel",
		InProcessOnly: true,
		Broadcast:     true,
	}
	HTTPCapabilities = Capabilities{
		Name:          "http",
		PointToPoint:  true,
		InputBindOnly: true,
	}
	SQLiteCapabilities = Capabilities{
		Name:          "sqlite",
		LoadBalancing: true,
	}
	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		LoadBalancing:  true,
		Broadcast:      true,
		MaxMessageSize: mib,
	}
	RabbitMQCapabilities = Capabilities{
		Name:          "rabbitmq",
		LoadBalancing: true,
		Broadcast:     true,
	}
	NATSCapabilities = Capabilities{
		Name:           "nats",
		LoadBalancing:  true,
		Broadcast:      true,
		MaxMessageSize: mib,
	}
	JetStreamCapabilities = Capabilities{
		Name:           "nats-jetstream",
		LoadBalancing:  true,
		Broadcast:      true,
		MaxMessageSize: mib,
	}
	// SNS caps published messages at 256 KiB.
	AWSCapabilities = Capabilities{
		Name:           "aws",
		LoadBalancing:  true,
		Broadcast:      true,
		MaxMessageSize: 256 * kib,
	}
)

// GetCapabilities looks name up in DefaultRegistry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
