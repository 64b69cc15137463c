// Package socket provides the default point-to-point transport. Either side of
// a connection binds or connects an inproc://, ipc:// or tcp:// address; an
// output with several connected peers spreads messages round-robin or
// broadcasts them.
package socket

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/rflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "socket"

// FlushTimeout bounds how long Close waits for queued messages to be written.
var FlushTimeout = 5 * time.Second

// DialBackOff returns the retry policy used while a connecting side waits for
// its peer to bind.
var DialBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SocketCapabilities)
}

// Build creates the publisher for an output endpoint or the subscriber for an
// input endpoint. Binding happens immediately; connecting retries in the
// background until the peer appears.
func Build(ctx context.Context, ep transport.Endpoint, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	logger = logger.With(watermill.LogFields{
		"transport":     TransportName,
		"connection_id": ep.ConnectionID,
		"address":       ep.Address,
		"role":          string(ep.Role),
	})

	if ep.Side == transport.SideOutput {
		pub, err := NewPublisher(ep, logger)
		if err != nil {
			return transport.Transport{}, err
		}
		return transport.Transport{Publisher: pub}, nil
	}

	sub, err := NewSubscriber(ep, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Subscriber: sub}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SocketCapabilities
}
