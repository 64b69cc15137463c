// Package nats provides a NATS Core transport. Round-robin connections
// subscribe in a queue group named after the connection; broadcast
// connections subscribe without one.
package nats

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/rflow/transport"
)

const TransportName = "nats"

const reconnectWait = 500 * time.Millisecond

// Seams swapped by tests.
var (
	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// URL returns the configured server URL, or the local default.
func URL(cfg transport.Config) string {
	if cfg != nil {
		if u := strings.TrimSpace(cfg.GetNATSURL()); u != "" {
			return u
		}
	}
	return nc.DefaultURL
}

// clientOptions names the client after the connection and keeps it
// reconnecting for the life of the worker.
func clientOptions(ep transport.Endpoint) []nc.Option {
	return []nc.Option{
		nc.Name("rflow " + ep.ConnectionID),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(reconnectWait),
	}
}

// Build creates the NATS publisher or subscriber for one endpoint. JetStream
// stays off; delivery is at most once like the socket transport.
func Build(_ context.Context, ep transport.Endpoint, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := URL(cfg)
	codec := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}

	if ep.Side == transport.SideOutput {
		pub, err := PublisherFactory(nats.PublisherConfig{
			URL:         url,
			Marshaler:   codec,
			NatsOptions: clientOptions(ep),
			JetStream:   core,
		}, logger)
		if err != nil {
			return transport.Transport{}, err
		}
		return transport.Transport{Publisher: pub}, nil
	}

	sub, err := SubscriberFactory(nats.SubscriberConfig{
		URL:              url,
		Unmarshaler:      codec,
		QueueGroupPrefix: QueueGroup(ep),
		SubscribersCount: 1,
		NatsOptions:      clientOptions(ep),
		JetStream:        core,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Subscriber: sub}, nil
}

// QueueGroup returns the queue group for an input endpoint, empty for broadcast.
func QueueGroup(ep transport.Endpoint) string {
	if ep.Delivery == transport.DeliveryBroadcast {
		return ""
	}
	return ep.Group
}
