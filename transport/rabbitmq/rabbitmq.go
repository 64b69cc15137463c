// Package rabbitmq provides a RabbitMQ/AMQP transport. Round-robin
// connections share one durable queue named after the topic; broadcast
// connections publish to a fanout exchange and give every consumer its own
// queue.
package rabbitmq

import (
	"context"
	"errors"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/transport"
)

const TransportName = "rabbitmq"

var errNoURL = errors.New("no AMQP url configured")

// Seams swapped by tests.
var (
	ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
	closeConnection = func(conn *amqp.ConnectionWrapper) error { return conn.Close() }
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// AMQPConfig returns the queue layout for one endpoint. Round-robin
// consumers take one unacked message at a time so the queue spreads work
// evenly between them.
func AMQPConfig(url string, ep transport.Endpoint) amqp.Config {
	if ep.Delivery == transport.DeliveryBroadcast {
		return amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(ep.Scope))
	}
	c := amqp.NewDurableQueueConfig(url)
	c.Consume.Qos.PrefetchCount = 1
	return c
}

// Build dials a connection owned by the returned transport and builds the
// publisher or subscriber on it.
func Build(_ context.Context, ep transport.Endpoint, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	var url string
	if cfg != nil {
		url = strings.TrimSpace(cfg.GetRabbitMQURL())
	}
	if url == "" {
		return transport.Transport{}, errspkg.NewConfigurationError("rabbitmq", errNoURL)
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	tr := transport.Transport{Closer: conn}
	layout := AMQPConfig(url, ep)
	if ep.Side == transport.SideOutput {
		tr.Publisher, err = PublisherFactory(layout, logger, conn)
	} else {
		tr.Subscriber, err = SubscriberFactory(layout, logger, conn)
	}
	if err != nil {
		return transport.Transport{}, errors.Join(err, closeConnection(conn))
	}
	return tr, nil
}
