// Package transport defines how a resolved connection endpoint becomes a live
// Watermill publisher or subscriber. Each transport implementation lives in
// its own sub-package and registers a Builder with a Registry.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport holds the publisher (output side) or the subscriber (input side)
// built for one endpoint.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Closer releases resources shared by the publisher and subscriber, if any.
	Closer io.Closer
}

// Close closes the publisher, the subscriber and then Closer, joining
// their errors.
func (t Transport) Close() error {
	var errs []error
	for _, c := range []io.Closer{t.Publisher, t.Subscriber, t.Closer} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Builder creates the transport for one side of a connection.
type Builder func(ctx context.Context, ep Endpoint, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the settings needed by brokered transports.
type Config interface {
	// Kafka
	GetKafkaBrokers() []string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// SQLite
	GetSQLiteFile() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

