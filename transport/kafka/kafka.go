// Package kafka provides a Kafka transport. Consumers of a round-robin
// connection share one consumer group.
package kafka

import (
	"context"
	"errors"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/transport"
)

const TransportName = "kafka"

var errNoBrokers = errors.New("no brokers configured")

// Seams swapped by tests.
var (
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// Build creates the Kafka publisher or subscriber for one endpoint.
func Build(_ context.Context, ep transport.Endpoint, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := Brokers(cfg)
	if len(brokers) == 0 {
		return transport.Transport{}, errspkg.NewConfigurationError("kafka", errNoBrokers)
	}

	if ep.Side == transport.SideOutput {
		pub, err := PublisherFactory(kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		}, logger)
		if err != nil {
			return transport.Transport{}, err
		}
		return transport.Transport{Publisher: pub}, nil
	}

	sub, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:       brokers,
		Unmarshaler:   kafka.DefaultMarshaler{},
		ConsumerGroup: ConsumerGroup(ep),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Subscriber: sub}, nil
}

// Brokers returns the configured broker addresses with blanks removed.
// Entries may also hold comma separated lists.
func Brokers(cfg transport.Config) []string {
	if cfg == nil {
		return nil
	}
	var out []string
	for _, entry := range cfg.GetKafkaBrokers() {
		for _, b := range strings.Split(entry, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
	}
	return out
}

// ConsumerGroup returns the group an input endpoint joins. Broadcast inputs
// consume without a group so each one reads every partition.
func ConsumerGroup(ep transport.Endpoint) string {
	if ep.Delivery == transport.DeliveryBroadcast {
		return ""
	}
	return ep.Group
}
