package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/transport"
	"github.com/drblury/rflow/transport/transporttest"
)

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.KafkaCapabilities, caps)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
}

func TestConsumerGroup(t *testing.T) {
	assert.Equal(t, "abc", ConsumerGroup(transport.Endpoint{Group: "abc", Delivery: transport.DeliveryRoundRobin}))
	assert.Empty(t, ConsumerGroup(transport.Endpoint{Group: "abc", Delivery: transport.DeliveryBroadcast}))
}

func TestBrokers(t *testing.T) {
	assert.Nil(t, Brokers(nil))
	assert.Equal(t, []string{"a:9092", "b:9092", "c:9092"},
		Brokers(&transporttest.Config{KafkaBrokers: []string{" a:9092 ", "b:9092,c:9092", ""}}))
}

func TestBuild(t *testing.T) {
	t.Run("fails without brokers", func(t *testing.T) {
		_, err := Build(context.Background(), transport.Endpoint{Side: transport.SideOutput}, &transporttest.Config{}, watermill.NopLogger{})
		require.ErrorIs(t, err, errspkg.ErrConfiguration)
		assert.ErrorIs(t, err, errNoBrokers)
	})


	t.Run("output side builds only a publisher", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		wantPub := &transporttest.Publisher{}
		var got kafka.PublisherConfig
		PublisherFactory = func(config kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			got = config
			return wantPub, nil
		}

		cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}
		tr, err := Build(context.Background(), transport.Endpoint{Side: transport.SideOutput}, cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Same(t, wantPub, tr.Publisher)
		assert.Nil(t, tr.Subscriber)
		assert.Equal(t, []string{"localhost:9092"}, got.Brokers)
	})

	t.Run("broadcast input reads without a group", func(t *testing.T) {
		originalSubFactory := SubscriberFactory
		defer func() { SubscriberFactory = originalSubFactory }()

		var got kafka.SubscriberConfig
		SubscriberFactory = func(config kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			got = config
			return &transporttest.Subscriber{}, nil
		}

		ep := transport.Endpoint{Side: transport.SideInput, Group: "conn-1", Delivery: transport.DeliveryBroadcast}
		_, err := Build(context.Background(), ep, &transporttest.Config{KafkaBrokers: []string{"k:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Empty(t, got.ConsumerGroup)
	})

	t.Run("input side joins the connection group", func(t *testing.T) {
		originalSubFactory := SubscriberFactory
		defer func() { SubscriberFactory = originalSubFactory }()

		wantSub := &transporttest.Subscriber{}
		var got kafka.SubscriberConfig
		SubscriberFactory = func(config kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			got = config
			return wantSub, nil
		}

		cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}
		ep := transport.Endpoint{Side: transport.SideInput, Group: "conn-1", Delivery: transport.DeliveryRoundRobin}
		tr, err := Build(context.Background(), ep, cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Same(t, wantSub, tr.Subscriber)
		assert.Nil(t, tr.Publisher)
		assert.Equal(t, "conn-1", got.ConsumerGroup)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(config kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), transport.Endpoint{Side: transport.SideOutput}, &transporttest.Config{KafkaBrokers: []string{"k:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("returns error when subscriber factory fails", func(t *testing.T) {
		originalSubFactory := SubscriberFactory
		defer func() { SubscriberFactory = originalSubFactory }()

		SubscriberFactory = func(config kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), transport.Endpoint{Side: transport.SideInput}, &transporttest.Config{KafkaBrokers: []string{"k:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
	})
}
