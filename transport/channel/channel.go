// Package channel provides an in-memory transport backed by one process-wide
// Watermill GoChannel. Every subscriber of a topic receives every message, so
// it serves broadcast connections between thread shards of one process.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/rflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

var (
	hubMu  sync.Mutex
	hubPub message.Publisher
	hubSub message.Subscriber
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

func shared(logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	hubMu.Lock()
	defer hubMu.Unlock()
	if hubPub == nil {
		// Persistent keeps messages published before the input side subscribes.
		hubPub, hubSub = Factory(gochannel.Config{Persistent: true}, logger)
	}
	return hubPub, hubSub
}

// Reset closes the shared channel; the next Build creates a fresh one.
func Reset() error {
	hubMu.Lock()
	defer hubMu.Unlock()
	if hubPub == nil {
		return nil
	}
	err := hubPub.Close()
	if hubSub != nil && any(hubSub) != any(hubPub) {
		if subErr := hubSub.Close(); err == nil {
			err = subErr
		}
	}
	hubPub, hubSub = nil, nil
	return err
}

// Build returns a view of the shared channel for one endpoint. Closing the
// view ends its subscriptions without closing the channel.
func Build(ctx context.Context, ep transport.Endpoint, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pub, sub := shared(logger)
	if ep.Side == transport.SideOutput {
		return transport.Transport{Publisher: publisherView{pub}}, nil
	}
	return transport.Transport{Subscriber: &subscriberView{sub: sub}}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type publisherView struct {
	message.Publisher
}

func (publisherView) Close() error { return nil }

type subscriberView struct {
	sub     message.Subscriber
	mu      sync.Mutex
	cancels []context.CancelFunc
}

func (s *subscriberView) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch, err := s.sub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, err
	}
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
	return ch, nil
}

func (s *subscriberView) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	return nil
}
