// Package http provides a point-to-point HTTP transport. The input side binds
// host:port from a tcp:// address and serves one route per connection; the
// output side POSTs every message to it.
package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rflow/transport"
)

const TransportName = "http"

// RequestTimeout bounds one POST from an output.
const RequestTimeout = 30 * time.Second

// Seams swapped by tests.
var (
	PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return http.NewPublisher(config, logger)
	}
	SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return http.NewSubscriber(addr, config, logger)
	}
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// Route returns the URL path serving a topic.
func Route(topic string) string {
	return "/" + strings.TrimLeft(topic, "/")
}

func Build(_ context.Context, ep transport.Endpoint, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	hostPort, err := ep.HostPort()
	if err != nil {
		return transport.Transport{}, fmt.Errorf("http transport: %w", err)
	}

	if ep.Side == transport.SideInput {
		sub, err := SubscriberFactory(hostPort, http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		}, logger)
		if err != nil {
			return transport.Transport{}, err
		}
		return transport.Transport{Subscriber: &listener{Subscriber: sub, logger: logger}}, nil
	}

	target := "http://" + hostPort
	pub, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(target+Route(topic), msg)
		},
		Client: &nethttp.Client{Timeout: RequestTimeout},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: pub}, nil
}

// listener registers the topic route before the HTTP server starts, which
// watermill-http requires. The server starts with the first subscription.
type listener struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	start  sync.Once
}

func (l *listener) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := l.Subscriber.Subscribe(ctx, Route(topic))
	if err != nil {
		return nil, err
	}
	srv, ok := l.Subscriber.(interface{ StartHTTPServer() error })
	if !ok {
		return ch, nil
	}
	l.start.Do(func() {
		go func() {
			if err := srv.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				l.logger.Error("HTTP input server stopped", err, watermill.LogFields{"topic": topic})
			}
		}()
	})
	return ch, nil
}
