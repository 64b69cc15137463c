// Package jetstream provides a NATS JetStream transport. Every connection
// publishes into one persistent stream under its own subject. Round-robin
// inputs pull from one durable consumer named after the connection, so the
// replicas split the stream; broadcast inputs each pull from a durable
// consumer of their own scope.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/rflow/transport"
	natstransport "github.com/drblury/rflow/transport/nats"
)

const TransportName = "nats-jetstream"

const (
	// DefaultStream holds the subjects of every connection.
	DefaultStream = "RFLOW"
	// DefaultMaxDeliver is how often a nacked or unacked message is handed out.
	DefaultMaxDeliver = 3
	DefaultAckWait    = 30 * time.Second
	// DefaultMaxAge bounds how long unconsumed messages stay in the stream.
	DefaultMaxAge = 7 * 24 * time.Hour

	fetchBatch = 10
	fetchWait  = time.Second
)

// Connect is swapped by tests.
var Connect = func(url string, opts ...nc.Option) (*nc.Conn, error) {
	return nc.Connect(url, opts...)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Build connects to the server, makes sure the stream exists and returns the
// publisher or the subscriber of ep.
func Build(_ context.Context, ep transport.Endpoint, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	url := natstransport.URL(cfg)
	conn, err := Connect(url,
		nc.Name("rflow "+ep.ConnectionID+" jetstream"),
		nc.MaxReconnects(-1),
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("connect to %s: %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return transport.Transport{}, fmt.Errorf("jetstream context: %w", err)
	}
	if err := ensureStream(js, DefaultStream); err != nil {
		conn.Close()
		return transport.Transport{}, err
	}

	logger = logger.With(watermill.LogFields{
		"connection_id": ep.ConnectionID,
		"side":          string(ep.Side),
		"stream":        DefaultStream,
	})
	if ep.Side == transport.SideOutput {
		return transport.Transport{Publisher: &Publisher{conn: conn, js: js, stream: DefaultStream}}, nil
	}
	return transport.Transport{Subscriber: &Subscriber{
		conn:   conn,
		js:     js,
		stream: DefaultStream,
		ep:     ep,
		logger: logger,
		done:   make(chan struct{}),
	}}, nil
}

func streamConfig(name string) *nc.StreamConfig {
	return &nc.StreamConfig{
		Name:      name,
		Subjects:  []string{name + ".>"},
		Retention: nc.LimitsPolicy,
		Storage:   nc.FileStorage,
		MaxAge:    DefaultMaxAge,
	}
}

func ensureStream(js nc.JetStreamContext, name string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nc.ErrStreamNotFound) {
		return fmt.Errorf("stream %s: %w", name, err)
	}
	if _, err := js.AddStream(streamConfig(name)); err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Subject maps a connection topic into the stream's subject space.
func Subject(stream, topic string) string {
	return stream + "." + topic
}

// ConsumerName names the durable consumer of an input endpoint. Consumer
// names may not contain dots, so scopes like "shard.1" are flattened.
func ConsumerName(ep transport.Endpoint) string {
	name := ep.Group
	if ep.Delivery == transport.DeliveryBroadcast && ep.Scope != "" {
		name += "-" + ep.Scope
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

func consumerConfig(ep transport.Endpoint, subject string) *nc.ConsumerConfig {
	return &nc.ConsumerConfig{
		Durable:       ConsumerName(ep),
		FilterSubject: subject,
		AckPolicy:     nc.AckExplicitPolicy,
		AckWait:       DefaultAckWait,
		MaxDeliver:    DefaultMaxDeliver,
		DeliverPolicy: nc.DeliverAllPolicy,
	}
}

// Publisher appends to the stream and waits for the server's ack.
type Publisher struct {
	conn   *nc.Conn
	js     nc.JetStreamContext
	stream string
}

// toNATS carries the frame id in the dedupe header so a retried publish is
// stored once.
func toNATS(subject string, msg *message.Message) *nc.Msg {
	header := nc.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(nc.MsgIdHdr, msg.UUID)
	return &nc.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func (p *Publisher) Publish(topic string, msgs ...*message.Message) error {
	subject := Subject(p.stream, topic)
	for _, msg := range msgs {
		if _, err := p.js.PublishMsg(toNATS(subject, msg)); err != nil {
			return fmt.Errorf("publish %s to %s: %w", msg.UUID, subject, err)
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	p.conn.Close()
	return nil
}

// Subscriber pulls from the durable consumer of its endpoint.
type Subscriber struct {
	conn   *nc.Conn
	js     nc.JetStreamContext
	stream string
	ep     transport.Endpoint
	logger watermill.LoggerAdapter

	mu        sync.Mutex
	subs      []*nc.Subscription
	done      chan struct{}
	closeOnce sync.Once
	fetchers  sync.WaitGroup
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	subject := Subject(s.stream, topic)
	cc := consumerConfig(s.ep, subject)
	if _, err := s.js.AddConsumer(s.stream, cc); err != nil {
		// another replica may have created it first
		if _, infoErr := s.js.ConsumerInfo(s.stream, cc.Durable); infoErr != nil {
			return nil, fmt.Errorf("consumer %s: %w", cc.Durable, err)
		}
	}
	sub, err := s.js.PullSubscribe(subject, cc.Durable, nc.Bind(s.stream, cc.Durable))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", subject, err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	out := make(chan *message.Message)
	s.fetchers.Add(1)
	go func() {
		defer s.fetchers.Done()
		defer close(out)
		s.fetch(ctx, sub, out, subject)
	}()
	return out, nil
}

func (s *Subscriber) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscriber) fetch(ctx context.Context, sub *nc.Subscription, out chan<- *message.Message, subject string) {
	for !s.stopped(ctx) {
		msgs, err := sub.Fetch(fetchBatch, nc.MaxWait(fetchWait))
		switch {
		case errors.Is(err, nc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, nc.ErrConnectionClosed), errors.Is(err, nc.ErrBadSubscription):
			return
		case err != nil:
			if s.stopped(ctx) {
				return
			}
			s.logger.Error("Fetching messages failed", err, watermill.LogFields{"subject": subject})
			select {
			case <-time.After(fetchWait):
			case <-ctx.Done():
			case <-s.done:
			}
			continue
		}
		for _, m := range msgs {
			if !s.deliver(ctx, out, m) {
				// the rest is handed out again once AckWait runs out
				return
			}
		}
	}
}

// deliver hands m on and settles it with the server once the consumer acks
// or nacks. It reports false when the subscriber is stopping.
func (s *Subscriber) deliver(ctx context.Context, out chan<- *message.Message, m *nc.Msg) bool {
	msg := toWatermill(m)
	select {
	case out <- msg:
	case <-ctx.Done():
		_ = m.Nak()
		return false
	case <-s.done:
		_ = m.Nak()
		return false
	}

	var err error
	select {
	case <-msg.Acked():
		err = m.Ack()
	case <-msg.Nacked():
		err = m.Nak()
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
	if err != nil {
		s.logger.Error("Settling message failed", err, watermill.LogFields{"message_uuid": msg.UUID})
	}
	return true
}

func toWatermill(m *nc.Msg) *message.Message {
	msg := message.NewMessage(m.Header.Get(nc.MsgIdHdr), m.Data)
	for k, v := range m.Header {
		if k == nc.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

// Close stops the fetchers and drops the subscriptions. The durable
// consumer stays on the server so the next run resumes where this one left.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for _, sub := range s.subs {
			_ = sub.Unsubscribe()
		}
		s.subs = nil
		s.mu.Unlock()
		s.fetchers.Wait()
		s.conn.Close()
	})
	return nil
}
