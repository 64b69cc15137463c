package socket

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rflow/transport"
)

// ErrAlreadySubscribed is returned when Subscribe is called twice.
var ErrAlreadySubscribed = errors.New("socket subscriber already subscribed")

// Subscriber fans in frames from every connected peer. Frames from one peer
// are delivered in order; the next one is read only after the previous
// message is acked. A nacked message is delivered again.
type Subscriber struct {
	ep     transport.Endpoint
	logger watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	out    chan *message.Message

	listener net.Listener

	mu         sync.Mutex
	conns      map[net.Conn]struct{}
	subscribed bool
	closed     bool
}

// NewSubscriber binds or starts dialing ep.Address.
func NewSubscriber(ep transport.Endpoint, logger watermill.LoggerAdapter) (*Subscriber, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		ep:     ep,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan *message.Message),
		conns:  make(map[net.Conn]struct{}),
	}

	if ep.Role == transport.RoleBind {
		l, err := listen(ep)
		if err != nil {
			cancel()
			return nil, err
		}
		s.listener = l
		s.wg.Add(1)
		go s.acceptLoop()
	} else {
		s.wg.Add(1)
		go s.dialLoop()
	}
	return s, nil
}

// Subscribe returns the channel of incoming messages. It is closed when ctx
// ends or the subscriber is closed.
func (s *Subscriber) Subscribe(ctx context.Context, _ string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return nil, ErrAlreadySubscribed
	}
	s.subscribed = true
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s.out, nil
}

// Close disconnects every peer and closes the output channel.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	close(s.out)
	return nil
}

func (s *Subscriber) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("Accept failed", err, nil)
			}
			return
		}
		if !s.track(conn) {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Subscriber) dialLoop() {
	defer s.wg.Done()
	for {
		conn, err := dial(s.ctx, s.ep)
		if err != nil {
			return
		}
		if !s.track(conn) {
			return
		}
		s.serve(conn)
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Debug("Peer disconnected, redialing", nil)
	}
}

func (s *Subscriber) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Subscriber) serve(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		msg, err := readFrame(conn)
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Peer stream ended", watermill.LogFields{"error": err.Error()})
			}
			return
		}
		if !s.deliver(msg) {
			return
		}
	}
}

// deliver blocks until msg is acked, redelivering copies on nack.
func (s *Subscriber) deliver(msg *message.Message) bool {
	for {
		select {
		case s.out <- msg:
		case <-s.ctx.Done():
			return false
		}
		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			msg = msg.Copy()
		case <-s.ctx.Done():
			return false
		}
	}
}
