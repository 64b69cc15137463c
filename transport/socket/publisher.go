package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rflow/transport"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("socket publisher closed")

type peer struct {
	conn net.Conn
	gone chan struct{}
	once sync.Once
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, gone: make(chan struct{})}
}

func (p *peer) drop() {
	p.once.Do(func() {
		_ = p.conn.Close()
		close(p.gone)
	})
}

// Publisher writes frames to every connected peer. Publish never blocks on the
// network: frames wait in an unbounded queue until a peer is available.
type Publisher struct {
	ep     transport.Endpoint
	logger watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	writer chan struct{}

	listener net.Listener

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	peers   []*peer
	next    int
	closing bool
	closed  bool
}

// NewPublisher binds or starts dialing ep.Address.
func NewPublisher(ep transport.Endpoint, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		ep:     ep,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		writer: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if ep.Role == transport.RoleBind {
		l, err := listen(ep)
		if err != nil {
			cancel()
			return nil, err
		}
		p.listener = l
		p.wg.Add(1)
		go p.acceptLoop()
	} else {
		p.wg.Add(1)
		go p.dialLoop()
	}

	go p.writeLoop()
	return p, nil
}

// Publish queues messages for delivery. The topic is ignored since the
// address already identifies the connection.
func (p *Publisher) Publish(_ string, messages ...*message.Message) error {
	frames := make([][]byte, 0, len(messages))
	for _, msg := range messages {
		f, err := encodeFrame(msg)
		if err != nil {
			return err
		}
		frames = append(frames, f)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing || p.closed {
		return ErrPublisherClosed
	}
	p.queue = append(p.queue, frames...)
	p.cond.Broadcast()
	return nil
}

// Pending returns the number of frames not yet written.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Peers returns the number of connected peers.
func (p *Publisher) Peers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Close flushes queued frames for up to FlushTimeout, then disconnects.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		<-p.writer
		return nil
	}
	p.closing = true
	p.cond.Broadcast()
	p.mu.Unlock()

	select {
	case <-p.writer:
	case <-time.After(FlushTimeout):
		p.logger.Info("Dropping unflushed frames", watermill.LogFields{"pending": p.Pending()})
	}

	p.mu.Lock()
	p.closed = true
	peers := p.peers
	p.peers = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	if p.listener != nil {
		_ = p.listener.Close()
	}
	for _, pr := range peers {
		pr.drop()
	}
	<-p.writer
	p.wg.Wait()
	return nil
}

func (p *Publisher) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				p.logger.Error("Accept failed", err, nil)
			}
			return
		}
		p.addPeer(conn)
	}
}

func (p *Publisher) dialLoop() {
	defer p.wg.Done()
	for {
		conn, err := dial(p.ctx, p.ep)
		if err != nil {
			return
		}
		pr := p.addPeer(conn)
		if pr == nil {
			return
		}
		select {
		case <-pr.gone:
			p.logger.Debug("Peer disconnected, redialing", nil)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Publisher) addPeer(conn net.Conn) *peer {
	pr := newPeer(conn)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pr.drop()
		return nil
	}
	p.peers = append(p.peers, pr)
	p.cond.Broadcast()
	p.mu.Unlock()

	// Peers never write; a read returning means the peer went away.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _ = io.Copy(io.Discard, conn)
		p.removePeer(pr)
	}()
	return pr
}

func (p *Publisher) removePeer(pr *peer) {
	pr.drop()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, candidate := range p.peers {
		if candidate == pr {
			p.peers = append(p.peers[:i], p.peers[i+1:]...)
			break
		}
	}
}

// targets picks the peers for the head of the queue.
func (p *Publisher) targets() []*peer {
	if p.ep.Delivery == transport.DeliveryBroadcast {
		return append([]*peer(nil), p.peers...)
	}
	pr := p.peers[p.next%len(p.peers)]
	p.next++
	return []*peer{pr}
}

func (p *Publisher) writeLoop() {
	defer close(p.writer)
	for {
		p.mu.Lock()
		for !p.closed && (len(p.queue) == 0 || len(p.peers) == 0) {
			if p.closing && len(p.queue) == 0 {
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		head := p.queue[0]
		targets := p.targets()
		p.mu.Unlock()

		delivered := false
		for _, pr := range targets {
			if _, err := pr.conn.Write(head); err != nil {
				p.logger.Debug("Write failed, dropping peer", watermill.LogFields{"error": err.Error()})
				p.removePeer(pr)
				continue
			}
			delivered = true
		}

		if delivered {
			p.mu.Lock()
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
		}
	}
}
