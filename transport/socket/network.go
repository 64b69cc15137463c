package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/rflow/transport"
)

func listen(ep transport.Endpoint) (net.Listener, error) {
	switch ep.Scheme() {
	case transport.SchemeInproc:
		return inproc.listen(inprocKey(ep))
	case transport.SchemeIPC:
		path, err := ep.Path()
		if err != nil {
			return nil, err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
		return net.Listen("unix", path)
	case transport.SchemeTCP:
		hostPort, err := ep.HostPort()
		if err != nil {
			return nil, err
		}
		return net.Listen("tcp", hostPort)
	}
	return nil, fmt.Errorf("unsupported address %q", ep.Address)
}

func dialOnce(ctx context.Context, ep transport.Endpoint) (net.Conn, error) {
	switch ep.Scheme() {
	case transport.SchemeInproc:
		return inproc.dial(inprocKey(ep))
	case transport.SchemeIPC:
		path, err := ep.Path()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	case transport.SchemeTCP:
		hostPort, err := ep.HostPort()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", hostPort)
	}
	return nil, backoff.Permanent(fmt.Errorf("unsupported address %q", ep.Address))
}

// dial retries until the peer accepts or ctx ends.
func dial(ctx context.Context, ep transport.Endpoint) (net.Conn, error) {
	return backoff.Retry(ctx, func() (net.Conn, error) {
		return dialOnce(ctx, ep)
	}, backoff.WithBackOff(DialBackOff()), backoff.WithMaxElapsedTime(0))
}

func inprocKey(ep transport.Endpoint) string {
	return ep.Scope + "|" + ep.Address
}

var errNotBound = errors.New("inproc address not bound")

// inprocHub connects in-process endpoints through net.Pipe.
type inprocHub struct {
	mu        sync.Mutex
	listeners map[string]*inprocListener
}

var inproc = &inprocHub{listeners: make(map[string]*inprocListener)}

func (h *inprocHub) listen(key string) (net.Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[key]; ok {
		return nil, fmt.Errorf("inproc address %s already bound", key)
	}
	l := &inprocListener{
		hub:    h,
		key:    key,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	h.listeners[key] = l
	return l, nil
}

func (h *inprocHub) dial(key string) (net.Conn, error) {
	h.mu.Lock()
	l, ok := h.listeners[key]
	h.mu.Unlock()
	if !ok {
		return nil, errNotBound
	}
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		_ = client.Close()
		_ = server.Close()
		return nil, errNotBound
	}
}

func (h *inprocHub) remove(key string, l *inprocListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners[key] == l {
		delete(h.listeners, key)
	}
}

type inprocListener struct {
	hub    *inprocHub
	key    string
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func (l *inprocListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *inprocListener) Close() error {
	l.once.Do(func() {
		l.hub.remove(l.key, l)
		close(l.closed)
	})
	return nil
}

func (l *inprocListener) Addr() net.Addr { return inprocAddr(l.key) }

type inprocAddr string

func (a inprocAddr) Network() string { return transport.SchemeInproc }
func (a inprocAddr) String() string  { return string(a) }
