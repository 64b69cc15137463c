package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/loop"
	"github.com/drblury/rflow/internal/runtime/metadata"
	"github.com/drblury/rflow/internal/runtime/port"
	"github.com/drblury/rflow/transport"
)

// Metadata keys set on every transport message.
const (
	MetadataType       = "rflow_type"
	MetadataConnection = "rflow_connection"
	// MetadataRelay names the broker relay that forwarded a message.
	MetadataRelay = "rflow_relay"
)

var (
	// ErrNotConnected is returned by Send before ConnectOutput succeeded.
	ErrNotConnected = errors.New("rflow: connection output is not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rflow: connection is closed")
	// ErrTooLarge is returned by Send for payloads over the transport's cap.
	ErrTooLarge = errors.New("rflow: message exceeds transport size limit")
)

// LiveOptions configure how a worker realizes connections.
type LiveOptions struct {
	// Scope identifies the worker; in-process addresses never cross scopes.
	Scope      string
	Transports *transport.Registry
	Config     transport.Config
	Logger     loggingpkg.ServiceLogger
	// Loop receives every inbound message. Without a loop messages are
	// handed over on the transport goroutine.
	Loop *loop.Loop
	// Decorate optionally wraps every transport built, for example with
	// metrics.
	Decorate func(transport.Transport) (transport.Transport, error)
}

// Live is one resolved connection inside one worker. It holds the output
// side, the input side, or both when both components live in the worker.
type Live struct {
	res  Resolution
	opts LiveOptions
	log  loggingpkg.ServiceLogger

	mu        sync.Mutex
	outTr     *transport.Transport
	inTr      *transport.Transport
	inCancel  context.CancelFunc
	consumers sync.WaitGroup
	closed    bool
}

var (
	_ port.OutputConnection = (*Live)(nil)
	_ port.InputConnection  = (*Live)(nil)
)

// NewLive prepares a connection. Nothing is bound or dialed until one of the
// Connect methods runs.
func NewLive(res Resolution, opts LiveOptions) *Live {
	if opts.Transports == nil {
		opts.Transports = transport.DefaultRegistry
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NewNopServiceLogger()
	}
	return &Live{
		res:  res,
		opts: opts,
		log: opts.Logger.With(loggingpkg.LogFields{
			"connection":    res.Name(),
			"connection_id": res.ID,
			"transport":     res.Transport,
			"strategy":      string(res.Strategy),
		}),
	}
}

func (l *Live) ID() string   { return l.res.ID }
func (l *Live) Name() string { return l.res.Name() }

// Resolution returns the strategy this connection was built from.
func (l *Live) Resolution() Resolution { return l.res }

func (l *Live) build(ctx context.Context, side transport.Side) (transport.Transport, error) {
	ep := l.res.Endpoint(side, l.opts.Scope)
	tr, err := l.opts.Transports.Build(ctx, l.res.Transport, ep, l.opts.Config, loggingpkg.NewWatermillAdapter(l.log))
	if err != nil {
		return transport.Transport{}, fmt.Errorf("build %s %s side at %s: %w", l.res.Transport, side, ep.Address, err)
	}
	if l.opts.Decorate != nil {
		decorated, err := l.opts.Decorate(tr)
		if err != nil {
			_ = tr.Close()
			return transport.Transport{}, err
		}
		tr = decorated
	}
	return tr, nil
}

// ConnectOutput builds the publishing side. Calling it again is a no-op.
func (l *Live) ConnectOutput(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.outTr != nil {
		return nil
	}
	tr, err := l.build(ctx, transport.SideOutput)
	if err != nil {
		return err
	}
	if tr.Publisher == nil {
		_ = tr.Close()
		return fmt.Errorf("transport %s returned no publisher", l.res.Transport)
	}
	l.outTr = &tr
	l.log.Debug("Connected output", loggingpkg.LogFields{"address": l.res.Output.Address, "role": string(l.res.Output.Role)})
	return nil
}

// Send publishes one encoded envelope.
func (l *Live) Send(payload []byte, typeName string) error {
	l.mu.Lock()
	tr := l.outTr
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if tr == nil {
		return ErrNotConnected
	}
	if !l.res.Capabilities.Allows(len(payload)) {
		return fmt.Errorf("%w: %d bytes over %s, limit %d", ErrTooLarge, len(payload), l.res.Transport, l.res.Capabilities.MaxMessageSize)
	}

	msg := message.NewMessage(ids.NewFrameID(), payload)
	msg.Metadata = metadata.ToWatermill(metadata.New(
		MetadataType, typeName,
		MetadataConnection, l.res.Name(),
	))
	return tr.Publisher.Publish(l.res.Topic, msg)
}

// ConnectInput builds the consuming side and starts handing messages to
// receive. Each message is acknowledged once receive has returned.
func (l *Live) ConnectInput(ctx context.Context, receive port.Receiver) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.inTr != nil {
		return nil
	}
	tr, err := l.build(ctx, transport.SideInput)
	if err != nil {
		return err
	}
	if tr.Subscriber == nil {
		_ = tr.Close()
		return fmt.Errorf("transport %s returned no subscriber", l.res.Transport)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := tr.Subscriber.Subscribe(subCtx, l.res.Topic)
	if err != nil {
		cancel()
		_ = tr.Close()
		return fmt.Errorf("subscribe %s: %w", l.res.Topic, err)
	}
	l.inTr = &tr
	l.inCancel = cancel

	l.consumers.Add(1)
	go func() {
		defer l.consumers.Done()
		l.consume(subCtx, messages, receive)
	}()
	l.log.Debug("Connected input", loggingpkg.LogFields{"address": l.res.Input.Address, "role": string(l.res.Input.Role)})
	return nil
}

func (l *Live) consume(ctx context.Context, messages <-chan *message.Message, receive port.Receiver) {
	for msg := range messages {
		if l.opts.Loop == nil {
			receive(msg)
			msg.Ack()
			continue
		}

		done := make(chan struct{})
		if err := l.opts.Loop.Post(func() {
			defer close(done)
			receive(msg)
		}); err != nil {
			l.log.Debug("Event loop stopped, leaving message unacknowledged", loggingpkg.LogFields{"message_uuid": msg.UUID})
			return
		}
		select {
		case <-done:
			msg.Ack()
		case <-ctx.Done():
			return
		}
	}
}

// Close tears down both sides. The output side flushes what it can first.
func (l *Live) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	outTr, inTr, cancel := l.outTr, l.inTr, l.inCancel
	l.mu.Unlock()

	var errs []error
	if outTr != nil {
		errs = append(errs, outTr.Close())
	}
	if cancel != nil {
		cancel()
	}
	if inTr != nil {
		errs = append(errs, inTr.Close())
	}
	l.consumers.Wait()
	return errors.Join(errs...)
}

// watermillLogger is used by the relay, which has no ServiceLogger of its own.
func watermillLogger(log loggingpkg.ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		return watermill.NopLogger{}
	}
	return loggingpkg.NewWatermillAdapter(log)
}
