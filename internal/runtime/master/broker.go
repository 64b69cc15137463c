package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/drblury/rflow/internal/runtime/config"
	"github.com/drblury/rflow/internal/runtime/connection"
	"github.com/drblury/rflow/internal/runtime/graph"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/process"
	"github.com/drblury/rflow/internal/runtime/registry"
)

// BrokerPayload is what a broker process reads on stdin.
type BrokerPayload struct {
	Graph        *graph.Graph `json:"graph"`
	ConnectionID string       `json:"connection_id"`
}

// BrokerStatus is a snapshot of one broker relay.
type BrokerStatus struct {
	Connection string `json:"connection"`
	ID         string `json:"id"`
	In         string `json:"in"`
	Out        string `json:"out"`
	Pid        int    `json:"pid"`
	Running    bool   `json:"running"`
	Error      string `json:"error,omitempty"`
}

// broker runs the relay of one many-to-many connection, either as a
// goroutine of the master or as a child process.
type broker struct {
	res connection.Resolution

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	child   *process.Child
	running bool
	err     error
}

func newBroker(res connection.Resolution) *broker {
	return &broker{res: res}
}

func (b *broker) start(ctx context.Context, m *Master) error {
	if m.cfg.BrokerArgs == nil {
		return b.startRelay(ctx, m)
	}
	return b.startProcess(ctx, m)
}

func (b *broker) startRelay(ctx context.Context, m *Master) error {
	ctx, cancel := context.WithCancel(ctx)
	ready := make(chan struct{})
	done := make(chan struct{})
	errCh := make(chan error, 1)

	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		err := connection.RunRelay(ctx, b.res, connection.RelayOptions{
			Transports: m.cfg.Registry.Transports,
			Config:     m.settings,
			Logger:     m.logger,
			Ready:      ready,
		})
		b.exited(err)
		errCh <- err
	}()

	select {
	case <-ready:
		b.mu.Lock()
		b.running = true
		b.mu.Unlock()
		return nil
	case err := <-errCh:
		if err == nil {
			err = errors.New("relay stopped before it was ready")
		}
		return fmt.Errorf("broker %s: %w", b.res.ID, err)
	}
}

func (b *broker) startProcess(ctx context.Context, m *Master) error {
	spawn := m.cfg.Spawner
	if spawn == nil {
		spawn = process.Spawn
	}
	child, err := spawn(ctx, process.SpawnConfig{
		Args:    m.cfg.BrokerArgs,
		Payload: BrokerPayload{Graph: m.cfg.Graph, ConnectionID: b.res.ID},
		Stdout:  m.cfg.Stdout,
		Stderr:  m.cfg.Stderr,
		Logger:  m.logger,
	})
	if err != nil {
		return fmt.Errorf("broker %s: %w", b.res.ID, err)
	}
	done := make(chan struct{})
	b.mu.Lock()
	b.child = child
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		<-child.Done()
		b.exited(child.Err())
	}()

	if err := child.WaitReady(process.DefaultReadyTimeout); err != nil {
		_ = child.Terminate(process.DefaultTerminateTimeout)
		return fmt.Errorf("broker %s: %w", b.res.ID, err)
	}
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	return nil
}

func (b *broker) exited(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	if err != nil && b.err == nil {
		b.err = err
	}
}

func (b *broker) stop(timeout time.Duration) error {
	b.mu.Lock()
	cancel, child, done := b.cancel, b.child, b.done
	b.mu.Unlock()
	if done == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if child != nil {
		return child.Terminate(timeout)
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("broker %s did not stop within %s", b.res.ID, timeout)
	}
}

func (b *broker) signal(sig os.Signal, logger loggingpkg.ServiceLogger) {
	b.mu.Lock()
	child := b.child
	b.mu.Unlock()
	if child == nil {
		return
	}
	if err := child.Signal(sig); err != nil {
		logger.Error("Relaying signal to broker", err, loggingpkg.LogFields{"broker": b.res.ID, "signal": sig.String()})
	}
}

func (b *broker) pid() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.child == nil || !b.running {
		return 0
	}
	return b.child.Pid()
}

func (b *broker) status() BrokerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BrokerStatus{
		Connection: b.res.Name(),
		ID:         b.res.ID,
		In:         b.res.Broker.InAddress,
		Out:        b.res.Broker.OutAddress,
		Running:    b.running,
	}
	if b.child != nil {
		st.Pid = b.child.Pid()
	} else if b.running {
		st.Pid = os.Getpid()
	}
	if b.err != nil {
		st.Error = b.err.Error()
	}
	return st
}

// BrokerOptions configure RunBroker.
type BrokerOptions struct {
	Registry *registry.Registry
	Logs     *loggingpkg.Controller
}

// RunBroker is the body of a broker process: it relays one many-to-many
// connection until SIGTERM or ctx is cancelled.
func RunBroker(ctx context.Context, p BrokerPayload, opts BrokerOptions) error {
	if p.Graph == nil {
		err := errors.New("broker payload has no graph")
		return errors.Join(err, process.NotifyFailed(err))
	}
	logger := loggingpkg.NewNopServiceLogger()
	if opts.Logs != nil {
		logger = opts.Logs.Logger()
	}
	logger = loggingpkg.ForProcess(logger, "broker")

	if opts.Registry == nil {
		opts.Registry, _ = registry.FromContext(ctx)
	}
	if opts.Registry == nil {
		reg, err := registry.NewDefault()
		if err != nil {
			return errors.Join(err, process.NotifyFailed(err))
		}
		opts.Registry = reg
	}
	res, settings, err := resolveBroker(p, opts.Registry)
	if err != nil {
		logger.Error("Resolving broker connection", err, nil)
		return errors.Join(err, process.NotifyFailed(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	router := process.Route(ctx, logger, process.Handlers{
		Shutdown: func(os.Signal) { cancel() },
		ReopenLogs: func() {
			if opts.Logs != nil {
				if err := opts.Logs.Reopen(); err != nil {
					logger.Error("Reopening log file", err, nil)
				}
			}
		},
		ToggleLogLevel: func() {
			if opts.Logs != nil {
				opts.Logs.Toggle()
			}
		},
	})
	defer router.Stop()

	if err := process.SetTitle("rflow broker"); err != nil {
		logger.Debug("Setting process title", loggingpkg.LogFields{"error": err.Error()})
	}

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- connection.RunRelay(ctx, res, connection.RelayOptions{
			Transports: opts.Registry.Transports,
			Config:     settings,
			Logger:     logger,
			Ready:      ready,
		})
	}()

	select {
	case <-ready:
		if err := process.NotifyReady(); err != nil {
			logger.Error("Reporting readiness", err, nil)
		}
	case err := <-errCh:
		if err == nil {
			err = errors.New("relay stopped before it was ready")
		}
		return errors.Join(err, process.NotifyFailed(err))
	}
	return <-errCh
}

func resolveBroker(p BrokerPayload, reg *registry.Registry) (connection.Resolution, *config.Config, error) {
	settings, err := config.FromGraph(p.Graph)
	if err != nil {
		return connection.Resolution{}, nil, err
	}
	resolutions, err := connection.Resolver{
		Graph:      p.Graph,
		Config:     settings,
		Transports: reg.Transports,
		Ports:      reg,
	}.ResolveAll()
	if err != nil {
		return connection.Resolution{}, nil, err
	}
	for _, res := range resolutions {
		if res.ID == p.ConnectionID {
			if res.Broker == nil {
				return connection.Resolution{}, nil, fmt.Errorf("connection %s is not brokered", res.ID)
			}
			return res, settings, nil
		}
	}
	return connection.Resolution{}, nil, fmt.Errorf("connection %s not found", p.ConnectionID)
}
