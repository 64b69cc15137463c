// Package worker runs one replica of a shard: it builds the shard's
// components, realizes every connection touching them, and drives the
// component lifecycle on a single event loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/drblury/rflow/internal/runtime/component"
	"github.com/drblury/rflow/internal/runtime/config"
	"github.com/drblury/rflow/internal/runtime/connection"
	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/graph"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/loop"
	"github.com/drblury/rflow/internal/runtime/metrics"
	"github.com/drblury/rflow/internal/runtime/registry"
	"github.com/drblury/rflow/transport"
)

// State is the lifecycle state of a worker.
type State int32

const (
	StateCreated State = iota
	StateConfigured
	StateConnected
	StateRunning
	StateShuttingDown
	StateExited
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateExited:
		return "exited"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Decorator wraps a transport the worker builds.
type Decorator func(transport.Transport) (transport.Transport, error)

// Config describes one replica.
type Config struct {
	Graph    *graph.Graph
	Settings *config.Config
	Registry *registry.Registry
	Shard    string
	Replica  int
	Logger   loggingpkg.ServiceLogger
	// Metrics is optional.
	Metrics *metrics.Collectors
	Hooks   component.ProcessHooks
	// Decorators wrap every transport after the metrics decorator.
	Decorators []Decorator
	// Resolutions skips strategy selection when the caller already resolved
	// the graph.
	Resolutions []connection.Resolution
}

func (c Config) validate() error {
	var errs []error
	if c.Graph == nil {
		errs = append(errs, errspkg.ErrGraphRequired)
	}
	if c.Registry == nil {
		errs = append(errs, errspkg.ErrRegistryRequired)
	}
	if c.Settings == nil {
		errs = append(errs, errors.New("worker settings are required"))
	}
	return errors.Join(errs...)
}

// Worker is one running replica.
type Worker struct {
	cfg    Config
	shard  graph.Shard
	scope  string
	logger loggingpkg.ServiceLogger
	loop   *loop.Loop

	instances []*component.Instance
	byName    map[string]*component.Instance
	live      []*connection.Live

	state    atomic.Int32
	stopOnce sync.Once
	downOnce sync.Once
}

// New builds the components and connections of one replica. Nothing is
// configured, bound or dialed yet.
func New(cfg Config) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	shard, ok := cfg.Graph.Shard(cfg.Shard)
	if !ok {
		return nil, errspkg.NewConfigurationError("worker", fmt.Errorf("unknown shard %q", cfg.Shard))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	logger = loggingpkg.ForWorker(logger, shard.Name, cfg.Replica)

	w := &Worker{
		cfg:    cfg,
		shard:  shard,
		scope:  Scope(shard.Name, cfg.Replica),
		logger: logger,
		loop:   loop.New(logger),
		byName: map[string]*component.Instance{},
	}
	if err := w.buildInstances(); err != nil {
		return nil, err
	}
	if err := w.buildConnections(); err != nil {
		return nil, err
	}
	return w, nil
}

// Scope names the replica; in-process addresses never cross scopes.
func Scope(shard string, replica int) string {
	return fmt.Sprintf("%s.%d", shard, replica)
}

func (w *Worker) buildInstances() error {
	var recorder component.Recorder
	if w.cfg.Metrics != nil {
		recorder = w.cfg.Metrics
	}
	var errs []error
	for _, decl := range w.cfg.Graph.ComponentsIn(w.shard.Name) {
		spec, err := w.cfg.Registry.Components.Lookup(decl.Specification)
		if err != nil {
			errs = append(errs, errspkg.NewConfigurationError("component "+decl.Name, err))
			continue
		}
		inst, err := component.NewInstance(component.InstanceConfig{
			Declaration:  decl,
			Spec:         spec,
			Logger:       w.logger,
			Loop:         w.loop,
			Types:        w.cfg.Registry.Types,
			Capabilities: w.cfg.Registry,
			Hooks:        w.cfg.Hooks,
			Metrics:      recorder,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		w.instances = append(w.instances, inst)
		w.byName[decl.Name] = inst
	}
	return errors.Join(errs...)
}

func (w *Worker) buildConnections() error {
	resolutions := w.cfg.Resolutions
	if resolutions == nil {
		var err error
		resolutions, err = connection.Resolver{
			Graph:      w.cfg.Graph,
			Config:     w.cfg.Settings,
			Transports: w.cfg.Registry.Transports,
			Ports:      w.cfg.Registry,
		}.ResolveAll()
		if err != nil {
			return err
		}
	}

	opts := connection.LiveOptions{
		Scope:      w.scope,
		Transports: w.cfg.Registry.Transports,
		Config:     w.cfg.Settings,
		Logger:     w.logger,
		Loop:       w.loop,
		Decorate:   w.decorate,
	}
	var errs []error
	for _, res := range resolutions {
		outHere := res.OutputShard.Name == w.shard.Name
		inHere := res.InputShard.Name == w.shard.Name
		if !outHere && !inHere {
			continue
		}
		live := connection.NewLive(res, opts)
		w.live = append(w.live, live)

		c := res.Connection
		if outHere {
			if err := w.byName[c.Output.Component].AddOutput(c.Output.Port, c.Output.Key, live); err != nil {
				errs = append(errs, err)
			}
		}
		if inHere {
			if err := w.byName[c.Input.Component].AddInput(c.Input.Port, c.Input.Key, live); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) decorate(tr transport.Transport) (transport.Transport, error) {
	var err error
	if w.cfg.Metrics != nil {
		if tr, err = w.cfg.Metrics.DecorateTransport(tr); err != nil {
			return tr, err
		}
	}
	for _, d := range w.cfg.Decorators {
		if tr, err = d(tr); err != nil {
			return tr, err
		}
	}
	return tr, nil
}

// Scope returns the replica scope, "<shard>.<replica>".
func (w *Worker) Scope() string { return w.scope }

// Shard returns the shard this replica belongs to.
func (w *Worker) Shard() graph.Shard { return w.shard }

// State returns the current state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Instances returns the component instances in declaration order.
func (w *Worker) Instances() []*component.Instance { return w.instances }

// Instance returns the instance of a named component.
func (w *Worker) Instance(name string) (*component.Instance, bool) {
	inst, ok := w.byName[name]
	return inst, ok
}

// Loop returns the worker event loop.
func (w *Worker) Loop() *loop.Loop { return w.loop }

// Start configures every component, then connects every input, then every
// output, then runs every component. Each phase completes for the whole
// component set before the next begins, so a bound input is ready before
// any output dials it.
func (w *Worker) Start(ctx context.Context) error {
	phases := []struct {
		name  string
		after State
		step  func(*component.Instance, context.Context) error
	}{
		{"configure", StateConfigured, (*component.Instance).Configure},
		{"connect inputs", StateConfigured, (*component.Instance).ConnectInputs},
		{"connect outputs", StateConnected, (*component.Instance).ConnectOutputs},
		{"run", StateRunning, (*component.Instance).Run},
	}
	for _, phase := range phases {
		for _, inst := range w.instances {
			if err := phase.step(inst, ctx); err != nil {
				return fmt.Errorf("%s %s: %w", phase.name, inst.Name(), err)
			}
		}
		w.state.Store(int32(phase.after))
	}
	w.logger.Info("Worker running", loggingpkg.LogFields{
		"components":  len(w.instances),
		"connections": len(w.live),
	})
	return nil
}

// Serve runs the event loop until Stop is called or ctx is cancelled, then
// tears the worker down. It returns after every component was cleaned up.
func (w *Worker) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, w.Stop)
	defer stop()

	err := w.loop.Run(context.Background())
	return errors.Join(err, w.teardown())
}

// Run is Start followed by Serve. A failed start still tears down what was
// built.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return errors.Join(err, w.teardown())
	}
	return w.Serve(ctx)
}

// Stop asks the worker to shut down: components get their shutdown notice on
// the loop, then the loop drains and stops. It does not wait.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if err := w.loop.Post(w.shutdown); err != nil {
			w.shutdown()
		}
	})
}

func (w *Worker) shutdown() {
	w.downOnce.Do(func() {
		w.logger.Info("Worker shutting down", nil)
		w.state.Store(int32(StateShuttingDown))
		ctx := context.Background()
		for _, inst := range w.instances {
			if err := inst.Shutdown(ctx); err != nil {
				w.logger.Error("Component shutdown failed", err, loggingpkg.LogFields{"component": inst.Name()})
			}
		}
	})
	w.loop.Stop()
}

// teardown closes connections and cleans components up. The loop must not be
// running.
func (w *Worker) teardown() error {
	w.shutdown()

	var errs []error
	for _, live := range w.live {
		if err := live.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %s: %w", live.Name(), err))
		}
	}
	ctx := context.Background()
	for _, inst := range w.instances {
		if err := inst.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", inst.Name(), err))
		}
	}
	w.state.Store(int32(StateExited))
	err := errors.Join(errs...)
	if err != nil {
		w.logger.Error("Worker teardown finished with errors", err, nil)
	} else {
		w.logger.Info("Worker exited", nil)
	}
	return err
}

type reopener interface {
	Reopen() error
}

// Reopen asks every component holding files to reopen them after a log
// rotation. It runs on the loop.
func (w *Worker) Reopen() {
	_ = w.loop.Post(func() {
		for _, inst := range w.instances {
			r, ok := inst.Component().(reopener)
			if !ok {
				continue
			}
			if err := r.Reopen(); err != nil {
				w.logger.Error("Reopening component files", err, loggingpkg.LogFields{"component": inst.Name()})
			}
		}
	})
}
