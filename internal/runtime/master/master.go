// Package master is the top-level supervisor. It resolves every connection,
// starts the broker relays of many-to-many connections, brings up each shard,
// relays signals to every worker, owns the master PID file and serves the
// status API.
package master

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/drblury/rflow/internal/runtime/config"
	"github.com/drblury/rflow/internal/runtime/connection"
	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/graph"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/metrics"
	"github.com/drblury/rflow/internal/runtime/process"
	"github.com/drblury/rflow/internal/runtime/registry"
	"github.com/drblury/rflow/internal/runtime/shard"
)

// Config describes what the master runs.
type Config struct {
	Graph    *graph.Graph
	Registry *registry.Registry
	// Logs owns the process log sink. Without it Logger is used and the
	// reopen and toggle signals only reach the workers.
	Logs   *loggingpkg.Controller
	Logger loggingpkg.ServiceLogger
	// WorkerArgs start a worker process.
	WorkerArgs []string
	// BrokerArgs start a broker process. Without them relays run inside the
	// master.
	BrokerArgs []string
	Spawner    shard.Spawner
	Stdout     io.Writer
	Stderr     io.Writer
}

// Master supervises shards and brokers.
type Master struct {
	cfg         Config
	settings    *config.Config
	resolutions []connection.Resolution
	logger      loggingpkg.ServiceLogger
	metrics     *metrics.Collectors
	resources   *resourceTracker

	shards  []*shard.Shard
	brokers []*broker

	mu        sync.Mutex
	startedAt time.Time
	cancel    context.CancelFunc
	servers   sync.WaitGroup
	stopOnce  sync.Once
	stopErr   error
	pidFile   string
}

// New validates the graph, resolves every connection and prepares the
// shards. Nothing is started. Without cfg.Registry the registry carried by
// ctx is used.
func New(ctx context.Context, cfg Config) (*Master, error) {
	if cfg.Graph == nil {
		return nil, errspkg.ErrGraphRequired
	}
	if cfg.Registry == nil {
		cfg.Registry, _ = registry.FromContext(ctx)
	}
	if cfg.Registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if err := cfg.Graph.Validate(); err != nil {
		return nil, err
	}
	settings, err := config.FromGraph(cfg.Graph)
	if err != nil {
		return nil, err
	}
	resolutions, err := connection.Resolver{
		Graph:      cfg.Graph,
		Config:     settings,
		Transports: cfg.Registry.Transports,
		Ports:      cfg.Registry,
	}.ResolveAll()
	if err != nil {
		return nil, err
	}

	base := cfg.Logger
	if cfg.Logs != nil {
		base = cfg.Logs.Logger()
	}
	if base == nil {
		base = loggingpkg.NewNopServiceLogger()
	}
	logger := loggingpkg.ForProcess(base, "master")

	m := &Master{
		cfg:         cfg,
		settings:    settings,
		resolutions: resolutions,
		logger:      logger,
		resources:   newResourceTracker(),
	}
	if settings.MetricsEnabled {
		m.metrics = metrics.New()
	}

	ordinal := 0
	for _, s := range cfg.Graph.Shards {
		m.shards = append(m.shards, shard.New(shard.Config{
			Shard:       s,
			Graph:       cfg.Graph,
			Settings:    settings,
			Registry:    cfg.Registry,
			Resolutions: resolutions,
			Logger:      base,
			Metrics:     m.metrics,
			Ordinal:     ordinal,
			WorkerArgs:  cfg.WorkerArgs,
			Stdout:      cfg.Stdout,
			Stderr:      cfg.Stderr,
			Spawner:     cfg.Spawner,
		}))
		if s.Kind == graph.KindProcess {
			ordinal += s.Count
		}
	}
	for _, res := range resolutions {
		if res.Broker != nil {
			m.brokers = append(m.brokers, newBroker(res))
		}
	}
	return m, nil
}

// Settings returns the runtime settings read from the graph.
func (m *Master) Settings() *config.Config { return m.settings }

// Resolutions returns the resolved connections in declaration order.
func (m *Master) Resolutions() []connection.Resolution { return m.resolutions }

// Shards returns the supervised shards in declaration order.
func (m *Master) Shards() []*shard.Shard { return m.shards }

// Start writes the PID file, starts the brokers, then every shard, then the
// metrics and status endpoints. On failure everything started is stopped.
func (m *Master) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.settings.IPCDirectoryPath, 0o755); err != nil {
		return fmt.Errorf("create ipc directory: %w", err)
	}
	pidFile := m.settings.PIDFilePath()
	if err := process.WritePIDFile(pidFile, os.Getpid()); err != nil {
		return err
	}

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.pidFile = pidFile
	m.cancel = cancel
	m.startedAt = time.Now().UTC()
	m.mu.Unlock()

	if err := m.start(ctx, serveCtx); err != nil {
		return errors.Join(err, m.Stop())
	}
	m.logger.Info("Master running", loggingpkg.LogFields{
		"application": m.settings.ApplicationName,
		"shards":      len(m.shards),
		"brokers":     len(m.brokers),
		"pid_file":    pidFile,
	})
	return nil
}

func (m *Master) start(ctx, serveCtx context.Context) error {
	for _, b := range m.brokers {
		if err := b.start(serveCtx, m); err != nil {
			return err
		}
	}
	for _, s := range m.shards {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	if m.metrics != nil {
		m.serve(func() error {
			return m.metrics.Serve(serveCtx, metrics.Address(m.settings.MetricsPort, 0), m.logger)
		}, "metrics")
	}
	if m.settings.WebUIEnabled {
		m.serve(func() error { return m.serveStatus(serveCtx) }, "status API")
	}
	return nil
}

func (m *Master) serve(fn func() error, what string) {
	m.servers.Add(1)
	go func() {
		defer m.servers.Done()
		if err := fn(); err != nil {
			m.logger.Error("Endpoint stopped", err, loggingpkg.LogFields{"endpoint": what})
		}
	}()
}

// Run installs the signal handlers, starts everything and blocks until a
// shutdown signal arrives or ctx is cancelled. Startup success or failure is
// reported to a daemonizing parent.
func (m *Master) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	router := process.Route(ctx, m.logger, process.Handlers{
		Shutdown: func(sig os.Signal) {
			m.logger.Info("Shutdown requested", loggingpkg.LogFields{"signal": sig.String()})
			cancel()
		},
		ChildExit:      func() { m.logger.Debug("Child process exited", nil) },
		ReopenLogs:     m.Reopen,
		ToggleLogLevel: m.ToggleLogLevel,
		Dump:           m.Dump,
	})
	defer router.Stop()

	if err := process.SetTitle("rflow master"); err != nil {
		m.logger.Debug("Setting process title", loggingpkg.LogFields{"error": err.Error()})
	}
	if err := m.Start(ctx); err != nil {
		if nerr := process.NotifyFailed(err); nerr != nil {
			m.logger.Error("Reporting startup failure", nerr, nil)
		}
		return err
	}
	if err := process.NotifyReady(); err != nil {
		m.logger.Error("Reporting readiness", err, nil)
	}

	<-ctx.Done()
	return m.Stop()
}

// Stop shuts the shards down in reverse order, then the brokers and
// endpoints, and removes the PID file. Calling it again returns the first
// result.
func (m *Master) Stop() error {
	m.stopOnce.Do(func() {
		timeout := m.settings.ShutdownTimeout
		var errs []error
		for i := len(m.shards) - 1; i >= 0; i-- {
			errs = append(errs, m.shards[i].Stop(timeout))
		}
		for _, b := range m.brokers {
			errs = append(errs, b.stop(timeout))
		}

		m.mu.Lock()
		cancel, pidFile := m.cancel, m.pidFile
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.servers.Wait()
		if pidFile != "" {
			errs = append(errs, process.RemovePIDFile(pidFile, os.Getpid()))
		}
		m.stopErr = errors.Join(errs...)
		m.logger.Info("Master stopped", nil)
	})
	return m.stopErr
}

// Reopen reopens the master log file and asks every worker to reopen its
// files.
func (m *Master) Reopen() {
	if m.cfg.Logs != nil {
		if err := m.cfg.Logs.Reopen(); err != nil {
			m.logger.Error("Reopening log file", err, nil)
		}
	}
	for _, s := range m.shards {
		s.Reopen()
	}
	m.relay(process.ReopenSignal)
}

// ToggleLogLevel flips the master and every worker process between the
// configured level and debug.
func (m *Master) ToggleLogLevel() {
	if m.cfg.Logs != nil {
		level := m.cfg.Logs.Toggle()
		m.logger.Info("Log level toggled", loggingpkg.LogFields{"level": level.String()})
	}
	m.relay(process.ToggleSignal)
}

// Dump logs the goroutine stacks and the supervision state.
func (m *Master) Dump() {
	process.DumpStacks(m.logger)
	st := m.Status()
	for _, s := range st.Shards {
		m.logger.Info("Shard state", loggingpkg.LogFields{"shard": s.Name, "slots": s.Slots})
	}
}

func (m *Master) relay(sig os.Signal) {
	for _, s := range m.shards {
		s.Signal(sig)
	}
	for _, b := range m.brokers {
		b.signal(sig, m.logger)
	}
}

// Pids lists every live child process.
func (m *Master) Pids() []int {
	var pids []int
	for _, s := range m.shards {
		pids = append(pids, s.Pids()...)
	}
	for _, b := range m.brokers {
		if pid := b.pid(); pid != 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}
