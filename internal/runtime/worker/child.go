package worker

import (
	"context"
	"errors"
	"os"

	"github.com/drblury/rflow/internal/runtime/config"
	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/graph"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/metrics"
	"github.com/drblury/rflow/internal/runtime/process"
	"github.com/drblury/rflow/internal/runtime/registry"
)

// Payload is what a shard hands a worker process on stdin.
type Payload struct {
	Graph   *graph.Graph
	Shard   string
	Replica int
	// Ordinal numbers the worker among all process workers of the master and
	// offsets its metrics port.
	Ordinal int
}

// ProcessOptions are the pieces a worker process gets from its entry point.
type ProcessOptions struct {
	Registry *registry.Registry
	Logs     *loggingpkg.Controller
}

// RunProcess is the body of a worker process: it builds and starts the
// replica, reports the outcome to the parent, routes signals and serves
// until told to stop.
func RunProcess(ctx context.Context, p Payload, opts ProcessOptions) error {
	if opts.Registry == nil {
		opts.Registry, _ = registry.FromContext(ctx)
	}
	if opts.Registry == nil {
		err := errspkg.ErrRegistryRequired
		return errors.Join(err, process.NotifyFailed(err))
	}
	logger := opts.Logs.Logger()

	fail := func(err error) error {
		if nerr := process.NotifyFailed(err); nerr != nil {
			logger.Error("Reporting startup failure", nerr, nil)
		}
		return err
	}

	settings, err := config.FromGraph(p.Graph)
	if err != nil {
		return fail(err)
	}

	var collectors *metrics.Collectors
	if settings.MetricsEnabled {
		collectors = metrics.New()
	}

	w, err := New(Config{
		Graph:    p.Graph,
		Settings: settings,
		Registry: opts.Registry,
		Shard:    p.Shard,
		Replica:  p.Replica,
		Logger:   logger,
		Metrics:  collectors,
	})
	if err != nil {
		return fail(err)
	}
	if err := process.SetTitle("rflow " + w.Scope()); err != nil {
		logger.Debug("Setting process title", loggingpkg.LogFields{"error": err.Error()})
	}

	router := process.Route(ctx, logger, process.Handlers{
		Shutdown: func(os.Signal) { w.Stop() },
		ReopenLogs: func() {
			if err := opts.Logs.Reopen(); err != nil {
				logger.Error("Reopening log file", err, nil)
			}
			w.Reopen()
		},
		ToggleLogLevel: func() {
			level := opts.Logs.Toggle()
			logger.Info("Log level toggled", loggingpkg.LogFields{"level": level.String()})
		},
		Dump: func() { process.DumpStacks(logger) },
	})
	defer router.Stop()

	if err := w.Start(ctx); err != nil {
		err = errors.Join(err, w.teardown())
		return fail(err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if collectors != nil {
		addr := metrics.Address(settings.MetricsPort, p.Ordinal+1)
		go func() {
			if err := collectors.Serve(serveCtx, addr, logger); err != nil {
				logger.Error("Metrics endpoint stopped", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}

	if err := process.NotifyReady(); err != nil {
		logger.Error("Reporting readiness", err, nil)
	}
	return w.Serve(serveCtx)
}
