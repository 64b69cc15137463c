// Package shard supervises the replicas of one shard. Thread shards run each
// replica as a worker inside this process; process shards spawn one worker
// process per replica. A replica that dies is not restarted: its slot is
// marked exited and the error is kept for the status API.
package shard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/rflow/internal/runtime/config"
	"github.com/drblury/rflow/internal/runtime/connection"
	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/graph"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/metrics"
	"github.com/drblury/rflow/internal/runtime/process"
	"github.com/drblury/rflow/internal/runtime/registry"
	"github.com/drblury/rflow/internal/runtime/worker"
)

// SlotState is the state of one replica slot.
type SlotState string

const (
	SlotStarting SlotState = "starting"
	SlotRunning  SlotState = "running"
	SlotStopping SlotState = "stopping"
	SlotExited   SlotState = "exited"
	SlotFailed   SlotState = "failed"
)

// Slot is a snapshot of one replica.
type Slot struct {
	Replica   int        `json:"replica"`
	Pid       int        `json:"pid"`
	State     SlotState  `json:"state"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

// Status is a snapshot of a shard.
type Status struct {
	Name  string          `json:"name"`
	Kind  graph.ShardKind `json:"kind"`
	Count int             `json:"count"`
	Slots []Slot          `json:"slots"`
}

// Spawner starts a child process. process.Spawn in production.
type Spawner func(ctx context.Context, cfg process.SpawnConfig) (*process.Child, error)

// Config describes a shard to supervise.
type Config struct {
	Shard       graph.Shard
	Graph       *graph.Graph
	Settings    *config.Config
	Registry    *registry.Registry
	Resolutions []connection.Resolution
	Logger      loggingpkg.ServiceLogger
	// Metrics is shared by the thread replicas of this process.
	Metrics *metrics.Collectors
	// Ordinal numbers the first process replica among all process replicas.
	Ordinal int
	// WorkerArgs start a worker process, e.g. ["worker"].
	WorkerArgs   []string
	Stdout       io.Writer
	Stderr       io.Writer
	ReadyTimeout time.Duration
	Spawner      Spawner
}

// Shard supervises the replicas of one shard.
type Shard struct {
	cfg    Config
	logger loggingpkg.ServiceLogger

	mu       sync.Mutex
	slots    []*slot
	stopping bool
	exited   sync.WaitGroup
}

type slot struct {
	Slot
	worker *worker.Worker
	child  *process.Child
}

// New prepares a shard. Nothing starts until Start.
func New(cfg Config) *Shard {
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.NewNopServiceLogger()
	}
	if cfg.Spawner == nil {
		cfg.Spawner = process.Spawn
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Shard{
		cfg:    cfg,
		logger: cfg.Logger.With(loggingpkg.LogFields{"shard": cfg.Shard.Name, "kind": string(cfg.Shard.Kind)}),
	}
}

// Name returns the shard name.
func (s *Shard) Name() string { return s.cfg.Shard.Name }

// Start brings up every replica and returns once each one reported ready.
// If one fails the replicas already started are stopped again.
func (s *Shard) Start(ctx context.Context) error {
	for replica := 0; replica < s.cfg.Shard.Count; replica++ {
		var err error
		if s.cfg.Shard.Kind == graph.KindThread {
			err = s.startThread(ctx, replica)
		} else {
			err = s.startProcess(ctx, replica)
		}
		if err != nil {
			err = fmt.Errorf("shard %s replica %d: %w", s.Name(), replica, err)
			return errors.Join(err, s.Stop(process.DefaultTerminateTimeout))
		}
	}
	s.logger.Info("Shard started", loggingpkg.LogFields{"replicas": s.cfg.Shard.Count})
	return nil
}

func (s *Shard) addSlot(replica int) *slot {
	sl := &slot{Slot: Slot{Replica: replica, State: SlotStarting, StartedAt: time.Now().UTC()}}
	s.mu.Lock()
	s.slots = append(s.slots, sl)
	s.mu.Unlock()
	return sl
}

func (s *Shard) startThread(ctx context.Context, replica int) error {
	sl := s.addSlot(replica)
	reg := s.cfg.Registry
	if reg == nil {
		reg, _ = registry.FromContext(ctx)
	}
	w, err := worker.New(worker.Config{
		Graph:       s.cfg.Graph,
		Settings:    s.cfg.Settings,
		Registry:    reg,
		Shard:       s.Name(),
		Replica:     replica,
		Logger:      s.cfg.Logger,
		Metrics:     s.cfg.Metrics,
		Resolutions: s.cfg.Resolutions,
	})
	if err != nil {
		s.markExited(sl, err)
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		s.markExited(sl, errors.Join(err, w.Serve(context.Background())))
		return err
	}

	s.mu.Lock()
	sl.worker = w
	sl.Pid = os.Getpid()
	sl.State = SlotRunning
	s.mu.Unlock()

	s.exited.Add(1)
	go func() {
		defer s.exited.Done()
		s.markExited(sl, w.Serve(context.Background()))
	}()
	return nil
}

func (s *Shard) startProcess(ctx context.Context, replica int) error {
	sl := s.addSlot(replica)
	child, err := s.cfg.Spawner(ctx, process.SpawnConfig{
		Args: s.cfg.WorkerArgs,
		Payload: worker.Payload{
			Graph:   s.cfg.Graph,
			Shard:   s.Name(),
			Replica: replica,
			Ordinal: s.cfg.Ordinal + replica,
		},
		Stdout: s.cfg.Stdout,
		Stderr: s.cfg.Stderr,
		Logger: s.logger,
	})
	if err != nil {
		s.markExited(sl, err)
		return err
	}

	s.mu.Lock()
	sl.child = child
	sl.Pid = child.Pid()
	s.mu.Unlock()

	s.exited.Add(1)
	go func() {
		defer s.exited.Done()
		<-child.Done()
		s.markExited(sl, child.Err())
	}()

	if err := child.WaitReady(s.cfg.ReadyTimeout); err != nil {
		_ = child.Terminate(process.DefaultTerminateTimeout)
		return err
	}
	s.mu.Lock()
	if sl.State == SlotStarting {
		sl.State = SlotRunning
	}
	s.mu.Unlock()
	s.logger.Debug("Worker process ready", loggingpkg.LogFields{"replica": replica, "pid": child.Pid()})
	return nil
}

// markExited records the end of a replica. An exit the shard did not ask
// for fails the slot but nothing else.
func (s *Shard) markExited(sl *slot, err error) {
	now := time.Now().UTC()
	s.mu.Lock()
	expected := s.stopping || sl.State == SlotStopping
	sl.ExitedAt = &now
	switch {
	case err != nil:
		sl.State = SlotFailed
		sl.Error = err.Error()
	case expected:
		sl.State = SlotExited
	default:
		sl.State = SlotFailed
		sl.Error = errspkg.ErrWorkerExited.Error()
	}
	state := sl.State
	s.mu.Unlock()

	fields := loggingpkg.LogFields{"replica": sl.Replica, "pid": sl.Pid, "state": string(state)}
	if expected && err == nil {
		s.logger.Debug("Worker exited", fields)
		return
	}
	if err == nil {
		err = errspkg.ErrWorkerExited
	}
	s.logger.Error("Worker exited unexpectedly", fmt.Errorf("%w: %w", errspkg.ErrWorkerExited, err), fields)
}

// Stop shuts every replica down in parallel. Worker processes get SIGTERM and
// are killed after timeout.
func (s *Shard) Stop(timeout time.Duration) error {
	s.mu.Lock()
	s.stopping = true
	slots := append([]*slot(nil), s.slots...)
	for _, sl := range slots {
		if sl.State == SlotRunning || sl.State == SlotStarting {
			sl.State = SlotStopping
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, sl := range slots {
		switch {
		case sl.worker != nil:
			sl.worker.Stop()
		case sl.child != nil:
			child := sl.child
			g.Go(func() error { return child.Terminate(timeout) })
		}
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		s.exited.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.Join(err, fmt.Errorf("shard %s: replicas still running after %s", s.Name(), timeout))
	}
	return err
}

// Signal relays sig to every live worker process.
func (s *Shard) Signal(sig os.Signal) {
	s.mu.Lock()
	var children []*process.Child
	for _, sl := range s.slots {
		if sl.child != nil {
			children = append(children, sl.child)
		}
	}
	s.mu.Unlock()
	for _, c := range children {
		if err := c.Signal(sig); err != nil {
			s.logger.Error("Relaying signal", err, loggingpkg.LogFields{"pid": c.Pid(), "signal": sig.String()})
		}
	}
}

// Reopen asks thread replicas to reopen their files. Worker processes
// reopen on the relayed signal.
func (s *Shard) Reopen() {
	s.mu.Lock()
	var workers []*worker.Worker
	for _, sl := range s.slots {
		if sl.worker != nil {
			workers = append(workers, sl.worker)
		}
	}
	s.mu.Unlock()
	for _, w := range workers {
		w.Reopen()
	}
}

// Pids lists the pids of live worker processes.
func (s *Shard) Pids() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pids []int
	for _, sl := range s.slots {
		if sl.child != nil && (sl.State == SlotRunning || sl.State == SlotStarting) {
			pids = append(pids, sl.Pid)
		}
	}
	return pids
}

// Status returns a snapshot of every slot.
func (s *Shard) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Name: s.cfg.Shard.Name, Kind: s.cfg.Shard.Kind, Count: s.cfg.Shard.Count}
	for _, sl := range s.slots {
		st.Slots = append(st.Slots, sl.Slot)
	}
	return st
}

// Worker returns the in-process worker of a thread replica.
func (s *Shard) Worker(replica int) (*worker.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		if sl.Replica == replica && sl.worker != nil {
			return sl.worker, true
		}
	}
	return nil, false
}
