package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
)

const (
	// EnvReadyFD names the inherited descriptor a child reports startup on.
	EnvReadyFD = "RFLOW_READY_FD"
	// DefaultReadyTimeout bounds how long a parent waits for a child to start.
	DefaultReadyTimeout = 30 * time.Second
	// DefaultTerminateTimeout bounds how long Terminate waits before killing.
	DefaultTerminateTimeout = 10 * time.Second
)

// readyFD is where the first entry of ExtraFiles lands in the child.
const readyFD = 3

// Executable returns the binary children are started from.
var Executable = os.Executable

// SpawnConfig describes a child process running this binary.
type SpawnConfig struct {
	// Args follow the executable path.
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Payload is JSON-encoded onto the child's stdin when non-nil.
	Payload any
	Stdout  io.Writer
	Stderr  io.Writer
	// Detach starts a new session instead of a new process group.
	Detach bool
	Logger loggingpkg.ServiceLogger
}

// Child is a started child process. Its exit is reaped in the background.
type Child struct {
	cmd    *exec.Cmd
	ready  *os.File
	logger loggingpkg.ServiceLogger

	done chan struct{}
	err  error

	readyOnce sync.Once
	readyErr  error
}

// startupStatus is what a child writes to the ready pipe.
type startupStatus struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// Spawn starts a child. The child leaves the parent's process group, so a
// terminal interrupt reaches only the parent, which relays it.
func Spawn(ctx context.Context, cfg SpawnConfig) (*Child, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	exe, err := Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	var stdin io.Reader
	if cfg.Payload != nil {
		raw, err := jsoncodec.Marshal(cfg.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode child payload: %w", err)
		}
		stdin = bytes.NewReader(raw)
	}

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create ready pipe: %w", err)
	}
	defer readyW.Close()

	cmd := exec.Command(exe, cfg.Args...)
	cmd.Stdin = stdin
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	cmd.ExtraFiles = []*os.File{readyW}
	cmd.Env = append(append(os.Environ(), cfg.Env...), EnvReadyFD+"="+strconv.Itoa(readyFD))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: !cfg.Detach, Setsid: cfg.Detach}

	if err := cmd.Start(); err != nil {
		readyR.Close()
		return nil, fmt.Errorf("start child: %w", err)
	}

	c := &Child{cmd: cmd, ready: readyR, logger: logger, done: make(chan struct{})}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()
	logger.Debug("Started child process", loggingpkg.LogFields{"pid": c.Pid(), "args": cfg.Args})
	return c, nil
}

// Pid returns the child's process id.
func (c *Child) Pid() int { return c.cmd.Process.Pid }

// Done is closed once the child has exited and been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// Err returns the exit error. It is only meaningful after Done is closed.
func (c *Child) Err() error { return c.err }

// Signal sends sig to the child unless it already exited.
func (c *Child) Signal(sig os.Signal) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	err := c.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// WaitReady blocks until the child reports readiness or its startup error,
// exits, or timeout elapses. Only the first call waits.
func (c *Child) WaitReady(timeout time.Duration) error {
	c.readyOnce.Do(func() {
		c.readyErr = c.waitReady(timeout)
		c.ready.Close()
	})
	return c.readyErr
}

func (c *Child) waitReady(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	if err := c.ready.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	line, err := bufio.NewReader(c.ready).ReadBytes('\n')
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: child %d not ready after %s", errspkg.ErrStartupFailed, c.Pid(), timeout)
	}
	var status startupStatus
	if len(bytes.TrimSpace(line)) == 0 {
		// The child closed the pipe without reporting, which means it exited.
		<-c.done
		return fmt.Errorf("%w: child %d exited before ready: %v", errspkg.ErrStartupFailed, c.Pid(), c.err)
	}
	if err := jsoncodec.Unmarshal(line, &status); err != nil {
		return fmt.Errorf("%w: child %d sent a malformed status: %v", errspkg.ErrStartupFailed, c.Pid(), err)
	}
	switch {
	case status.Error != "":
		return fmt.Errorf("%w: %s", errspkg.ErrStartupFailed, status.Error)
	case !status.Ready:
		return fmt.Errorf("%w: child %d sent an empty status", errspkg.ErrStartupFailed, c.Pid())
	}
	return nil
}

// Terminate sends SIGTERM and kills the child if it has not exited within
// timeout. It returns once the child is reaped.
func (c *Child) Terminate(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTerminateTimeout
	}
	if err := c.Signal(syscall.SIGTERM); err != nil {
		c.logger.Error("Signalling child", err, loggingpkg.LogFields{"pid": c.Pid()})
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
	}
	c.logger.Info("Child did not exit in time, killing it", loggingpkg.LogFields{"pid": c.Pid()})
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-c.done
	return nil
}

// NotifyReady tells the parent that startup succeeded. Without a parent
// waiting it does nothing.
func NotifyReady() error {
	return report(startupStatus{Ready: true})
}

// NotifyFailed tells the parent that startup failed with err.
func NotifyFailed(err error) error {
	return report(startupStatus{Error: err.Error()})
}

func report(status startupStatus) error {
	fdStr := os.Getenv(EnvReadyFD)
	if fdStr == "" {
		return nil
	}
	// Report once; grandchildren get their own descriptor.
	_ = os.Unsetenv(EnvReadyFD)

	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", EnvReadyFD, err)
	}
	pipe := os.NewFile(uintptr(fd), "ready")
	if pipe == nil {
		return fmt.Errorf("open %s=%d", EnvReadyFD, fd)
	}
	defer pipe.Close()
	return jsoncodec.Encode(pipe, status)
}

// ReadPayload decodes the payload a parent wrote to r, usually os.Stdin.
func ReadPayload(r io.Reader, v any) error {
	if err := jsoncodec.Decode(r, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
