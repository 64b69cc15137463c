package process

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
)

// Signals the runtime reacts to.
var (
	ShutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}
	ChildExitSignal os.Signal = syscall.SIGCHLD
	ReopenSignal    os.Signal = syscall.SIGUSR1
	ToggleSignal    os.Signal = syscall.SIGUSR2
)

// Handlers are called from the routing goroutine, one signal at a time. A
// nil handler leaves its signal with the default disposition.
type Handlers struct {
	Shutdown       func(os.Signal)
	ChildExit      func()
	ReopenLogs     func()
	ToggleLogLevel func()
	Dump           func()
}

// Router delivers OS signals to Handlers until stopped.
type Router struct {
	ch     chan os.Signal
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Route starts routing signals. Stop it to restore default handling.
func Route(ctx context.Context, logger loggingpkg.ServiceLogger, h Handlers) *Router {
	var sigs []os.Signal
	if h.Shutdown != nil {
		sigs = append(sigs, ShutdownSignals...)
	}
	if h.ChildExit != nil {
		sigs = append(sigs, ChildExitSignal)
	}
	if h.ReopenLogs != nil {
		sigs = append(sigs, ReopenSignal)
	}
	if h.ToggleLogLevel != nil {
		sigs = append(sigs, ToggleSignal)
	}
	if h.Dump != nil {
		sigs = append(sigs, diagnosticSignals...)
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Router{ch: make(chan os.Signal, 16), cancel: cancel}
	if len(sigs) > 0 {
		signal.Notify(r.ch, sigs...)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-r.ch:
				logger.Debug("Received signal", loggingpkg.LogFields{"signal": sig.String()})
				dispatch(sig, h)
			}
		}
	}()
	return r
}

func dispatch(sig os.Signal, h Handlers) {
	switch {
	case sig == ChildExitSignal:
		h.ChildExit()
	case sig == ReopenSignal:
		h.ReopenLogs()
	case sig == ToggleSignal:
		h.ToggleLogLevel()
	case isDiagnostic(sig):
		h.Dump()
	default:
		h.Shutdown(sig)
	}
}

func isDiagnostic(sig os.Signal) bool {
	for _, s := range diagnosticSignals {
		if s == sig {
			return true
		}
	}
	return false
}

// Stop restores default signal handling and waits for the routing goroutine.
func (r *Router) Stop() {
	signal.Stop(r.ch)
	r.cancel()
	r.wg.Wait()
}

// DumpStacks logs the stacks of every goroutine.
func DumpStacks(logger loggingpkg.ServiceLogger) {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}
	logger.Info("Goroutine dump", loggingpkg.LogFields{
		"goroutines": runtime.NumGoroutine(),
		"stacks":     string(buf),
	})
}
