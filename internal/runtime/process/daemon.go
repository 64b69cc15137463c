package process

import (
	"context"
	"os"
	"time"

	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
)

// EnvDaemonized marks a process started by Daemonize.
const EnvDaemonized = "RFLOW_DAEMONIZED"

// Daemonized reports whether this process is the detached copy.
func Daemonized() bool { return os.Getenv(EnvDaemonized) == "1" }

// Daemonize starts a detached copy of this binary with args and waits for it
// to report readiness. The copy runs in its own session with stdio on
// /dev/null. On a startup error the copy's reason is returned.
func Daemonize(ctx context.Context, args []string, timeout time.Duration, logger loggingpkg.ServiceLogger) (int, error) {
	child, err := Spawn(ctx, SpawnConfig{
		Args:   args,
		Env:    []string{EnvDaemonized + "=1"},
		Detach: true,
		Logger: logger,
	})
	if err != nil {
		return 0, err
	}
	if err := child.WaitReady(timeout); err != nil {
		select {
		case <-child.Done():
		default:
			_ = child.Terminate(DefaultTerminateTimeout)
		}
		return 0, err
	}
	return child.Pid(), nil
}
