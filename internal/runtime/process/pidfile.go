// Package process holds the process supervision machinery shared by the
// master, shards and workers: PID files, signal routing, child spawning with
// a startup pipe, daemonization and the process title.
package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when a PID file names a live process.
var ErrAlreadyRunning = errors.New("rflow: already running")

// WritePIDFile writes pid to path through a temp file and a rename, so a
// reader never sees a partial file. A PID file naming a live process other
// than pid is left alone and ErrAlreadyRunning is returned.
func WritePIDFile(path string, pid int) error {
	if existing, err := ReadPIDFile(path); err == nil && existing != pid && Alive(existing) {
		return fmt.Errorf("%w: pid %d in %s", ErrAlreadyRunning, existing, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	_, err = tmp.WriteString(strconv.Itoa(pid) + "\n")
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write pid file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile returns the pid stored at path.
func ReadPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes path if it still names pid.
func RemovePIDFile(path string, pid int) error {
	existing, err := ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing != pid {
		return nil
	}
	return os.Remove(path)
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
