package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// ControllerConfig selects the process log sink.
type ControllerConfig struct {
	// Path is the log file. Empty logs to Stderr.
	Path  string
	Level string
	JSON  bool
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// Controller owns the process log sink. The level can be toggled to debug and
// the log file reopened in place, both at runtime.
type Controller struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	out    *switchWriter
	base   slog.Level
	level  *slog.LevelVar
	slog   *slog.Logger
	logger ServiceLogger
}

// NewController opens the sink described by cfg.
func NewController(cfg ControllerConfig) (*Controller, error) {
	base, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	c := &Controller{
		path:  cfg.Path,
		out:   &switchWriter{w: stderr},
		base:  base,
		level: new(slog.LevelVar),
	}
	c.level.Set(base)

	if cfg.Path != "" {
		f, err := openLogFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		c.file = f
		c.out.set(f)
	}

	opts := &slog.HandlerOptions{Level: c.level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(c.out, opts)
	} else {
		handler = slog.NewTextHandler(c.out, opts)
	}
	c.slog = slog.New(handler)
	c.logger = NewSlogServiceLogger(c.slog)
	return c, nil
}

// Logger returns the ServiceLogger writing to the sink.
func (c *Controller) Logger() ServiceLogger { return c.logger }

// Slog returns the underlying slog logger.
func (c *Controller) Slog() *slog.Logger { return c.slog }

// Level returns the active level.
func (c *Controller) Level() slog.Level { return c.level.Level() }

// Toggle flips between the configured level and debug and returns the new level.
func (c *Controller) Toggle() slog.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.level.Level() == slog.LevelDebug && c.base != slog.LevelDebug {
		c.level.Set(c.base)
	} else {
		c.level.Set(slog.LevelDebug)
	}
	return c.level.Level()
}

// Reopen reopens the log file so rotated files are released. It is a no-op
// when logging to stderr.
func (c *Controller) Reopen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" {
		return nil
	}
	f, err := openLogFile(c.path)
	if err != nil {
		return err
	}
	old := c.file
	c.file = f
	c.out.set(f)
	if old != nil {
		return old.Close()
	}
	return nil
}

// Close closes the log file.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	c.out.set(io.Discard)
	return err
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

func openLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
