package components

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/drblury/rflow/internal/runtime/component"
	"github.com/drblury/rflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/port"
)

// Reopener is implemented by components holding files that a log rotation
// may move away.
type Reopener interface {
	Reopen() error
}

// FileOutput appends one line per message to output_file_path. Raw and File
// payloads are written as-is.
type FileOutput struct {
	component.Base

	path string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

func (f *FileOutput) Configure(ctx context.Context, opts component.Options) error {
	f.path = opts.String("output_file_path", "")
	if f.path == "" {
		return errors.New("option output_file_path is required")
	}
	return f.open()
}

func (f *FileOutput) open() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	f.file = file
	f.writer = bufio.NewWriter(file)
	return nil
}

func (f *FileOutput) Process(ctx context.Context, d port.Delivery, msg *envelope.Message) error {
	payload, err := render(msg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writer == nil {
		return errors.New("output file is closed")
	}
	_, err = f.writer.Write(payload)
	return err
}

// render turns a message into the bytes written to the file.
func render(msg *envelope.Message) ([]byte, error) {
	switch msg.TypeName {
	case envelope.TypeRaw:
		return envelope.Raw(msg.Data)
	case envelope.TypeFile:
		return envelope.FileContent(msg.Data)
	case envelope.TypeInteger:
		n, err := envelope.Integer(msg.Data)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(n, 10) + "\n"), nil
	case envelope.TypeTick:
		name, err := envelope.TickName(msg.Data)
		if err != nil {
			return nil, err
		}
		at, err := envelope.TickTime(msg.Data)
		if err != nil {
			return nil, err
		}
		return fmt.Appendf(nil, "%s %s\n", name, envelope.FormatTimestamp(at)), nil
	}
	return nil, fmt.Errorf("cannot write %s to a file", msg.TypeName)
}

// Reopen flushes and reopens the output file after a rotation.
func (f *FileOutput) Reopen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	if err := f.closeLocked(); err != nil {
		f.Logger().Error("Closing rotated output file", err, loggingpkg.LogFields{"path": f.path})
	}
	return f.open()
}

func (f *FileOutput) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLocked()
}

func (f *FileOutput) closeLocked() error {
	if f.file == nil {
		return nil
	}
	err := errors.Join(f.writer.Flush(), f.file.Close())
	f.file, f.writer = nil, nil
	return err
}
