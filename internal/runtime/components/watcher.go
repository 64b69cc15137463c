package components

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drblury/rflow/internal/runtime/component"
	"github.com/drblury/rflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
)

// settleInterval is how long a file must stay quiet before it is read.
const settleInterval = 200 * time.Millisecond

// FileDirectoryWatcher emits every file that appears in directory_path and
// matches file_name_glob, once as a File record on file_port and once as Raw
// bytes on raw_port. With delete_files set the file is removed after reading.
type FileDirectoryWatcher struct {
	component.Base

	dir         string
	glob        string
	deleteFiles bool
	settle      time.Duration

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// watchedFile is what a background read hands back to the loop.
type watchedFile struct {
	path    string
	content []byte
	modTime time.Time
	readAt  time.Time
}

func (w *FileDirectoryWatcher) Configure(ctx context.Context, opts component.Options) error {
	w.dir = opts.String("directory_path", "")
	if w.dir == "" {
		return errors.New("option directory_path is required")
	}
	w.glob = opts.String("file_name_glob", "*")
	if _, err := filepath.Match(w.glob, ""); err != nil {
		return fmt.Errorf("option file_name_glob: %w", err)
	}
	var err error
	if w.deleteFiles, err = opts.Bool("delete_files", false); err != nil {
		return err
	}
	if w.settle, err = opts.Seconds("settle_seconds", settleInterval); err != nil {
		return err
	}
	w.settle = max(w.settle, 10*time.Millisecond)
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("option directory_path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("option directory_path: %s is not a directory", w.dir)
	}
	return nil
}

func (w *FileDirectoryWatcher) Run(ctx context.Context) error {
	if w.Loop() == nil {
		return errors.New("directory watcher needs an event loop")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watcher = watcher
	w.stop = make(chan struct{})

	existing, err := filepath.Glob(filepath.Join(w.dir, w.glob))
	if err != nil {
		return err
	}

	w.wg.Add(1)
	go w.watch(w.stop, existing)
	return nil
}

// watch debounces events per path and schedules a read once a path has been
// quiet for the settle interval.
func (w *FileDirectoryWatcher) watch(stop <-chan struct{}, existing []string) {
	defer w.wg.Done()

	pending := make(map[string]time.Time, len(existing))
	for _, path := range existing {
		pending[path] = time.Time{}
	}

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if match, _ := filepath.Match(w.glob, filepath.Base(event.Name)); match {
				pending[event.Name] = time.Now()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Logger().Error("Directory watcher error", err, loggingpkg.LogFields{"directory": w.dir})
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < w.settle {
					continue
				}
				delete(pending, path)
				w.schedule(path)
			}
		}
	}
}

func (w *FileDirectoryWatcher) schedule(path string) {
	err := w.Loop().Background(
		func(ctx context.Context) (any, error) { return w.read(path) },
		func(result any, err error) {
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					w.Logger().Error("Reading watched file", err, loggingpkg.LogFields{"path": path})
				}
				return
			}
			w.emit(result.(watchedFile))
		},
	)
	if err != nil {
		w.Logger().Debug("Skipping watched file after loop stop", loggingpkg.LogFields{"path": path})
	}
}

func (w *FileDirectoryWatcher) read(path string) (watchedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return watchedFile{}, err
	}
	if !info.Mode().IsRegular() {
		return watchedFile{}, os.ErrNotExist
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return watchedFile{}, err
	}
	if w.deleteFiles {
		if err := os.Remove(path); err != nil {
			return watchedFile{}, err
		}
	}
	return watchedFile{path: path, content: content, modTime: info.ModTime(), readAt: time.Now()}, nil
}

func (w *FileDirectoryWatcher) emit(f watchedFile) {
	fileMsg, err := w.NewMessage(envelope.TypeFile)
	if err == nil {
		fields := map[string]any{
			"path":                   f.path,
			"size":                   int64(len(f.content)),
			"content":                f.content,
			"creation_timestamp":     envelope.FormatTimestamp(f.modTime),
			"modification_timestamp": envelope.FormatTimestamp(f.modTime),
			"access_timestamp":       envelope.FormatTimestamp(f.readAt),
		}
		for name, v := range fields {
			if err = fileMsg.Data.SetField(name, v); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = w.Output("file_port").Send(fileMsg)
	}
	if err != nil {
		w.Logger().Error("Emitting watched file", err, loggingpkg.LogFields{"path": f.path})
	}

	rawMsg, err := w.NewMessage(envelope.TypeRaw)
	if err == nil {
		err = rawMsg.Data.SetField("raw", f.content)
	}
	if err == nil {
		err = w.Output("raw_port").Send(rawMsg)
	}
	if err != nil {
		w.Logger().Error("Emitting watched file bytes", err, loggingpkg.LogFields{"path": f.path})
	}
}

func (w *FileDirectoryWatcher) Shutdown(ctx context.Context) error {
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
	return nil
}

func (w *FileDirectoryWatcher) Cleanup(ctx context.Context) error {
	w.wg.Wait()
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
