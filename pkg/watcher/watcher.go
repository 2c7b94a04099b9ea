package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration when its file changes. Bursts of events are
// coalesced: reload runs once after no event arrived for the settle delay.
//
// The parent directory is watched rather than the file itself so that editors and
// deployment tools replacing the file by rename keep being observed.
type Watcher struct {
	path   string
	reload func() error

	fs        *fsnotify.Watcher
	debounce  *debouncer
	closeOnce sync.Once
	closeErr  error
}

// New starts watching path. reload failures are logged and never stop the watcher.
func New(path string, settleDelay time.Duration, reload func() error) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watcher: watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{path: abs, reload: reload, fs: fsw}
	w.debounce = newDebouncer(settleDelay, w.runReload)
	return w, nil
}

// Run consumes change notifications until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	slog.Info("watching config file", "path", w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			slog.Debug("config file changed", "path", event.Name, "op", event.Op.String())
			w.debounce.trigger()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops watching and drops a pending reload.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.debounce.stop()
		w.closeErr = w.fs.Close()
	})
	return w.closeErr
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) runReload() {
	if err := w.reload(); err != nil {
		slog.Error("config reload after file change failed", "path", w.path, "error", err)
	}
}
