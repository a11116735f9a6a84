package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ///////////////////////////////////////////////
// Watcher
// ///////////////////////////////////////////////

// Watcher signals when the settings file changes on disk. It watches the
// parent directory because atomic writes replace the file, which drops a
// watch placed on the file itself. If fsnotify is unavailable or fails it
// falls back to polling the file's modification time.
type Watcher struct {
	// path is the settings file being monitored.
	path string
	// events is buffered to 1 so back-to-back writes coalesce.
	events chan struct{}
	done   chan struct{}
	// fsw is the underlying fsnotify watcher; nil when polling.
	fsw  *fsnotify.Watcher
	once sync.Once
	// polling is true when the watcher has fallen back to stat polling.
	polling      atomic.Bool
	pollInterval time.Duration
}

// NewWatcher starts watching the settings file at path. The file need not
// exist yet, but its directory must.
func NewWatcher(path string) (*Watcher, error) {
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("watching settings: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("watching settings: %s is not a directory", dir)
	}

	w := &Watcher{
		path:         path,
		events:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: 2 * time.Second,
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Info("fsnotify unavailable, falling back to polling", "error", err)
		w.startPolling()
		return w, nil
	}
	if err := fsw.Add(dir); err != nil {
		slog.Info("cannot watch settings directory, falling back to polling", "path", dir, "error", err)
		fsw.Close()
		w.startPolling()
		return w, nil
	}

	w.fsw = fsw
	go w.watch(fsw)
	return w, nil
}

// Polling reports whether the watcher is using polling instead of fsnotify.
func (w *Watcher) Polling() bool {
	return w.polling.Load()
}

// Events returns a channel that receives a signal when the file changes.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.fsw != nil {
			if closeErr := w.fsw.Close(); closeErr != nil {
				err = fmt.Errorf("closing fsnotify watcher: %w", closeErr)
			}
		}
	})
	return err
}

func (w *Watcher) startPolling() {
	w.polling.Store(true)
	go w.poll()
}

// watch forwards write, create, rename and remove events for the settings
// file. Temp files written beside it are ignored.
func (w *Watcher) watch(fsw *fsnotify.Watcher) {
	name := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.notify()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Info("fsnotify error, switching to polling", "error", err)
			w.startPolling()
			return
		}
	}
}

// modTime returns the file's modification time, or the zero time when it
// does not exist.
func (w *Watcher) modTime() (time.Time, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// poll stats the file every pollInterval and signals when its modification
// time changes or it appears or disappears.
func (w *Watcher) poll() {
	lastMod, lastExists := w.modTime()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			mod, exists := w.modTime()
			if exists != lastExists || !mod.Equal(lastMod) {
				lastMod, lastExists = mod, exists
				w.notify()
			}
		}
	}
}

// notify sends a single signal, coalescing with one already pending.
func (w *Watcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
