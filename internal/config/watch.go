package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vigil/internal/errors"
	"vigil/internal/logging"
)

const defaultWatchDebounce = 750 * time.Millisecond

// Watcher monitors the config file and republishes a freshly loaded
// Config after each change, debounced so editors that write in several
// steps trigger one reload.
type Watcher struct {
	path     string
	logger   *logging.Logger
	debounce time.Duration
	updates  chan *Config

	mu       sync.Mutex
	timer    *time.Timer
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption customizes watcher behavior.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the debounce window for reloads.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher constructs a watcher for the given config path.
func NewWatcher(path string, logger *logging.Logger, opts ...WatcherOption) (*Watcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.Validation("config path required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		logger:   logging.OrNop(logger).Component("config.watch"),
		debounce: defaultWatchDebounce,
		updates:  make(chan *Config, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The parent directory is watched so renames by
// atomic-write editors are still observed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return errors.Wrap(errors.KindTransient, err, "create fs watcher")
	}
	w.watcher = fsWatcher
	w.mu.Unlock()

	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		_ = fsWatcher.Close()
		w.mu.Lock()
		w.watcher = nil
		w.mu.Unlock()
		return errors.Wrap(errors.KindTransient, err, "watch %s", filepath.Dir(w.path))
	}

	w.logger.Go("config.watch", w.watchLoop)
	if ctx != nil {
		w.logger.Go("config.watch.ctx", func() {
			select {
			case <-ctx.Done():
				w.Stop()
			case <-w.stopCh:
			}
		})
	}
	return nil
}

// Stop terminates the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
			w.watcher = nil
		}
		w.mu.Unlock()
	})
}

// Updates delivers reloaded configs. Only the latest pending reload is
// retained if the consumer lags.
func (w *Watcher) Updates() <-chan *Config { return w.updates }

func (w *Watcher) watchLoop() {
	w.mu.Lock()
	fsWatcher := w.watcher
	w.mu.Unlock()
	if fsWatcher == nil {
		return
	}
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name == "" {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(event.Name) != w.path {
		return
	}
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		cfg, err := Load(WithPath(w.path))
		if err != nil {
			w.logger.Warn("reload failed", "error", err)
			return
		}
		// Drop a stale pending update in favor of the newest.
		select {
		case <-w.updates:
		default:
		}
		select {
		case w.updates <- cfg:
		default:
		}
		w.logger.Info("config reloaded", "path", w.path)
	})
}
