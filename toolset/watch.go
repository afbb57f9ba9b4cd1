package toolset

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounceDelay = 200 * time.Millisecond

// WatcherConfig configures config file watching.
type WatcherConfig struct {
	// Path is the YAML config file to watch.
	Path string
	// Toolset receives the synced servers.
	Toolset *Toolset
	// Logger is used for structured logging (optional).
	Logger *slog.Logger
	// DebounceDelay is the quiet period after a change before the file
	// is re-synced (defaults to 200ms).
	DebounceDelay time.Duration
}

// Watcher re-syncs the toolset whenever the config file changes. Editors
// often replace files instead of writing in place, so the file's
// directory is watched and events are filtered by name.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	toolset   *Toolset
	logger    *slog.Logger
	debounce  time.Duration

	mu      sync.Mutex
	pending *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher starts watching the config file. The initial sync is the
// caller's job; the watcher only reacts to changes.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("toolset: watcher path is required")
	}
	if cfg.Toolset == nil {
		return nil, fmt.Errorf("toolset: watcher toolset is required")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("toolset: resolve path %s: %w", cfg.Path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("toolset: create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("toolset: watch %s: %w", filepath.Dir(absPath), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.DebounceDelay
	if debounce <= 0 {
		debounce = defaultDebounceDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		fsWatcher: fsWatcher,
		path:      absPath,
		toolset:   cfg.Toolset,
		logger:    logger.With("component", "config_watcher"),
		debounce:  debounce,
		ctx:       ctx,
		cancel:    cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.scheduleSync()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

// scheduleSync restarts the debounce timer.
func (w *Watcher) scheduleSync() {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.sync)
	w.mu.Unlock()
}

func (w *Watcher) sync() {
	if w.ctx.Err() != nil {
		return
	}
	w.logger.Info("config file changed", "path", w.path)

	servers, err := LoadConfigFile(w.path)
	if err != nil {
		w.logger.Error("failed to reload config file", "path", w.path, "error", err)
		return
	}

	result := w.toolset.SyncConfig(w.ctx, servers)
	w.logger.Info("config file synced",
		"added", len(result.Added),
		"cached", len(result.Cached),
		"failed", len(result.Failed),
		"closed", len(result.Closed),
	)
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsWatcher.Close()
}
