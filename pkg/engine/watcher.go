package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/acphast/acphast/pkg/graph"
)

// DefaultReloadDebounce coalesces bursts of file events into one reload.
const DefaultReloadDebounce = 500 * time.Millisecond

// GraphWatcher hot-reloads the engine's graph when the backing file changes.
// A reload replaces the installed graph atomically; in-flight requests keep
// their original node instances.
type GraphWatcher struct {
	engine   *Engine
	path     string
	debounce time.Duration
	logger   *slog.Logger

	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc
	mu        sync.Mutex
	watching  bool
	reloading atomic.Bool
}

// GraphWatcherConfig configures the watcher.
type GraphWatcherConfig struct {
	Path     string
	Debounce time.Duration
	Logger   *slog.Logger
}

// NewGraphWatcher creates a watcher for the given engine and graph file.
func NewGraphWatcher(e *Engine, cfg GraphWatcherConfig) (*GraphWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = DefaultReloadDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GraphWatcher{
		engine:   e,
		path:     cfg.Path,
		debounce: debounce,
		logger:   logger,
		watcher:  w,
	}, nil
}

// Start begins watching. Editors typically replace files by rename, so the
// containing directory is watched and events are filtered to the graph path.
func (gw *GraphWatcher) Start(ctx context.Context) error {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.watching {
		return nil
	}

	dir := filepath.Dir(gw.path)
	if err := gw.watcher.Add(dir); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	gw.cancel = cancel
	gw.watching = true

	go gw.watchEvents(watchCtx)

	gw.logger.Info("watching graph file", "path", gw.path)
	return nil
}

// Stop stops watching.
func (gw *GraphWatcher) Stop() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if !gw.watching {
		return nil
	}
	gw.cancel()
	gw.watching = false
	return gw.watcher.Close()
}

func (gw *GraphWatcher) watchEvents(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-gw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(gw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(gw.debounce, gw.Reload)

		case err, ok := <-gw.watcher.Errors:
			if !ok {
				return
			}
			gw.logger.Error("graph watcher error", "path", gw.path, "error", err)
		}
	}
}

// Reload re-reads the graph file and installs it. Any failure leaves the old
// graph installed: load failures past parsing (an unknown node type, a bad
// port) clear the engine, so the previous graph is snapshotted first and
// re-installed. Reloads are mutually exclusive; a trigger firing during a
// reload is dropped.
func (gw *GraphWatcher) Reload() {
	if !gw.reloading.CompareAndSwap(false, true) {
		return
	}
	defer gw.reloading.Store(false)

	data, err := os.ReadFile(gw.path)
	if err != nil {
		gw.logger.Error("graph reload failed: read", "path", gw.path, "error", err)
		return
	}

	g, err := graph.Parse(data)
	if err != nil {
		gw.logger.Error("graph reload failed: validation", "path", gw.path, "error", err)
		return
	}

	snapshot := gw.engine.ExportGraph()
	if err := gw.engine.LoadGraph(g); err != nil {
		gw.logger.Error("graph reload failed: load", "path", gw.path, "error", err)
		if restoreErr := gw.engine.LoadGraph(snapshot); restoreErr != nil {
			gw.logger.Error("graph restore failed", "path", gw.path, "error", restoreErr)
		}
		return
	}

	gw.logger.Info("graph reloaded", "path", gw.path)
}
