package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDelay = 500 * time.Millisecond

// Watcher watches the configuration file and delivers validated reloads. A
// reload that fails to parse or validate is rejected and the previous
// configuration stays active.
type Watcher struct {
	path    string
	logger  *zap.Logger
	onApply func(cfg *Config, diff Diff)

	mu      sync.Mutex
	current *Config

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher seeded with the currently active config.
func NewWatcher(path string, current *Config, logger *zap.Logger, onApply func(cfg *Config, diff Diff)) *Watcher {
	return &Watcher{
		path:    path,
		logger:  logger.Named("config"),
		onApply: onApply,
		current: current,
	}
}

// Current returns the active configuration snapshot.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins watching. The parent directory is watched rather than the file
// itself so atomic-rename writers are observed.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.run(ctx)
	w.logger.Info("Watching configuration file", zap.String("path", w.path))
	return nil
}

// Stop halts watching and waits for the worker to exit.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors and atomic writers emit bursts of events.
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceDelay)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case <-timerC:
			timerC = nil
			timer = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	updated, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload rejected, keeping previous configuration", zap.Error(err))
		return
	}

	w.mu.Lock()
	previous := w.current
	diff := ComputeDiff(previous.MCPServers, updated.MCPServers)
	w.current = updated
	w.mu.Unlock()

	if diff.Empty() {
		w.logger.Debug("Config reload produced no upstream changes")
		return
	}

	w.logger.Info("Configuration reloaded",
		zap.Strings("added", diff.Added),
		zap.Strings("removed", diff.Removed),
		zap.Strings("changed", diff.Changed))

	if w.onApply != nil {
		w.onApply(updated, diff)
	}
}
