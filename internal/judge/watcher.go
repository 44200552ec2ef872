package judge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads a registry when its file changes on disk.
type Watcher struct {
	registry *Registry
	path     string
	logger   *zap.Logger
	debounce time.Duration
	onReload func(err error)

	mu    sync.Mutex
	timer *time.Timer
}

func NewWatcher(registry *Registry, path string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		registry: registry,
		path:     filepath.Clean(path),
		logger:   logger.Named("judge_watcher"),
		debounce: defaultDebounce,
	}
}

// OnReload is called after every reload attempt with its error, if any.
func (w *Watcher) OnReload(fn func(err error)) {
	w.onReload = fn
}

// Run watches the directory of the registry file until ctx is done. The
// directory is watched rather than the file so editors that replace the
// file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug("registry file event", zap.String("op", event.Op.String()))
				w.scheduleReload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	err := w.registry.Reload(w.path)
	if err != nil {
		w.logger.Error("judge registry reload failed, keeping previous set",
			zap.String("path", w.path), zap.Error(err))
	} else {
		w.logger.Info("judge registry reloaded",
			zap.String("path", w.path),
			zap.Strings("judges", w.registry.IDs()),
			zap.Int("version", w.registry.Version()))
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}
