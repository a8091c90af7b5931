package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler receives the freshly loaded configuration after the watched
// file changes and validates.
type ChangeHandler func(cfg *Config)

// Watcher hot-reloads the configuration file and notifies handlers.
// Invalid intermediate states (partial writes, validation failures) are
// logged and skipped; the previous configuration stays in effect.
type Watcher struct {
	path     string
	logger   *zap.Logger
	handlers []ChangeHandler
	watcher  *fsnotify.Watcher

	// debounce collapses editor write bursts into one reload.
	debounce time.Duration
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors often replace the file atomically.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		watcher:  fw,
		debounce: 250 * time.Millisecond,
	}, nil
}

// OnChange registers a handler. Not safe to call after Start.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.handlers = append(w.handlers, h)
}

// Start watches until the context ends.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case <-fire:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Config reload skipped",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("Configuration reloaded", zap.String("path", w.path))
	for _, h := range w.handlers {
		h(cfg)
	}
}
