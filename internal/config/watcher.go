package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReloadFunc receives each successfully parsed config after the file changed
type ReloadFunc func(cfg *Config)

// Watcher reloads the config file when it changes. Editors often replace
// the file instead of writing it, so the parent directory is watched.
type Watcher struct {
	path     string
	viper    *viper.Viper
	onReload ReloadFunc
	logger   *zap.Logger
	debounce time.Duration
	fw       *fsnotify.Watcher
}

// NewWatcher starts watching path. Overrides in v are re-applied on every reload.
func NewWatcher(path string, v *viper.Viper, onReload ReloadFunc, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(ExpandPath(path))
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		viper:    v,
		onReload: onReload,
		logger:   logger.Named("config"),
		debounce: 250 * time.Millisecond,
		fw:       fw,
	}, nil
}

// Run delivers reloads until ctx is done, then closes the watcher
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce rapid changes
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Resolve(w.path, w.viper)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous values", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.onReload(cfg)
}
