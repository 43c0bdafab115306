package mappingfile

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch applies path once, then re-applies it whenever it changes until ctx
// is cancelled. The parent directory is watched so editors that replace the
// file on save are picked up. A failing reload is logged and the previous
// settings stay in effect.
func Watch(ctx context.Context, path string, target Configurator, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mappingfile", "path", path)
	if err := reload(ctx, path, target); err != nil {
		return err
	}
	logger.Info("mapping file applied")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		name := filepath.Clean(path)
		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				timerC = timer.C
			case <-timerC:
				timerC = nil
				if err := reload(ctx, path, target); err != nil {
					logger.Warn("mapping file reload failed", "error", err)
					continue
				}
				logger.Info("mapping file reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("mapping file watch error", "error", err)
			}
		}
	}()
	return nil
}

func reload(ctx context.Context, path string, target Configurator) error {
	file, err := Load(path)
	if err != nil {
		return err
	}
	return Apply(ctx, target, file)
}
