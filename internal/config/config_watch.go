package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and invokes onReload with the new
// config. Only hot-reloadable tunables (TTLs, rate-limit policies) should be
// picked up by the callback; listener and store settings need a restart.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files rather than writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config.reload_failed", "path", path, "error", err)
					continue
				}
				slog.Info("config.reloaded", "path", path)
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config.watch_error", "error", err)
			}
		}
	}()
	return nil
}
