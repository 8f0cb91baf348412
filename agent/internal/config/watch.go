package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors l.Path and calls onChange with the reloaded Config each
// time the file is written. It runs until ctx is cancelled.
//
// A failed reload is logged and the previous config stays active; onChange
// is not called.
func (l Loader) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(l.Path); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", l.Path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic saves arrive as rename + create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := l.Load()
			if err != nil {
				slog.Error("config: reload failed, keeping previous config",
					"path", l.Path, "err", err)
				continue
			}

			slog.Info("config: reloaded", "path", l.Path)
			onChange(cfg)

			// The inode may have changed.
			_ = watcher.Add(l.Path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
