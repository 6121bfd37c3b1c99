package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/mpris-proxy/pkg/logging"
)

// Watch reloads the file at path whenever it is written or replaced and
// hands the result to onChange. It blocks until ctx is done.
//
// The parent directory is watched rather than the file so that editors
// which save by renaming a temporary file are picked up too.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	base := filepath.Base(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	logging.Debugf("[config] watching %s", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			// A temporary file renamed over path shows up as Create.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				logging.Warnf("[config] reload of %s failed: %v", path, err)
				continue
			}
			logging.Logf("[config] reloaded %s", path)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warnf("[config] watcher error: %v", err)
		}
	}
}
