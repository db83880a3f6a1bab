package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/chenfan33/cloud-project/internal/logging"
)

// WatchFile watches the sqlite config database at path for out-of-band
// writes (an operator editing it directly, a config-management tool
// pushing a new row) and logs when one is seen. Config is explicitly
// not hot-reloaded — see the package doc — so this only surfaces a
// warning telling an operator a restart is needed to pick the change up.
//
// WatchFile blocks until ctx is canceled. Safe to run in its own
// goroutine.
func WatchFile(ctx context.Context, path string, logger *slog.Logger) error {
	logger = logging.Default(logger).With("component", "config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config file watcher error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.Warn("config file changed on disk; restart to pick up the new configuration", "path", path)
		}
	}
}
