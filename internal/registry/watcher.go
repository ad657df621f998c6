package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a capability manifest when it changes on disk and re-syncs
// the registry.
type Watcher struct {
	registry *Registry
	path     string
	debounce time.Duration
	logger   *slog.Logger

	// onReload is called after every reload attempt.
	onReload func(applied int, err error)
}

// NewWatcher creates a manifest watcher for path.
func NewWatcher(reg *Registry, path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{registry: reg, path: path, debounce: defaultDebounce, logger: logger}
}

// Reload loads the manifest once, applies its overrides and syncs.
func (w *Watcher) Reload(ctx context.Context) (int, error) {
	descs, err := LoadManifest(w.path)
	if err != nil {
		return 0, err
	}
	applied := w.registry.Override(descs...)
	if _, err := w.registry.Sync(ctx); err != nil {
		return applied, fmt.Errorf("sync after manifest reload: %w", err)
	}
	w.logger.Info("Capability manifest applied", "path", w.path, "overrides", applied)
	return applied, nil
}

// Run watches the manifest directory until ctx is done. The directory is
// watched instead of the file so editors that replace the file by rename are
// still observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)
	w.logger.Info("Capability manifest watcher started", "path", target)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Capability manifest watcher stopped", "reason", ctx.Err())
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			applied, err := w.Reload(ctx)
			if err != nil {
				w.logger.Error("Capability manifest reload failed", "path", target, "error", err)
			}
			if w.onReload != nil {
				w.onReload(applied, err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Capability manifest watcher error", "error", err)
		}
	}
}
