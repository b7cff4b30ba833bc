package routing

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads Rules whenever the backing file changes. A file that fails
// to parse leaves the previous rules in place.
type Watcher struct {
	path     string
	rules    *Rules
	logger   *slog.Logger
	onReload func()
}

func NewWatcher(path string, rules *Rules, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: filepath.Clean(path), rules: rules, logger: logger}
}

// Run blocks until ctx is done. The parent directory is watched rather than
// the file so that editors which write-and-rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("routing rules watcher error", "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("routing rules reload failed; keeping previous rules", "path", w.path, "error", err)
		return
	}
	w.rules.Replace(next)
	w.logger.Info("routing rules reloaded", "path", w.path, "events", len(next.Events()))
	if w.onReload != nil {
		w.onReload()
	}
}
