package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/user/gopherchef/internal/types"
)

// Watch reports file changes anywhere under the root until ctx is done.
// Directories created later are added to the watch as they appear.
func (l *Local) Watch(ctx context.Context, fn func(types.WatchEvent)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := l.addTree(w, l.root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			rel := l.rel(ev.Name)
			if rel == "" || rel == "." || Ignored(l.excludes, rel) || isTempFile(rel) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := l.addTree(w, ev.Name); err != nil {
						slog.Warn("watch new directory failed", "path", rel, "error", err)
					}
				}
			}
			if op, ok := convertOp(ev.Op); ok {
				fn(types.WatchEvent{Path: rel, Op: op})
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("workspace watcher error", "error", err)
		}
	}
}

func (l *Local) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// The directory may already be gone again.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel := l.rel(path); rel != "." && Ignored(l.excludes, rel) {
			return fs.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func convertOp(op fsnotify.Op) (types.WatchOp, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return types.WatchCreate, true
	case op.Has(fsnotify.Write):
		return types.WatchWrite, true
	case op.Has(fsnotify.Remove):
		return types.WatchRemove, true
	case op.Has(fsnotify.Rename):
		return types.WatchRename, true
	default:
		return "", false
	}
}
