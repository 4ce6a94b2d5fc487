package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Quiet period after the last change before workers are reloaded.
const reloadDebounce = 500 * time.Millisecond

// Directories never watched.
var watchIgnores = []string{".git", "__pycache__", ".venv", "node_modules"}

// Watches the application directory and reloads the workers after files
// change. Returns when ctx is done or the supervisor stops.
func (s *Supervisor) watchSources(ctx context.Context) error {
	root := s.cfg.Dir
	if root == "" {
		root = "."
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := addTree(fsw, root); err != nil {
		return err
	}
	slog.Info("watching for changes", "dir", root)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil

		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(evt.Name) {
				continue
			}
			if evt.Has(fsnotify.Create) {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					addTree(fsw, evt.Name)
				}
			}

			slog.Debug("source changed", "path", evt.Name, "op", evt.Op.String())
			mu.Lock()
			if timer == nil {
				timer = time.AfterFunc(reloadDebounce, s.Reload)
			} else {
				timer.Reset(reloadDebounce)
			}
			mu.Unlock()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "error", err)
		}
	}
}

// Adds root and every directory below it, skipping ignored directories.
func addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			slog.Debug("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignoredDir(d.Name()) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

// Reports whether a change to path should reload the workers. Bytecode,
// editor swap files, and anything inside an ignored directory are skipped.
func relevant(path string) bool {
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if ignoredDir(elem) {
			return false
		}
	}

	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, ".pyc"),
		strings.HasSuffix(base, ".swp"),
		strings.HasSuffix(base, "~"),
		strings.HasPrefix(base, ".#"):
		return false
	}
	return true
}

func ignoredDir(name string) bool {
	return slices.Contains(watchIgnores, name)
}
