// Package watch reports changes to source files under a project root.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mopemope/meghanada-server-sub002/internal/logging"
)

// Handler receives the absolute path of a changed file. removed is true
// when the file was deleted or renamed away.
type Handler func(path string, removed bool)

// Watcher watches a directory tree and calls a Handler for files matching
// the include patterns. Hidden directories are not watched.
type Watcher struct {
	fsw      *fsnotify.Watcher
	root     string
	patterns []string
	handle   Handler
	log      *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts watching root. patterns are doublestar globs matched against
// slash-separated paths relative to root.
func New(root string, patterns []string, handle Handler, logger *zap.Logger) (*Watcher, error) {
	if handle == nil {
		return nil, errors.New("watch: nil handler")
	}

	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("watch: invalid pattern %q", p)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		root:     filepath.Clean(root),
		patterns: patterns,
		handle:   handle,
		log:      logging.OrNop(logger).Named("watch"),
	}

	err = w.addTree(w.root)
	if err != nil {
		_ = fsw.Close()

		return nil, err
	}

	w.wg.Add(1)

	go w.loop()

	return w, nil
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	var err error

	w.closeOnce.Do(func() {
		err = w.fsw.Close()
		w.wg.Wait()
	})

	return err
}

// addTree watches dir and every non-hidden directory below it. Failing to
// watch dir itself is an error; nested failures are logged.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("watch %s: %w", dir, err)
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if path != w.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		addErr := w.fsw.Add(path)
		if addErr != nil {
			if path == dir {
				return fmt.Errorf("watch %s: %w", dir, addErr)
			}

			w.log.Warn("add watch failed", zap.String("dir", path), zap.Error(addErr))
		}

		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			w.dispatch(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) dispatch(ev fsnotify.Event) {
	path := ev.Name

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if w.matches(path) {
			w.handle(path, true)
		}

		return
	}

	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			err = w.addTree(path)
			if err != nil {
				w.log.Warn("watching new directory failed", zap.String("dir", path), zap.Error(err))
			}
		}

		return
	}

	if w.matches(path) {
		w.handle(path, false)
	}
}

// matches reports whether path is under root and matches an include
// pattern. With no patterns every file matches.
func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	if len(w.patterns) == 0 {
		return true
	}

	rel = filepath.ToSlash(rel)

	for _, p := range w.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}

	return false
}
