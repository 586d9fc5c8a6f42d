package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period before a change is reported.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reports changes to graph documents and configuration files. Bursts of events
// are collapsed into a single callback after a quiet period.
type Watcher struct {
	logger   zerolog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher. A zero debounce uses DefaultDebounce.
func NewWatcher(logger zerolog.Logger, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		debounce: debounce,
	}
}

// Watch calls onChange with the last changed path whenever a watched file is written,
// created, renamed or removed. Directories are watched with their subdirectories.
// Watch blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, paths []string, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	files := make(map[string]bool)
	var dirs []string
	for _, path := range paths {
		isDir, err := w.add(watcher, path)
		if err != nil {
			return err
		}
		if isDir {
			dirs = append(dirs, filepath.Clean(path))
		} else {
			files[filepath.Clean(path)] = true
		}
	}
	watched := func(name string) bool {
		name = filepath.Clean(name)
		if files[name] {
			return true
		}
		for _, dir := range dirs {
			if rel, err := filepath.Rel(dir, name); err == nil && !strings.HasPrefix(rel, "..") {
				return true
			}
		}
		return false
	}

	w.logger.Info().Strs("paths", paths).Msg("Watching for changes")

	var timer *time.Timer
	var last string
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 || !watched(event.Name) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")

			// New subdirectories are watched as they appear.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_, _ = w.add(watcher, event.Name)
				}
			}

			last = event.Name
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			onChange(last)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// add watches path and reports whether it is a directory.
func (w *Watcher) add(watcher *fsnotify.Watcher, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		// Watch the parent so atomic replacements are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			return false, fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return false, nil
	}
	return true, filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
		}
		return nil
	})
}
