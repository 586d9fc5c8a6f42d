package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/loom/pkg/engine"
)

// Watch blocks until the watched path changes. An optional event attribute
// (create, write, remove, rename, chmod) restricts which changes count.
type Watch struct {
	logger zerolog.Logger
}

// NewWatch creates a watch plugin.
func NewWatch(logger zerolog.Logger) *Watch {
	return &Watch{logger: logger.With().Str("component", "watch-plugin").Logger()}
}

func (w *Watch) Symbol() string { return "watch" }

func (w *Watch) Description() string {
	return "Waits for a file system event on the watch attribute's path"
}

func (w *Watch) Caveats() string {
	return "Directories are watched without their subdirectories"
}

func (w *Watch) Call(ctx context.Context, tc *engine.ThunkContext) (*engine.ThunkContext, error) {
	path, ok := stringArgument(tc, "watch")
	if !ok || path == "" {
		return nil, fmt.Errorf("watch: no watch attribute")
	}
	path = filepath.Clean(path)

	var filter fsnotify.Op
	if name, ok := tc.SearchString("event"); ok {
		op, err := parseOp(name)
		if err != nil {
			return nil, fmt.Errorf("watch: %w", err)
		}
		filter = op
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Files are watched through their directory so replacements are seen.
	dir, file := path, ""
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		dir, file = filepath.Dir(path), path
	}
	if err := watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("watch: failed to watch %s: %w", dir, err)
	}
	_ = tc.SendStatus(0, "watching "+path)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil, fmt.Errorf("watch: watcher closed")
			}
			if file != "" && filepath.Clean(event.Name) != file {
				continue
			}
			if filter != 0 && !event.Has(filter) {
				continue
			}
			w.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Watched path changed")

			out := tc.Clone()
			out.State().
				Set("path", event.Name).
				Set("event", strings.ToLower(event.Op.String()))
			return out, nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("watch: watcher closed")
			}
			w.logger.Warn().Err(err).Str("path", path).Msg("Watcher error")
		}
	}
}

func parseOp(name string) (fsnotify.Op, error) {
	switch strings.ToLower(name) {
	case "create":
		return fsnotify.Create, nil
	case "write":
		return fsnotify.Write, nil
	case "remove":
		return fsnotify.Remove, nil
	case "rename":
		return fsnotify.Rename, nil
	case "chmod":
		return fsnotify.Chmod, nil
	default:
		return 0, fmt.Errorf("unknown event %q", name)
	}
}
