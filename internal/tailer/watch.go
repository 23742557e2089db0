package tailer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RunHandler is called with the result of every run in watch mode
type RunHandler func(ctx context.Context, res *RunResult) error

// Watch runs once and then again whenever a file matching one of the
// configured globs is written, created, renamed or removed. Events are
// debounced so a burst of writes triggers a single run. Watch returns when
// ctx is done or handle fails.
func (t *Tailer) Watch(ctx context.Context, debounce time.Duration, handle RunHandler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range t.watchDirs() {
		if err := watcher.Add(dir); err != nil {
			t.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to add directory to watcher")
			continue
		}
		t.logger.Debug().Str("dir", dir).Msg("Watching directory")
	}

	if err := t.runOnce(ctx, handle); err != nil {
		return err
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !t.relevant(event) {
				continue
			}
			t.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("File event")
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Error().Err(err).Msg("File watcher error")

		case <-timer.C:
			if err := t.runOnce(ctx, handle); err != nil {
				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Tailer) runOnce(ctx context.Context, handle RunHandler) error {
	res, err := t.Run(ctx)
	if err != nil && ctx.Err() != nil {
		// an interrupted run still has positions worth handing over
		if herr := handle(context.WithoutCancel(ctx), res); herr != nil {
			t.logger.Error().Err(herr).Msg("Failed to handle interrupted run")
		}
		return nil
	}
	return handle(ctx, res)
}

func (t *Tailer) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	for _, block := range t.cfg.Logfiles {
		for _, glob := range block.Globs {
			if ok, _ := filepath.Match(glob, event.Name); ok {
				return true
			}
		}
	}
	return false
}

// watchDirs returns the existing directories that can contain files
// matching the configured globs
func (t *Tailer) watchDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, block := range t.cfg.Logfiles {
		for _, glob := range block.Globs {
			candidates := []string{filepath.Dir(glob)}
			if hasMeta(candidates[0]) {
				candidates, _ = filepath.Glob(candidates[0])
			}
			for _, dir := range candidates {
				if seen[dir] {
					continue
				}
				if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
					continue
				}
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}
	sort.Strings(dirs)
	return dirs
}

func hasMeta(path string) bool {
	return strings.ContainsAny(path, `*?[`)
}
