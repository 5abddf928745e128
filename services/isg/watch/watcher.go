// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch turns file system notifications under a root directory into
// debounced batches of update.Change.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/isg/services/isg/update"
)

var (
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isg_watch_events_dropped_total",
		Help: "File events dropped because the change buffer was full",
	})

	batchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isg_watch_batches_total",
		Help: "Debounced change batches delivered to the handler",
	})
)

// Handler is called with each debounced batch. Paths are relative to the
// watched root and slash-separated. It runs on the watcher's own goroutine;
// batches are delivered one at a time.
type Handler func(ctx context.Context, changes []update.Change)

// Options configures a FileWatcher.
type Options struct {
	// Debounce is how long to wait for more changes before flushing.
	// Default: 100ms
	Debounce time.Duration

	// IgnoreGlobs are doublestar patterns matched against root-relative
	// paths. A directory is skipped when it or its children match.
	IgnoreGlobs []string

	// BufferSize is the size of the change buffer channel.
	// Default: 1000
	BufferSize int

	// Logger receives watcher errors and dropped-event warnings.
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:    100 * time.Millisecond,
		IgnoreGlobs: []string{"**/.git/**", "**/node_modules/**", "**/.idea/**", "**/*.swp", "**/*.tmp"},
		BufferSize:  1000,
	}
}

type event struct {
	path string
	kind update.ChangeKind
}

// FileWatcher watches a directory tree and delivers debounced changes.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type FileWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	handler Handler
	opts    Options
	logger  *slog.Logger

	changes  chan event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.RWMutex
	watching bool
}

// New creates a watcher for root.
//
// # Inputs
//
//   - root: Directory to watch.
//   - handler: Called with each debounced batch. Must not be nil.
//   - opts: Configuration. Zero fields take their defaults.
//
// # Outputs
//
//   - *FileWatcher: Ready to Start.
//   - error: Non-nil if the OS watcher could not be created.
func New(root string, handler Handler, opts Options) (*FileWatcher, error) {
	if handler == nil {
		return nil, errors.New("watch: handler must not be nil")
	}
	defaults := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}
	if opts.IgnoreGlobs == nil {
		opts.IgnoreGlobs = defaults.IgnoreGlobs
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FileWatcher{
		root:    abs,
		watcher: watcher,
		handler: handler,
		opts:    opts,
		logger:  logger.With(slog.String("component", "watch"), slog.String("root", abs)),
		changes: make(chan event, opts.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching.
//
// # Description
//
// Recursively watches the root and all non-ignored subdirectories, then
// spawns the event processor and the debouncer. Both exit when Stop is
// called or ctx is cancelled; a pending batch is flushed on the way out.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root, false); err != nil {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return err
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	w.logger.Info("watching for changes", slog.Duration("debounce", w.opts.Debounce))
	return nil
}

// Stop stops the watcher and waits for its goroutines to exit.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true if the watcher is active.
func (w *FileWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// relative converts an absolute event path into a root-relative slash path.
func (w *FileWatcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Ignored reports whether the root-relative path matches an ignore glob.
func (w *FileWatcher) Ignored(rel string) bool {
	for _, glob := range w.opts.IgnoreGlobs {
		if ok, _ := doublestar.Match(glob, rel); ok {
			return true
		}
	}
	return false
}

func (w *FileWatcher) ignoredDir(rel string) bool {
	if rel == "." {
		return false
	}
	return w.Ignored(rel) || w.Ignored(rel+"/_")
}

// addRecursive watches root and its non-ignored subdirectories. With
// announce set, every non-ignored file found is reported as created, since
// a directory moved or copied into the tree raises no event for its
// contents.
func (w *FileWatcher) addRecursive(root string, announce bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		rel, ok := w.relative(path)
		if !d.IsDir() {
			if announce && ok && !w.Ignored(rel) {
				w.emit(event{path: rel, kind: update.ChangeCreate})
			}
			return nil
		}
		if ok && w.ignoredDir(rel) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *FileWatcher) handleEvent(ev fsnotify.Event) {
	rel, ok := w.relative(ev.Name)
	if !ok || rel == "." {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.ignoredDir(rel) {
				if err := w.addRecursive(ev.Name, true); err != nil {
					w.logger.Warn("failed to watch new directory",
						slog.String("dir", rel),
						slog.String("error", err.Error()),
					)
				}
			}
			return
		}
	}
	if w.Ignored(rel) {
		return
	}
	kind, ok := convertOp(ev.Op)
	if !ok {
		return
	}
	w.emit(event{path: rel, kind: kind})
}

func (w *FileWatcher) emit(ev event) {
	select {
	case w.changes <- ev:
	default:
		eventsDropped.Inc()
		w.logger.Warn("change buffer full, event dropped", slog.String("path", ev.path))
	}
}

// convertOp maps an fsnotify op onto a change kind. A rename reports the old
// name, so it is a removal; the new name arrives as a separate create.
func convertOp(op fsnotify.Op) (update.ChangeKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return update.ChangeCreate, true
	case op.Has(fsnotify.Write):
		return update.ChangeModify, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return update.ChangeRemove, true
	default:
		return 0, false
	}
}

func (w *FileWatcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var batch []event
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			changes := deduplicate(batch)
			batch = batch[:0]
			batchesFlushed.Inc()
			w.handler(ctx, changes)
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case ev := <-w.changes:
			batch = append(batch, ev)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush()
		}
	}
}

// deduplicate keeps the last event per path, in first-seen order. A create
// followed by writes stays a create.
func deduplicate(events []event) []update.Change {
	seen := make(map[string]int, len(events))
	result := make([]update.Change, 0, len(events))
	for _, ev := range events {
		if idx, exists := seen[ev.path]; exists {
			kind := ev.kind
			if result[idx].Kind == update.ChangeCreate && kind == update.ChangeModify {
				kind = update.ChangeCreate
			}
			result[idx].Kind = kind
			continue
		}
		seen[ev.path] = len(result)
		result = append(result, update.Change{Path: ev.path, Kind: ev.kind})
	}
	return result
}
