// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/isg/services/isg/update"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]update.Change
	notify  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 16)}
}

func (r *recorder) handle(_ context.Context, changes []update.Change) {
	r.mu.Lock()
	r.batches = append(r.batches, changes)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) paths() map[string]update.ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]update.ChangeKind)
	for _, b := range r.batches {
		for _, c := range b {
			out[c.Path] = c.Kind
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, path string) update.ChangeKind {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if kind, ok := r.paths()[path]; ok {
			return kind
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("no change for %s; got %v", path, r.paths())
		}
	}
}

func TestFileWatcher_DeliversRelativeChanges(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	rec := newRecorder()

	w, err := New(root, rec.handle, Options{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.True(t, w.IsWatching())

	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "a.go"), []byte("package pkg\n"), 0o644))
	kind := rec.waitFor(t, "pkg/a.go")
	assert.Contains(t, []update.ChangeKind{update.ChangeCreate, update.ChangeModify}, kind)

	require.NoError(t, os.Remove(filepath.Join(root, "pkg", "a.go")))
	require.Eventually(t, func() bool {
		return rec.paths()["pkg/a.go"] == update.ChangeRemove
	}, 5*time.Second, 10*time.Millisecond)

	w.Stop()
	assert.False(t, w.IsWatching())
}

func TestFileWatcher_NewDirectoryIsWatched(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	root := t.TempDir()
	rec := newRecorder()
	w, err := New(root, rec.handle, Options{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.go"), []byte("package sub\n"), 0o644))
	rec.waitFor(t, "sub/b.go")
	_, sawDir := rec.paths()["sub"]
	assert.False(t, sawDir, "directories are not reported as changes")
}

func TestFileWatcher_MovedInDirectoryAnnouncesFiles(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	root := t.TempDir()
	staging := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "lib", "inner"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "lib", "a.go"), []byte("package lib\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "lib", "inner", "b.go"), []byte("package inner\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "lib", "c.swp"), []byte("x"), 0o644))

	rec := newRecorder()
	w, err := New(root, rec.handle, Options{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.Rename(filepath.Join(staging, "lib"), filepath.Join(root, "lib")))
	assert.Equal(t, update.ChangeCreate, rec.waitFor(t, "lib/a.go"))
	assert.Equal(t, update.ChangeCreate, rec.waitFor(t, "lib/inner/b.go"))
	_, sawSwap := rec.paths()["lib/c.swp"]
	assert.False(t, sawSwap, "ignored files are not announced")
}

func TestFileWatcher_IgnoresGlobs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	rec := newRecorder()
	w, err := New(root, rec.handle, Options{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "x.swp"), []byte("swap"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))

	rec.waitFor(t, "main.go")
	paths := rec.paths()
	assert.NotContains(t, paths, ".git/HEAD")
	assert.NotContains(t, paths, "x.swp")
}

func TestFileWatcher_ContextCancelStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	w, err := New(t.TempDir(), newRecorder().handle, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx), "second start is a no-op")
	cancel()
	w.Stop()
	w.Stop()
}

func TestNew_Validation(t *testing.T) {
	_, err := New(t.TempDir(), nil, Options{})
	assert.Error(t, err)

	w, err := New(t.TempDir(), newRecorder().handle, Options{})
	require.NoError(t, err)
	defer w.Stop()
	assert.Equal(t, DefaultOptions().Debounce, w.opts.Debounce)
	assert.Equal(t, DefaultOptions().BufferSize, w.opts.BufferSize)
}

func TestDeduplicate(t *testing.T) {
	got := deduplicate([]event{
		{path: "a.go", kind: update.ChangeCreate},
		{path: "b.go", kind: update.ChangeModify},
		{path: "a.go", kind: update.ChangeModify},
		{path: "b.go", kind: update.ChangeRemove},
		{path: "c.go", kind: update.ChangeModify},
	})
	assert.Equal(t, []update.Change{
		{Path: "a.go", Kind: update.ChangeCreate},
		{Path: "b.go", Kind: update.ChangeRemove},
		{Path: "c.go", Kind: update.ChangeModify},
	}, got)
}

func TestConvertOp(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		kind update.ChangeKind
		ok   bool
	}{
		{fsnotify.Create, update.ChangeCreate, true},
		{fsnotify.Write, update.ChangeModify, true},
		{fsnotify.Remove, update.ChangeRemove, true},
		{fsnotify.Rename, update.ChangeRemove, true},
		{fsnotify.Chmod, 0, false},
	}
	for _, tt := range tests {
		kind, ok := convertOp(tt.op)
		assert.Equal(t, tt.ok, ok, tt.op.String())
		assert.Equal(t, tt.kind, kind, tt.op.String())
	}
}

func TestIgnored(t *testing.T) {
	w, err := New(t.TempDir(), newRecorder().handle, Options{IgnoreGlobs: []string{"**/vendor/**", "**/*.tmp"}})
	require.NoError(t, err)
	defer w.Stop()

	assert.True(t, w.Ignored("vendor/x/y.go"))
	assert.True(t, w.Ignored("a/b/c.tmp"))
	assert.False(t, w.Ignored("a/b/c.go"))
	assert.True(t, w.ignoredDir("vendor"))
	assert.False(t, w.ignoredDir("."))
}
