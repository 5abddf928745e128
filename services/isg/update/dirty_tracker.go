// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package update

import (
	"sort"
	"sync"
	"time"
)

// Dirty sources.
const (
	SourceParse   = "parse"
	SourceWatcher = "watcher"
	SourceManual  = "manual"
)

// DirtyEntry contains metadata about a dirty file.
type DirtyEntry struct {
	// Path is the root-relative file path.
	Path string `json:"path"`

	// MarkedAt is when the file was last marked dirty.
	MarkedAt time.Time `json:"marked_at"`

	// Source indicates how the file became dirty ("parse", "watcher", "manual").
	Source string `json:"source"`

	// Reason is the error text for parse failures.
	Reason string `json:"reason,omitempty"`
}

// DirtyTracker tracks files whose graph entities are stale.
//
// Description:
//
//	A file is dirty when its last parse failed and its previous entities
//	were kept. Successful re-parses and removals clear the entry.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type DirtyTracker struct {
	mu         sync.RWMutex
	dirtyFiles map[string]DirtyEntry
}

// NewDirtyTracker creates an empty tracker.
func NewDirtyTracker() *DirtyTracker {
	return &DirtyTracker{dirtyFiles: make(map[string]DirtyEntry)}
}

// MarkDirty marks path dirty, replacing any previous entry.
func (d *DirtyTracker) MarkDirty(path, source, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirtyFiles[path] = DirtyEntry{
		Path:     path,
		MarkedAt: time.Now(),
		Source:   source,
		Reason:   reason,
	}
}

// IsDirty reports whether path is dirty.
func (d *DirtyTracker) IsDirty(path string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.dirtyFiles[path]
	return ok
}

// HasDirty returns true if any files are marked dirty.
func (d *DirtyTracker) HasDirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.dirtyFiles) > 0
}

// Count returns the number of dirty files.
func (d *DirtyTracker) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.dirtyFiles)
}

// Paths returns the dirty paths, sorted. Does not clear the set.
func (d *DirtyTracker) Paths() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	paths := make([]string, 0, len(d.dirtyFiles))
	for path := range d.dirtyFiles {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Entries returns copies of all dirty entries, sorted by path.
func (d *DirtyTracker) Entries() []DirtyEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]DirtyEntry, 0, len(d.dirtyFiles))
	for _, entry := range d.dirtyFiles {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

// Clear removes paths from the dirty set and returns how many were present.
func (d *DirtyTracker) Clear(paths ...string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cleared := 0
	for _, path := range paths {
		if _, exists := d.dirtyFiles[path]; exists {
			delete(d.dirtyFiles, path)
			cleared++
		}
	}
	return cleared
}

// ClearAll empties the dirty set and returns how many entries it held.
func (d *DirtyTracker) ClearAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	count := len(d.dirtyFiles)
	d.dirtyFiles = make(map[string]DirtyEntry)
	return count
}
