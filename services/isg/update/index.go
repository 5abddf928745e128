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
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/AleutianAI/isg/services/isg/graph"
)

// Ignored reports whether path matches one of the ignore globs.
func (p *Pipeline) Ignored(path string) bool {
	for _, glob := range p.config.IgnoreGlobs {
		if ok, _ := doublestar.Match(glob, path); ok {
			return true
		}
	}
	return false
}

// Discover lists every parseable, non-ignored file under the pipeline's
// file system, sorted.
func (p *Pipeline) Discover(ctx context.Context) ([]string, error) {
	paths := make([]string, 0)
	err := fs.WalkDir(p.fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			p.logger.Warn("skipping unreadable path",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == "." {
			return nil
		}
		if d.IsDir() {
			// The trailing element lets "dir/**" patterns exclude dir itself.
			if p.Ignored(path) || p.Ignored(path+"/_") {
				return fs.SkipDir
			}
			return nil
		}
		if p.Ignored(path) {
			return nil
		}
		if _, ok := p.parsers.ForPath(path); ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// IndexAll synchronizes the store with the file system.
//
// Description:
//
//	Every discovered file is parsed and applied. Files the store knows
//	about that no longer exist on disk, or are now ignored, are removed.
//
// Outputs:
//
//	*Result - Combined result of all chunks.
//	error - Non-nil if discovery failed or ctx ended.
func (p *Pipeline) IndexAll(ctx context.Context) (*Result, error) {
	paths, err := p.Discover(ctx)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(paths))
	changes := make([]Change, 0, len(paths))
	for _, path := range paths {
		present[path] = true
		changes = append(changes, Change{Path: path, Kind: ChangeCreate})
	}

	var known []string
	_ = p.store.View(func(g *graph.Graph) error {
		known = g.Files()
		return nil
	})
	for _, path := range known {
		if !present[path] {
			changes = append(changes, Change{Path: path, Kind: ChangeRemove})
		}
	}

	p.logger.Info("indexing",
		slog.Int("files", len(paths)),
		slog.Int("stale", len(changes)-len(paths)),
	)
	return p.ApplyChanges(ctx, changes)
}
