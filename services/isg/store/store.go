// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the concurrency coordinator for the ISG.
//
// A Store owns exactly one graph.Graph and guards its structure and its
// identity index as one indivisible unit behind a single sync.RWMutex.
// Readers run concurrently; a writer excludes everyone else for the whole
// duration of its callback, so every read observes a real point-in-time
// state and never a half-applied update.
//
// # Rules For Callbacks
//
//   - Never perform blocking I/O inside View or Update.
//   - Never retain the *graph.Graph or any adjacency slice after the
//     callback returns.
//   - An Update callback that has begun mutating must not fail; validate
//     first, then mutate.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Only one logical writer is
// supported; concurrent writers are serialized by the lock but their
// relative order is unspecified.
package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
)

// Options configures a Store.
type Options struct {
	// Logger receives lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger

	// GraphOptions are passed to graph.NewGraph for the initial graph.
	GraphOptions []graph.GraphOption
}

// Option is a functional option for New.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithGraphOptions forwards options to the initial graph.
func WithGraphOptions(opts ...graph.GraphOption) Option {
	return func(o *Options) {
		o.GraphOptions = append(o.GraphOptions, opts...)
	}
}

// Store is the system of record: one graph behind one guard.
type Store struct {
	mu     sync.RWMutex
	g      *graph.Graph
	logger *slog.Logger

	// generation increments on every completed write. Readers use it to
	// key caches; it is read without the lock.
	generation atomic.Uint64
}

// New creates a Store holding an empty graph.
func New(opts ...Option) *Store {
	options := Options{Logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	return &Store{
		g:      graph.NewGraph(options.GraphOptions...),
		logger: options.Logger,
	}
}

// View runs fn with shared access to the graph.
//
// Description:
//
//	Multiple View calls may run at once. fn sees a consistent snapshot
//	of the graph for its whole duration.
//
// Inputs:
//
//	fn - Read-only callback. Must not mutate or retain the graph.
//
// Outputs:
//
//	error - Whatever fn returns.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) View(fn func(g *graph.Graph) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.g)
}

// Update runs fn with exclusive access to the graph.
//
// Description:
//
//	Everything fn does becomes visible to readers at once when it
//	returns. The generation counter advances after every Update, even
//	when fn returns an error, because fn may have mutated before failing.
//
// Inputs:
//
//	ctx - Used for tracing only; the lock itself is not cancellable.
//	fn - Mutating callback.
//
// Outputs:
//
//	error - Whatever fn returns.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Update(ctx context.Context, fn func(g *graph.Graph) error) error {
	_, span := startWriteSpan(ctx, "update")
	defer span.End()

	waitStart := time.Now()
	s.mu.Lock()
	held := time.Now()
	defer func() {
		s.generation.Add(1)
		s.mu.Unlock()
		recordLockMetrics(ctx, "update", held.Sub(waitStart), time.Since(held))
	}()
	return fn(s.g)
}

// Replace adopts g as the live graph, discarding the current one.
//
// Description:
//
//	Used by snapshot load after the new graph has been fully built and
//	validated. The swap is a single pointer assignment under the write
//	lock, so readers observe either the old graph or the new one.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Replace(ctx context.Context, g *graph.Graph) {
	if g == nil {
		return
	}
	_, span := startWriteSpan(ctx, "replace")
	defer span.End()

	s.mu.Lock()
	old := s.g
	s.g = g
	s.generation.Add(1)
	s.mu.Unlock()

	s.logger.Info("graph replaced",
		slog.Int("old_nodes", old.NodeCount()),
		slog.Int("new_nodes", g.NodeCount()),
		slog.Int("new_edges", g.EdgeCount()),
	)
}

// Generation returns the number of completed writes.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// UpsertNode inserts or replaces one entity.
func (s *Store) UpsertNode(ctx context.Context, e graph.Entity) (graph.Handle, bool) {
	var (
		h       graph.Handle
		created bool
	)
	_ = s.Update(ctx, func(g *graph.Graph) error {
		h, created = g.UpsertNode(e)
		return nil
	})
	return h, created
}

// GetNode returns one entity. Wraps graph.ErrNotFound if absent.
func (s *Store) GetNode(hash identity.Hash) (graph.Entity, error) {
	var (
		e   graph.Entity
		err error
	)
	_ = s.View(func(g *graph.Graph) error {
		e, err = g.GetNode(hash)
		return nil
	})
	return e, err
}

// UpsertEdge records one edge. Wraps graph.ErrNotFound if an endpoint is
// absent, in which case nothing is modified.
func (s *Store) UpsertEdge(ctx context.Context, from, to identity.Hash, kind graph.EdgeKind) (bool, error) {
	var created bool
	err := s.Update(ctx, func(g *graph.Graph) error {
		var err error
		created, err = g.UpsertEdge(from, to, kind)
		return err
	})
	return created, err
}

// RemoveNodesByFile removes every node of path and their edges.
func (s *Store) RemoveNodesByFile(ctx context.Context, path string) (nodes, edges int) {
	_ = s.Update(ctx, func(g *graph.Graph) error {
		nodes, edges = g.RemoveNodesByFile(path)
		return nil
	})
	return nodes, edges
}

// FindByName resolves a name to entities. See graph.Graph.FindByName.
func (s *Store) FindByName(name string) []graph.Entity {
	var out []graph.Entity
	_ = s.View(func(g *graph.Graph) error {
		out = g.FindByName(name)
		return nil
	})
	return out
}

// NodesInFile returns the entities of path sorted by line.
func (s *Store) NodesInFile(path string) []graph.Entity {
	var out []graph.Entity
	_ = s.View(func(g *graph.Graph) error {
		out = g.NodesInFile(path)
		return nil
	})
	return out
}

// Stats returns a summary of the live graph.
func (s *Store) Stats() graph.Stats {
	var st graph.Stats
	_ = s.View(func(g *graph.Graph) error {
		st = g.Stats()
		return nil
	})
	return st
}

// Files returns the sorted list of files that own entities.
func (s *Store) Files() []string {
	var out []string
	_ = s.View(func(g *graph.Graph) error {
		out = g.Files()
		return nil
	})
	return out
}
