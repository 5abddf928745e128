// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package neighborhood extracts bounded contexts: the small, deterministic
// slice of the graph around one entity that downstream formatters
// summarize.
//
// A bounded context is a pure function of the graph content, the focus
// identity and the hop limit. Adjacency insertion order never leaks into
// the result: each hop level is ordered by qualified name, signature and
// hash, and a neighbor reachable over several edge kinds at the same hop
// reports the lowest kind.
package neighborhood

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
	"github.com/AleutianAI/isg/services/isg/store"
)

const (
	// DefaultMaxHops caps hop limits when no WithMaxHops option is given.
	DefaultMaxHops = 3
)

// Neighbor is one entity in a bounded context.
type Neighbor struct {
	Entity graph.Entity   `json:"entity"`
	Hops   int            `json:"hops"`
	Via    graph.EdgeKind `json:"via"`
}

// BoundedContext is the neighborhood of Focus.
type BoundedContext struct {
	Focus    graph.Entity `json:"focus"`
	HopLimit int          `json:"hop_limit"`

	// Dependencies are reached over outgoing edges.
	Dependencies []Neighbor `json:"dependencies"`

	// Callers are reached over incoming edges.
	Callers []Neighbor `json:"callers"`
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxHops caps the hop limit callers may request.
func WithMaxHops(n int) Option {
	return func(x *Extractor) {
		if n > 0 {
			x.maxHops = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Extractor) {
		if l != nil {
			x.logger = l
		}
	}
}

// Extractor builds bounded contexts from a store.
//
// Thread Safety: Safe for concurrent use.
type Extractor struct {
	store   *store.Store
	maxHops int
	logger  *slog.Logger
}

// NewExtractor creates an extractor over s.
func NewExtractor(s *store.Store, opts ...Option) *Extractor {
	x := &Extractor{store: s, maxHops: DefaultMaxHops, logger: slog.Default()}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// MaxHops returns the configured hop cap.
func (x *Extractor) MaxHops() int {
	return x.maxHops
}

// Extract returns the bounded context around focus.
//
// Description:
//
//	Expands outgoing and incoming edges level by level up to hopLimit hops.
//	A hopLimit below 1 is treated as 1 (direct neighbors only); a hopLimit
//	above the configured cap is clamped to it. The focus entity never
//	appears in its own neighbor lists. An entity may appear in both lists.
//
// Inputs:
//
//	ctx - Checked between hop levels.
//	focus - Identity of the focus entity.
//	hopLimit - Requested expansion depth.
//
// Outputs:
//
//	*BoundedContext - Neighbors ordered by hop, then qualified name,
//	                  signature and hash.
//	error - Wraps graph.ErrNotFound if focus is absent, graph.ErrTimeout
//	        if ctx ends during expansion.
//
// Thread Safety: Safe for concurrent use. Runs under the store read lock.
func (x *Extractor) Extract(ctx context.Context, focus identity.Hash, hopLimit int) (*BoundedContext, error) {
	hops := x.clampHops(hopLimit)
	if hops != hopLimit {
		x.logger.Debug("hop limit adjusted",
			slog.Int("requested", hopLimit),
			slog.Int("effective", hops),
		)
	}

	var result *BoundedContext
	err := x.store.View(func(g *graph.Graph) error {
		root, ok := g.Lookup(focus)
		if !ok {
			return graph.NotFoundError("bounded_context", focus)
		}
		deps, err := expand(ctx, g, root, hops, g.Outgoing)
		if err != nil {
			return contextError(focus, err)
		}
		callers, err := expand(ctx, g, root, hops, g.Incoming)
		if err != nil {
			return contextError(focus, err)
		}
		result = &BoundedContext{
			Focus:        g.Entity(root),
			HopLimit:     hops,
			Dependencies: deps,
			Callers:      callers,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (x *Extractor) clampHops(hopLimit int) int {
	if hopLimit < 1 {
		return 1
	}
	if hopLimit > x.maxHops {
		return x.maxHops
	}
	return hopLimit
}

// expand walks one direction level by level. Each level is sorted before
// it becomes the next frontier so traversal order is content-defined.
func expand(ctx context.Context, g *graph.Graph, root graph.Handle, hops int, adjacent func(graph.Handle) []graph.Adjacent) ([]Neighbor, error) {
	out := make([]Neighbor, 0)
	seen := map[graph.Handle]bool{root: true}
	frontier := []graph.Handle{root}

	for hop := 1; hop <= hops && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		level := make(map[graph.Handle]graph.EdgeKind)
		for _, h := range frontier {
			for _, a := range adjacent(h) {
				if seen[a.Peer] {
					continue
				}
				if k, ok := level[a.Peer]; !ok || a.Kind < k {
					level[a.Peer] = a.Kind
				}
			}
		}

		next := make([]Neighbor, 0, len(level))
		handles := make(map[identity.Hash]graph.Handle, len(level))
		for h, kind := range level {
			seen[h] = true
			e := g.Entity(h)
			handles[e.Hash] = h
			next = append(next, Neighbor{Entity: e, Hops: hop, Via: kind})
		}
		sortNeighbors(next)

		frontier = frontier[:0]
		for _, n := range next {
			frontier = append(frontier, handles[n.Entity.Hash])
		}
		out = append(out, next...)
	}
	return out, nil
}

func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		a, b := ns[i].Entity, ns[j].Entity
		if a.QualifiedName != b.QualifiedName {
			return a.QualifiedName < b.QualifiedName
		}
		if a.Signature != b.Signature {
			return a.Signature < b.Signature
		}
		return a.Hash < b.Hash
	})
}

func contextError(focus identity.Hash, err error) error {
	return &graph.Error{
		Op:      "bounded_context",
		Phase:   graph.PhaseTraverse,
		Hash:    focus,
		HasHash: true,
		Err:     fmt.Errorf("%w: %w", graph.ErrTimeout, err),
	}
}
