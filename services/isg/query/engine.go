// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query implements the ISG query engine: implementor lookup,
// blast radius and cycle detection.
//
// Every query runs under the store's read lock and copies its result out
// before returning, so results are plain values that reflect one
// point-in-time state of the graph. Results are deterministic: the same
// query against the same graph content yields the same result.
//
// # Bounds
//
// Blast radius and cycle detection can be unbounded on large graphs. Both
// accept a Timeout, and blast radius a MaxResults bound. Exceeding a bound
// fails with graph.ErrTimeout or graph.ErrResultTooLarge and discards all
// partial work; a truncated result is never returned.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
	"github.com/AleutianAI/isg/services/isg/store"
)

// Reach is one entity in a blast radius together with its BFS depth.
type Reach struct {
	Entity graph.Entity `json:"entity"`
	Depth  int          `json:"depth"`
}

// BlastRadiusResult is the set of entities reachable from Start.
type BlastRadiusResult struct {
	// Start is the origin. It is never part of Reached.
	Start graph.Entity `json:"start"`

	// Reached lists reachable entities in BFS order.
	Reached []Reach `json:"reached"`

	// Depth is the deepest level reached.
	Depth int `json:"depth"`

	// Duration is the query execution time.
	Duration time.Duration `json:"duration_ns"`
}

// Hashes returns the identities in Reached, in BFS order.
func (r *BlastRadiusResult) Hashes() []identity.Hash {
	out := make([]identity.Hash, len(r.Reached))
	for i, reach := range r.Reached {
		out[i] = reach.Entity.Hash
	}
	return out
}

func (r *BlastRadiusResult) clone() *BlastRadiusResult {
	c := *r
	c.Reached = append([]Reach(nil), r.Reached...)
	return &c
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCache enables result caching.
func WithCache(c *Cache) EngineOption {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithDefaults sets options applied before per-call options.
func WithDefaults(opts ...QueryOption) EngineOption {
	return func(e *Engine) {
		e.defaults = append(e.defaults, opts...)
	}
}

// Engine answers structural queries over a store.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	store    *store.Store
	logger   *slog.Logger
	cache    *Cache
	defaults []QueryOption
}

// NewEngine creates an engine over s.
func NewEngine(s *store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  s,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the store this engine reads.
func (e *Engine) Store() *store.Store {
	return e.store
}

func (e *Engine) options(opts []QueryOption) QueryOptions {
	all := make([]QueryOption, 0, len(e.defaults)+len(opts))
	all = append(all, e.defaults...)
	all = append(all, opts...)
	return applyOptions(all)
}

// budget tracks a query's time bound.
type budget struct {
	ctx      context.Context
	deadline time.Time
	visits   int
}

func newBudget(ctx context.Context, timeout time.Duration) *budget {
	b := &budget{ctx: ctx}
	if timeout > 0 {
		b.deadline = time.Now().Add(timeout)
	}
	return b
}

// exceeded returns a timeout error if the bound is exceeded.
func (b *budget) exceeded() error {
	if err := ctxExpired(b.ctx); err != nil {
		return fmt.Errorf("%w: %w", graph.ErrTimeout, err)
	}
	if !b.deadline.IsZero() && time.Now().After(b.deadline) {
		return graph.ErrTimeout
	}
	return nil
}

// ctxExpired reports whether ctx has ended, counting a passed deadline
// whose timer has not fired yet.
func ctxExpired(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return nil
}

// run evaluates fn under the store's read lock, through the cache when one
// is configured.
//
// The query's Timeout becomes a deadline on ctx, measured from began, so a
// caller waiting on a cached computation is held to its own bound. shared
// reports that the value is owned by the cache and must be copied.
func (e *Engine) run(ctx context.Context, began time.Time, op string, hash identity.Hash, options QueryOptions,
	fn func(context.Context, *graph.Graph) (any, error)) (value any, shared bool, err error) {
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, began.Add(options.Timeout))
		defer cancel()
	}

	if e.cache == nil {
		err = e.store.View(func(g *graph.Graph) error {
			var ferr error
			value, ferr = fn(ctx, g)
			return ferr
		})
		return value, false, err
	}

	generation := e.store.Generation()
	compute := func(ctx context.Context) (any, bool, error) {
		var v any
		cacheable := false
		err := e.store.View(func(g *graph.Graph) error {
			// A write between keying and locking changes what fn sees.
			cacheable = e.store.Generation() == generation
			var ferr error
			v, ferr = fn(ctx, g)
			return ferr
		})
		return v, cacheable, err
	}
	value, err = e.cache.getOrCompute(ctx, cacheKey(generation, op, hash, options), compute)
	return value, true, err
}

// tick counts a visit and checks the bound every contextCheckInterval visits.
func (b *budget) tick() error {
	b.visits++
	if b.visits%contextCheckInterval != 0 {
		return nil
	}
	return b.exceeded()
}

// FindImplementors returns every entity with an Implements edge into iface.
//
// Description:
//
//	Walks the incoming adjacency of iface. Order follows edge insertion;
//	callers should rely only on the set.
//
// Inputs:
//
//	ctx - Context for tracing.
//	iface - Identity of the interface.
//
// Outputs:
//
//	[]graph.Entity - Implementors. Empty, not nil, if none.
//	error - Wraps graph.ErrNotFound if iface is absent.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) FindImplementors(ctx context.Context, iface identity.Hash) ([]graph.Entity, error) {
	ctx, span := startQuerySpan(ctx, "find_implementors", iface)
	defer span.End()
	start := time.Now()

	var out []graph.Entity
	err := e.store.View(func(g *graph.Graph) error {
		h, ok := g.Lookup(iface)
		if !ok {
			return graph.NotFoundError("find_implementors", iface)
		}
		incoming := g.Incoming(h)
		out = make([]graph.Entity, 0, len(incoming))
		for _, a := range incoming {
			if a.Kind == graph.EdgeImplements {
				out = append(out, g.Entity(a.Peer))
			}
		}
		return nil
	})
	recordQueryMetrics(ctx, "find_implementors", time.Since(start), len(out), err)
	if err != nil {
		setSpanError(span, err)
		return nil, err
	}
	return out, nil
}

// BlastRadius returns every entity transitively reachable from start over
// outgoing edges, excluding start itself.
//
// Description:
//
//	Breadth-first traversal with a visited set, so cycles terminate and
//	each entity appears once at its shortest depth. Adjacency is walked
//	in insertion order, making the BFS order deterministic.
//
// Inputs:
//
//	ctx - Cancellation; a cancelled or expired context fails with
//	      graph.ErrTimeout.
//	start - Identity to start from.
//	opts - Bounds. See QueryOptions.
//
// Outputs:
//
//	*BlastRadiusResult - Reached entities in BFS order.
//	error - Wraps graph.ErrNotFound, graph.ErrTimeout or
//	        graph.ErrResultTooLarge. No partial result accompanies an error.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) BlastRadius(ctx context.Context, start identity.Hash, opts ...QueryOption) (*BlastRadiusResult, error) {
	ctx, span := startQuerySpan(ctx, "blast_radius", start)
	defer span.End()
	began := time.Now()
	options := e.options(opts)

	var result *BlastRadiusResult
	r, shared, err := e.run(ctx, began, "blast_radius", start, options,
		func(ctx context.Context, g *graph.Graph) (any, error) {
			return blastRadius(ctx, g, start, options)
		})
	if err == nil {
		result = r.(*BlastRadiusResult)
		if shared {
			result = result.clone()
		}
	}

	count := 0
	if result != nil {
		count = len(result.Reached)
	}
	recordQueryMetrics(ctx, "blast_radius", time.Since(began), count, err)
	if err != nil {
		setSpanError(span, err)
		if errors.Is(err, graph.ErrTimeout) || errors.Is(err, graph.ErrResultTooLarge) {
			e.logger.Warn("blast radius bound exceeded",
				slog.String("start", start.String()),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	result.Duration = time.Since(began)
	return result, nil
}

func blastRadius(ctx context.Context, g *graph.Graph, start identity.Hash, options QueryOptions) (*BlastRadiusResult, error) {
	root, ok := g.Lookup(start)
	if !ok {
		return nil, graph.NotFoundError("blast_radius", start)
	}

	b := newBudget(ctx, options.Timeout)
	if err := b.exceeded(); err != nil {
		return nil, traverseError("blast_radius", start, err)
	}

	result := &BlastRadiusResult{
		Start:   g.Entity(root),
		Reached: make([]Reach, 0),
	}

	type queueItem struct {
		handle graph.Handle
		depth  int
	}
	visited := map[graph.Handle]bool{root: true}
	queue := []queueItem{{root, 0}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if err := b.tick(); err != nil {
			return nil, traverseError("blast_radius", start, err)
		}

		if options.MaxDepth > 0 && item.depth >= options.MaxDepth {
			continue
		}

		for _, a := range g.Outgoing(item.handle) {
			if !options.follows(a.Kind) || visited[a.Peer] {
				continue
			}
			visited[a.Peer] = true

			depth := item.depth + 1
			result.Reached = append(result.Reached, Reach{Entity: g.Entity(a.Peer), Depth: depth})
			if depth > result.Depth {
				result.Depth = depth
			}
			if options.MaxResults > 0 && len(result.Reached) > options.MaxResults {
				return nil, traverseError("blast_radius", start,
					fmt.Errorf("%w: more than %d entities", graph.ErrResultTooLarge, options.MaxResults))
			}
			queue = append(queue, queueItem{a.Peer, depth})
		}
	}
	return result, nil
}

func traverseError(op string, hash identity.Hash, err error) error {
	return &graph.Error{Op: op, Phase: graph.PhaseTraverse, Hash: hash, HasHash: true, Err: err}
}
