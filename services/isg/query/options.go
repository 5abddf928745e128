// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"slices"
	"time"

	"github.com/AleutianAI/isg/services/isg/graph"
)

// Traversal bounds.
const (
	// MaxTraversalDepth is the largest accepted depth bound.
	MaxTraversalDepth = 1000

	// contextCheckInterval is how often, in visited nodes, a traversal
	// checks its deadline.
	contextCheckInterval = 100
)

// Service defaults, applied through WithDefaults by callers that want
// bounded queries. The zero QueryOptions stays unbounded.
const (
	DefaultMaxDepth   = 0
	DefaultMaxResults = 10000
	DefaultTimeout    = 5 * time.Second
)

// QueryOptions bounds a query. The zero value is unbounded.
type QueryOptions struct {
	// MaxDepth stops expansion beyond this many hops. 0 means unbounded.
	// Hitting it is not an error; the result is simply shallower.
	MaxDepth int

	// MaxResults fails the query with ErrResultTooLarge once the result
	// would exceed this size. 0 means unbounded.
	MaxResults int

	// Timeout fails the query with ErrTimeout once exceeded. 0 means only
	// the context deadline applies.
	Timeout time.Duration

	// EdgeKinds restricts traversal to these kinds. Empty means all kinds.
	EdgeKinds []graph.EdgeKind
}

// QueryOption is a functional option for configuring queries.
type QueryOption func(*QueryOptions)

// WithMaxDepth sets the depth bound.
//
// If d <= 0, traversal is unbounded.
// If d > MaxTraversalDepth, clamps to MaxTraversalDepth.
func WithMaxDepth(d int) QueryOption {
	return func(o *QueryOptions) {
		switch {
		case d <= 0:
			o.MaxDepth = 0
		case d > MaxTraversalDepth:
			o.MaxDepth = MaxTraversalDepth
		default:
			o.MaxDepth = d
		}
	}
}

// WithMaxResults sets the result-size bound. n <= 0 disables it.
func WithMaxResults(n int) QueryOption {
	return func(o *QueryOptions) {
		if n < 0 {
			n = 0
		}
		o.MaxResults = n
	}
}

// WithTimeout sets the per-query time bound. d <= 0 disables it.
func WithTimeout(d time.Duration) QueryOption {
	return func(o *QueryOptions) {
		if d < 0 {
			d = 0
		}
		o.Timeout = d
	}
}

// WithEdgeKinds restricts traversal to the given edge kinds.
func WithEdgeKinds(kinds ...graph.EdgeKind) QueryOption {
	return func(o *QueryOptions) {
		o.EdgeKinds = append([]graph.EdgeKind(nil), kinds...)
		slices.Sort(o.EdgeKinds)
		o.EdgeKinds = slices.Compact(o.EdgeKinds)
	}
}

// applyOptions applies functional options and returns the configured options.
func applyOptions(opts []QueryOption) QueryOptions {
	var options QueryOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// follows reports whether traversal should cross an edge of kind k.
func (o QueryOptions) follows(k graph.EdgeKind) bool {
	if len(o.EdgeKinds) == 0 {
		return true
	}
	return slices.Contains(o.EdgeKinds, k)
}
