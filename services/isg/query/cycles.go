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
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/isg/services/isg/graph"
)

// Cycle is one strongly connected component with more than one member.
type Cycle struct {
	// Members are sorted by identity.
	Members []graph.Entity `json:"members"`
}

// Len returns the number of members.
func (c Cycle) Len() int {
	return len(c.Members)
}

// FindCycles returns every strongly connected component of size > 1.
//
// Description:
//
//	Runs Tarjan's algorithm iteratively (explicit call stack) over the
//	whole graph in O(V+E). Members of each component are sorted by
//	identity, and components are ordered by size descending and then by
//	their first member, so the grouping and ordering depend only on the
//	graph content.
//
// Inputs:
//
//	ctx - Cancellation; fails with graph.ErrTimeout.
//	opts - Timeout and EdgeKinds are honored. MaxResults bounds the number
//	       of cycles returned.
//
// Outputs:
//
//	[]Cycle - Components. Empty, not nil, if the graph is acyclic.
//	error - Wraps graph.ErrTimeout or graph.ErrResultTooLarge.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) FindCycles(ctx context.Context, opts ...QueryOption) ([]Cycle, error) {
	ctx, span := startQuerySpan(ctx, "find_cycles", 0)
	defer span.End()
	began := time.Now()
	options := e.options(opts)

	var result []Cycle
	r, shared, err := e.run(ctx, began, "find_cycles", 0, options,
		func(ctx context.Context, g *graph.Graph) (any, error) {
			return findCycles(ctx, g, options)
		})
	if err == nil {
		result = r.([]Cycle)
		if shared {
			result = cloneCycles(result)
		}
	}

	recordQueryMetrics(ctx, "find_cycles", time.Since(began), len(result), err)
	if err != nil {
		setSpanError(span, err)
		return nil, err
	}
	return result, nil
}

func cloneCycles(in []Cycle) []Cycle {
	out := make([]Cycle, len(in))
	for i, c := range in {
		out[i] = Cycle{Members: append([]graph.Entity(nil), c.Members...)}
	}
	return out
}

func findCycles(ctx context.Context, g *graph.Graph, options QueryOptions) ([]Cycle, error) {
	b := newBudget(ctx, options.Timeout)
	if err := b.exceeded(); err != nil {
		return nil, &graph.Error{Op: "find_cycles", Phase: graph.PhaseTraverse, Err: err}
	}

	// Tarjan's SCC state. Indices start at 1 so 0 means unvisited.
	index := 1
	nodeIndex := make(map[graph.Handle]int, g.NodeCount())
	lowLink := make(map[graph.Handle]int, g.NodeCount())
	onStack := make(map[graph.Handle]bool)
	sccStack := make([]graph.Handle, 0)
	sccs := make([][]graph.Handle, 0)

	// callFrame replaces the recursive call stack so deep graphs cannot
	// overflow the goroutine stack.
	type callFrame struct {
		handle    graph.Handle
		edgeIndex int
		phase     int // 0=init, 1=process edges, 2=post-child, 3=finalize
		child     graph.Handle
	}

	strongConnect := func(root graph.Handle) error {
		callStack := []callFrame{{handle: root}}

		for len(callStack) > 0 {
			frame := &callStack[len(callStack)-1]

			switch frame.phase {
			case 0:
				if err := b.tick(); err != nil {
					return err
				}
				nodeIndex[frame.handle] = index
				lowLink[frame.handle] = index
				index++
				sccStack = append(sccStack, frame.handle)
				onStack[frame.handle] = true
				frame.phase = 1

			case 1:
				out := g.Outgoing(frame.handle)
				pushed := false
				for frame.edgeIndex < len(out) {
					a := out[frame.edgeIndex]
					frame.edgeIndex++
					if !options.follows(a.Kind) {
						continue
					}
					if nodeIndex[a.Peer] == 0 {
						frame.phase = 2
						frame.child = a.Peer
						callStack = append(callStack, callFrame{handle: a.Peer})
						pushed = true
						break
					}
					if onStack[a.Peer] && nodeIndex[a.Peer] < lowLink[frame.handle] {
						lowLink[frame.handle] = nodeIndex[a.Peer]
					}
				}
				if !pushed {
					frame.phase = 3
				}

			case 2:
				if lowLink[frame.child] < lowLink[frame.handle] {
					lowLink[frame.handle] = lowLink[frame.child]
				}
				frame.phase = 1

			case 3:
				if lowLink[frame.handle] == nodeIndex[frame.handle] {
					scc := make([]graph.Handle, 0)
					for {
						w := sccStack[len(sccStack)-1]
						sccStack = sccStack[:len(sccStack)-1]
						onStack[w] = false
						scc = append(scc, w)
						if w == frame.handle {
							break
						}
					}
					if len(scc) > 1 {
						sccs = append(sccs, scc)
					}
				}
				callStack = callStack[:len(callStack)-1]
			}
		}
		return nil
	}

	for _, h := range g.Handles() {
		if nodeIndex[h] != 0 {
			continue
		}
		if err := strongConnect(h); err != nil {
			return nil, &graph.Error{Op: "find_cycles", Phase: graph.PhaseTraverse, Err: err}
		}
	}

	if options.MaxResults > 0 && len(sccs) > options.MaxResults {
		return nil, &graph.Error{Op: "find_cycles", Phase: graph.PhaseTraverse,
			Err: fmt.Errorf("%w: %d cycles exceed bound %d", graph.ErrResultTooLarge, len(sccs), options.MaxResults)}
	}

	result := make([]Cycle, 0, len(sccs))
	for _, scc := range sccs {
		members := make([]graph.Entity, len(scc))
		for i, h := range scc {
			members[i] = g.Entity(h)
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Hash < members[j].Hash })
		result = append(result, Cycle{Members: members})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Len() != result[j].Len() {
			return result[i].Len() > result[j].Len()
		}
		return result[i].Members[0].Hash < result[j].Members[0].Hash
	})
	return result, nil
}
