// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"slices"
	"sort"
	"unique"

	"github.com/AleutianAI/isg/services/isg/identity"
)

// DefaultExpectedNodes is the default arena pre-allocation.
const DefaultExpectedNodes = 1024

// GraphOptions configures a Graph.
type GraphOptions struct {
	// ExpectedNodes pre-sizes the arena and index.
	ExpectedNodes int
}

// GraphOption is a functional option for NewGraph.
type GraphOption func(*GraphOptions)

// WithExpectedNodes pre-sizes the arena for n nodes. Values <= 0 use the
// default.
func WithExpectedNodes(n int) GraphOption {
	return func(o *GraphOptions) {
		if n > 0 {
			o.ExpectedNodes = n
		}
	}
}

type node struct {
	entity Entity
	live   bool
	out    []Adjacent
	in     []Adjacent
}

type edgeKey struct {
	from Handle
	to   Handle
	kind EdgeKind
}

type handleSet map[Handle]struct{}

// Graph is the node arena, the identity index and the edge set.
//
// Thread Safety: NOT safe for concurrent use. See store.Store.
type Graph struct {
	nodes   []node
	index   map[identity.Hash]Handle
	retired map[identity.Hash]Handle
	edges   map[edgeKey]struct{}

	byFile      map[string]handleSet
	byQualified map[string]handleSet
	byName      map[string]handleSet

	liveCount int
}

// NewGraph creates an empty graph.
func NewGraph(opts ...GraphOption) *Graph {
	options := GraphOptions{ExpectedNodes: DefaultExpectedNodes}
	for _, opt := range opts {
		opt(&options)
	}

	return &Graph{
		nodes:       make([]node, 0, options.ExpectedNodes),
		index:       make(map[identity.Hash]Handle, options.ExpectedNodes),
		retired:     make(map[identity.Hash]Handle),
		edges:       make(map[edgeKey]struct{}, options.ExpectedNodes*2),
		byFile:      make(map[string]handleSet),
		byQualified: make(map[string]handleSet),
		byName:      make(map[string]handleSet),
	}
}

// intern returns the canonical copy of s with invalid UTF-8 cleaned.
func intern(s string) string {
	if s == "" {
		return s
	}
	return unique.Make(identity.Clean(s)).Value()
}

func addToSet(m map[string]handleSet, key string, h Handle) {
	set, ok := m[key]
	if !ok {
		set = make(handleSet)
		m[key] = set
	}
	set[h] = struct{}{}
}

func removeFromSet(m map[string]handleSet, key string, h Handle) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(m, key)
	}
}

// UpsertNode inserts entity or replaces the data of the node that already
// carries entity.Hash.
//
// Description:
//
//	An existing hash keeps its handle; only the data changes. A hash that
//	was previously removed revives its old handle. Otherwise a new handle
//	is appended to the arena. Edges of an updated node are untouched.
//
// Inputs:
//
//	e - The entity. Text fields are interned.
//
// Outputs:
//
//	Handle - The node's handle.
//	bool - True if a new node was created, false if one was replaced.
func (g *Graph) UpsertNode(e Entity) (Handle, bool) {
	e.Name = intern(e.Name)
	e.QualifiedName = intern(e.QualifiedName)
	e.Signature = intern(e.Signature)
	e.FilePath = intern(e.FilePath)

	if h, ok := g.index[e.Hash]; ok {
		old := g.nodes[h].entity
		g.unindexNames(h, old)
		g.indexNames(h, e)
		g.nodes[h].entity = e
		return h, false
	}

	h, ok := g.retired[e.Hash]
	if ok {
		delete(g.retired, e.Hash)
		g.nodes[h] = node{entity: e, live: true}
	} else {
		h = Handle(len(g.nodes))
		g.nodes = append(g.nodes, node{entity: e, live: true})
	}

	g.index[e.Hash] = h
	g.indexNames(h, e)
	g.liveCount++
	return h, true
}

func (g *Graph) indexNames(h Handle, e Entity) {
	addToSet(g.byFile, e.FilePath, h)
	if e.QualifiedName != "" {
		addToSet(g.byQualified, e.QualifiedName, h)
	}
	if e.Name != "" {
		addToSet(g.byName, e.Name, h)
	}
}

func (g *Graph) unindexNames(h Handle, e Entity) {
	removeFromSet(g.byFile, e.FilePath, h)
	if e.QualifiedName != "" {
		removeFromSet(g.byQualified, e.QualifiedName, h)
	}
	if e.Name != "" {
		removeFromSet(g.byName, e.Name, h)
	}
}

// GetNode returns the entity stored under hash.
//
// Outputs:
//
//	Entity - A copy of the entity.
//	error - Wraps ErrNotFound if hash is absent.
func (g *Graph) GetNode(hash identity.Hash) (Entity, error) {
	h, ok := g.index[hash]
	if !ok {
		return Entity{}, NotFoundError("get_node", hash)
	}
	return g.nodes[h].entity, nil
}

// Lookup returns the handle of hash.
func (g *Graph) Lookup(hash identity.Hash) (Handle, bool) {
	h, ok := g.index[hash]
	return h, ok
}

// Entity returns the entity at a live handle. The handle must have come from
// this graph and must still be live.
func (g *Graph) Entity(h Handle) Entity {
	return g.nodes[h].entity
}

// HashOf returns the identity at a live handle.
func (g *Graph) HashOf(h Handle) identity.Hash {
	return g.nodes[h].entity.Hash
}

// Outgoing returns the outgoing adjacency of h in insertion order. The slice
// is owned by the graph and must not be modified or retained across writes.
func (g *Graph) Outgoing(h Handle) []Adjacent {
	return g.nodes[h].out
}

// Incoming returns the incoming adjacency of h in insertion order. The slice
// is owned by the graph and must not be modified or retained across writes.
func (g *Graph) Incoming(h Handle) []Adjacent {
	return g.nodes[h].in
}

// UpsertEdge records the edge (from, to, kind).
//
// Description:
//
//	Both endpoints are resolved before anything is modified, so a failure
//	has no effect. Re-inserting an existing triple is a no-op.
//
// Outputs:
//
//	bool - True if the edge was new.
//	error - Wraps ErrNotFound naming the missing endpoint, or
//	        ErrInvalidKind.
func (g *Graph) UpsertEdge(from, to identity.Hash, kind EdgeKind) (bool, error) {
	if !kind.Valid() {
		return false, &Error{Op: "upsert_edge", Phase: PhaseApply, Hash: from, HasHash: true,
			Err: fmt.Errorf("%w: edge kind %d", ErrInvalidKind, uint8(kind))}
	}
	fh, ok := g.index[from]
	if !ok {
		return false, NotFoundError("upsert_edge", from)
	}
	th, ok := g.index[to]
	if !ok {
		return false, NotFoundError("upsert_edge", to)
	}
	return g.linkHandles(fh, th, kind), nil
}

func (g *Graph) linkHandles(from, to Handle, kind EdgeKind) bool {
	key := edgeKey{from: from, to: to, kind: kind}
	if _, exists := g.edges[key]; exists {
		return false
	}
	g.edges[key] = struct{}{}
	g.nodes[from].out = append(g.nodes[from].out, Adjacent{Peer: to, Kind: kind})
	g.nodes[to].in = append(g.nodes[to].in, Adjacent{Peer: from, Kind: kind})
	return true
}

// HasEdge reports whether the triple exists.
func (g *Graph) HasEdge(from, to identity.Hash, kind EdgeKind) bool {
	fh, ok := g.index[from]
	if !ok {
		return false
	}
	th, ok := g.index[to]
	if !ok {
		return false
	}
	_, exists := g.edges[edgeKey{from: fh, to: th, kind: kind}]
	return exists
}

func removeAdjacent(list []Adjacent, peer Handle, kind EdgeKind) []Adjacent {
	for i, a := range list {
		if a.Peer == peer && a.Kind == kind {
			return slices.Delete(list, i, i+1)
		}
	}
	return list
}

// RemoveNodesByFile removes every node attributed to path together with
// every edge touching those nodes.
//
// Outputs:
//
//	nodes - Number of nodes removed.
//	edges - Number of edges removed.
func (g *Graph) RemoveNodesByFile(path string) (nodes, edges int) {
	set, ok := g.byFile[identity.Clean(path)]
	if !ok {
		return 0, 0
	}

	handles := make([]Handle, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}

	for _, h := range handles {
		edges += g.removeNode(h)
		nodes++
	}
	return nodes, edges
}

// removeNode unlinks and retires h. Returns the number of edges removed.
func (g *Graph) removeNode(h Handle) int {
	n := &g.nodes[h]
	removed := 0

	for _, a := range n.out {
		delete(g.edges, edgeKey{from: h, to: a.Peer, kind: a.Kind})
		removed++
		if a.Peer != h {
			g.nodes[a.Peer].in = removeAdjacent(g.nodes[a.Peer].in, h, a.Kind)
		}
	}
	for _, a := range n.in {
		if a.Peer == h {
			continue // self loop, already counted
		}
		delete(g.edges, edgeKey{from: a.Peer, to: h, kind: a.Kind})
		removed++
		g.nodes[a.Peer].out = removeAdjacent(g.nodes[a.Peer].out, h, a.Kind)
	}

	g.unindexNames(h, n.entity)
	delete(g.index, n.entity.Hash)
	g.retired[n.entity.Hash] = h

	n.out = nil
	n.in = nil
	n.live = false
	g.liveCount--
	return removed
}

// compactMinRetired is the retired-slot count below which MaybeCompact
// leaves the arena alone.
const compactMinRetired = 1024

// RetiredCount returns the number of arena slots held by removed nodes.
func (g *Graph) RetiredCount() int {
	return len(g.retired)
}

// Compact rebuilds the arena from live nodes only, dropping every retired
// slot. Returns the number of slots reclaimed.
//
// Description:
//
//	Handles are reassigned in arena order; identities, edges and the
//	outgoing order of each node are preserved. A hash removed before
//	Compact no longer revives its old handle.
//
// Thread Safety: Requires exclusive access. Handles obtained before
// Compact are invalid afterwards.
func (g *Graph) Compact() int {
	reclaimed := len(g.retired)
	if reclaimed == 0 {
		return 0
	}

	fresh := NewGraph(WithExpectedNodes(g.liveCount))
	g.ForEachNode(func(_ Handle, e Entity) bool {
		fresh.UpsertNode(e)
		return true
	})
	g.ForEachEdge(func(e Edge) bool {
		_, _ = fresh.UpsertEdge(e.From, e.To, e.Kind)
		return true
	})
	*g = *fresh
	return reclaimed
}

// MaybeCompact compacts once retired slots reach compactMinRetired and
// outnumber live nodes.
func (g *Graph) MaybeCompact() int {
	if len(g.retired) < compactMinRetired || len(g.retired) <= g.liveCount {
		return 0
	}
	return g.Compact()
}

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int {
	return g.liveCount
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// Handles returns all live handles in arena order.
func (g *Graph) Handles() []Handle {
	out := make([]Handle, 0, g.liveCount)
	for i := range g.nodes {
		if g.nodes[i].live {
			out = append(out, Handle(i))
		}
	}
	return out
}

// ForEachNode calls fn for every live node in arena order until fn returns
// false.
func (g *Graph) ForEachNode(fn func(Handle, Entity) bool) {
	for i := range g.nodes {
		if !g.nodes[i].live {
			continue
		}
		if !fn(Handle(i), g.nodes[i].entity) {
			return
		}
	}
}

// ForEachEdge calls fn for every edge, grouped by source in arena order and
// then in insertion order, until fn returns false.
func (g *Graph) ForEachEdge(fn func(Edge) bool) {
	for i := range g.nodes {
		n := &g.nodes[i]
		if !n.live {
			continue
		}
		for _, a := range n.out {
			e := Edge{From: n.entity.Hash, To: g.nodes[a.Peer].entity.Hash, Kind: a.Kind}
			if !fn(e) {
				return
			}
		}
	}
}

func (g *Graph) entitiesFor(set handleSet) []Entity {
	out := make([]Entity, 0, len(set))
	for h := range set {
		out = append(out, g.nodes[h].entity)
	}
	SortEntities(out)
	return out
}

// SortEntities orders entities by qualified name, then signature, then hash.
// Used wherever a deterministic ordering of a set is required.
func SortEntities(es []Entity) {
	sort.Slice(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if a.QualifiedName != b.QualifiedName {
			return a.QualifiedName < b.QualifiedName
		}
		if a.Signature != b.Signature {
			return a.Signature < b.Signature
		}
		return a.Hash < b.Hash
	})
}

// NodesInFile returns the entities attributed to path, sorted by line.
func (g *Graph) NodesInFile(path string) []Entity {
	out := g.entitiesFor(g.byFile[identity.Clean(path)])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

// FindByName resolves a name to entities.
//
// Description:
//
//	An exact qualified-name match wins. Otherwise every entity whose short
//	name equals name is returned. Results are sorted deterministically.
func (g *Graph) FindByName(name string) []Entity {
	name = identity.Clean(name)
	if set, ok := g.byQualified[name]; ok {
		return g.entitiesFor(set)
	}
	return g.entitiesFor(g.byName[name])
}

// ResolveQualified returns the handles whose qualified name is exactly name,
// sorted ascending.
func (g *Graph) ResolveQualified(name string) []Handle {
	set := g.byQualified[identity.Clean(name)]
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// ResolveName returns the handles whose short name is exactly name, sorted
// ascending.
func (g *Graph) ResolveName(name string) []Handle {
	set := g.byName[identity.Clean(name)]
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// Files returns the sorted list of files that own at least one node.
func (g *Graph) Files() []string {
	out := make([]string, 0, len(g.byFile))
	for f := range g.byFile {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Stats summarizes the graph.
func (g *Graph) Stats() Stats {
	s := Stats{
		NodeCount:   g.liveCount,
		EdgeCount:   len(g.edges),
		FileCount:   len(g.byFile),
		ArenaSize:   len(g.nodes),
		NodesByKind: make(map[string]int, len(kindNames)),
		EdgesByKind: make(map[string]int, len(edgeKindNames)),
	}
	for i := range g.nodes {
		if g.nodes[i].live {
			s.NodesByKind[g.nodes[i].entity.Kind.String()]++
		}
	}
	for k := range g.edges {
		s.EdgesByKind[k.kind.String()]++
	}
	return s
}
