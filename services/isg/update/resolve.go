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
	"strings"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
	"github.com/AleutianAI/isg/services/isg/parse"
)

// kindFilter reports whether an entity kind may sit at an edge endpoint.
type kindFilter func(graph.Kind) bool

func anyKind(graph.Kind) bool { return true }

// endpointFilters returns the accepted kinds for the source and target of
// an edge of kind k.
func endpointFilters(k graph.EdgeKind) (from, to kindFilter) {
	switch k {
	case graph.EdgeCalls:
		return anyKind, func(t graph.Kind) bool { return t == graph.KindFunction }
	case graph.EdgeImplements:
		return func(t graph.Kind) bool { return t != graph.KindFunction },
			func(t graph.Kind) bool { return t == graph.KindInterface }
	case graph.EdgeUses:
		return anyKind, func(t graph.Kind) bool { return t != graph.KindFunction }
	}
	return anyKind, anyKind
}

// resolve maps a ref to exactly one identity in g.
//
// A hash ref resolves if present. A qualified ref resolves by exact match
// only. A name ref is narrowed by its qualifier; with no qualifier match it
// resolves only to a single method candidate, since a call through a
// variable is a method call.
func resolve(g *graph.Graph, ref parse.Ref, accept kindFilter) (identity.Hash, bool) {
	switch {
	case ref.HasHash:
		h, ok := g.Lookup(ref.Hash)
		if !ok || !accept(g.Entity(h).Kind) {
			return 0, false
		}
		return ref.Hash, true

	case ref.QualifiedName != "":
		return single(g, g.ResolveQualified(ref.QualifiedName), accept, func(graph.Entity) bool { return true })

	case ref.Name != "":
		candidates := g.ResolveName(ref.Name)
		if ref.Qualifier != "" {
			if h, ok := single(g, candidates, accept, qualifiedBy(ref.Qualifier)); ok {
				return h, true
			}
			if matches(g, candidates, accept, qualifiedBy(ref.Qualifier)) > 0 {
				return 0, false
			}
			return single(g, candidates, accept, isMethod)
		}
		return single(g, candidates, accept, func(graph.Entity) bool { return true })
	}
	return 0, false
}

func single(g *graph.Graph, handles []graph.Handle, accept kindFilter, keep func(graph.Entity) bool) (identity.Hash, bool) {
	var found identity.Hash
	n := 0
	for _, h := range handles {
		e := g.Entity(h)
		if !accept(e.Kind) || !keep(e) {
			continue
		}
		found = e.Hash
		n++
	}
	return found, n == 1
}

func matches(g *graph.Graph, handles []graph.Handle, accept kindFilter, keep func(graph.Entity) bool) int {
	n := 0
	for _, h := range handles {
		if e := g.Entity(h); accept(e.Kind) && keep(e) {
			n++
		}
	}
	return n
}

// scopeParts splits "a/b/pkg.Type.Method" into ["pkg", "Type"].
func scopeParts(e graph.Entity) []string {
	base := e.QualifiedName
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	parts := strings.Split(base, ".")
	return parts[:len(parts)-1]
}

func qualifiedBy(q string) func(graph.Entity) bool {
	return func(e graph.Entity) bool {
		for _, p := range scopeParts(e) {
			if p == q {
				return true
			}
		}
		return false
	}
}

func isMethod(e graph.Entity) bool {
	return e.Kind == graph.KindFunction && len(scopeParts(e)) >= 2
}
