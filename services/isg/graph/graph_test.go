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
	"errors"
	"testing"

	"github.com/AleutianAI/isg/services/isg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entity(kind Kind, qualified, sig, file string, line int) Entity {
	name := qualified
	for i := len(qualified) - 1; i >= 0; i-- {
		if qualified[i] == '.' {
			name = qualified[i+1:]
			break
		}
	}
	return Entity{
		Hash:          identity.Of(qualified, sig),
		Kind:          kind,
		Name:          name,
		QualifiedName: qualified,
		Signature:     sig,
		FilePath:      file,
		Line:          line,
	}
}

func TestUpsertNode_CountMatchesDistinctHashes(t *testing.T) {
	g := NewGraph()
	for i, name := range []string{"a.A", "a.B", "a.C", "a.A"} {
		g.UpsertNode(entity(KindFunction, name, "func()", "a.go", i+1))
	}
	assert.Equal(t, 3, g.NodeCount())
}

func TestUpsertNode_Idempotent(t *testing.T) {
	g := NewGraph()
	e := entity(KindType, "a.S", "type S struct", "a.go", 3)

	h1, created := g.UpsertNode(e)
	assert.True(t, created)
	h2, created := g.UpsertNode(e)
	assert.False(t, created)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, g.NodeCount())
	got, err := g.GetNode(e.Hash)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestUpsertNode_ReplacesDataKeepsHandle(t *testing.T) {
	g := NewGraph()
	e := entity(KindFunction, "a.F", "func()", "a.go", 1)
	h1, _ := g.UpsertNode(e)

	e.Line = 42
	h2, created := g.UpsertNode(e)
	assert.False(t, created)
	assert.Equal(t, h1, h2)

	got, err := g.GetNode(e.Hash)
	require.NoError(t, err)
	assert.Equal(t, 42, got.Line)
}

func TestGetNode_NotFound(t *testing.T) {
	g := NewGraph()
	_, err := g.GetNode(identity.Hash(7))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	detail, ok := ErrorDetail(err)
	require.True(t, ok)
	assert.True(t, detail.HasHash)
	assert.Equal(t, identity.Hash(7), detail.Hash)
	assert.Equal(t, PhaseLookup, detail.Phase)
}

func TestUpsertEdge_Idempotent(t *testing.T) {
	g := NewGraph()
	a := entity(KindFunction, "a.A", "func()", "a.go", 1)
	b := entity(KindFunction, "a.B", "func()", "a.go", 2)
	g.UpsertNode(a)
	g.UpsertNode(b)

	created, err := g.UpsertEdge(a.Hash, b.Hash, EdgeCalls)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = g.UpsertEdge(a.Hash, b.Hash, EdgeCalls)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, 1, g.EdgeCount())
	ha, _ := g.Lookup(a.Hash)
	assert.Len(t, g.Outgoing(ha), 1)

	// Same endpoints, different kind is a distinct edge.
	created, err = g.UpsertEdge(a.Hash, b.Hash, EdgeUses)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, g.EdgeCount())
}

func TestUpsertEdge_MissingEndpointHasNoEffect(t *testing.T) {
	g := NewGraph()
	a := entity(KindFunction, "a.A", "func()", "a.go", 1)
	g.UpsertNode(a)
	missing := identity.Of("a.Missing", "func()")

	_, err := g.UpsertEdge(a.Hash, missing, EdgeCalls)
	assert.ErrorIs(t, err, ErrNotFound)
	detail, ok := ErrorDetail(err)
	require.True(t, ok)
	assert.Equal(t, missing, detail.Hash)

	_, err = g.UpsertEdge(missing, a.Hash, EdgeCalls)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 0, g.EdgeCount())
	ha, _ := g.Lookup(a.Hash)
	assert.Empty(t, g.Outgoing(ha))
	assert.Empty(t, g.Incoming(ha))
}

func TestUpsertEdge_InvalidKind(t *testing.T) {
	g := NewGraph()
	a := entity(KindFunction, "a.A", "func()", "a.go", 1)
	g.UpsertNode(a)

	_, err := g.UpsertEdge(a.Hash, a.Hash, EdgeKind(99))
	assert.ErrorIs(t, err, ErrInvalidKind)
	assert.Equal(t, 0, g.EdgeCount())
}

func TestRemoveNodesByFile(t *testing.T) {
	g := NewGraph()
	a1 := entity(KindFunction, "a.One", "func()", "a.x", 1)
	a2 := entity(KindFunction, "a.Two", "func()", "a.x", 2)
	b1 := entity(KindFunction, "b.One", "func()", "b.x", 1)
	for _, e := range []Entity{a1, a2, b1} {
		g.UpsertNode(e)
	}
	_, err := g.UpsertEdge(b1.Hash, a1.Hash, EdgeCalls)
	require.NoError(t, err)
	_, err = g.UpsertEdge(a2.Hash, b1.Hash, EdgeCalls)
	require.NoError(t, err)
	_, err = g.UpsertEdge(a1.Hash, a2.Hash, EdgeCalls)
	require.NoError(t, err)

	nodes, edges := g.RemoveNodesByFile("a.x")
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 3, edges)

	assert.Equal(t, 1, g.NodeCount())
	assert.Equal(t, 0, g.EdgeCount())
	_, err = g.GetNode(b1.Hash)
	require.NoError(t, err)
	_, err = g.GetNode(a1.Hash)
	assert.ErrorIs(t, err, ErrNotFound)

	hb, _ := g.Lookup(b1.Hash)
	assert.Empty(t, g.Outgoing(hb))
	assert.Empty(t, g.Incoming(hb))
	assert.Equal(t, []string{"b.x"}, g.Files())

	// Re-parse with a changed signature yields a new identity.
	changed := entity(KindFunction, "a.One", "func(x int)", "a.x", 1)
	g.UpsertNode(changed)
	assert.NotEqual(t, a1.Hash, changed.Hash)
	_, err = g.GetNode(changed.Hash)
	require.NoError(t, err)
	assert.Equal(t, 2, g.NodeCount())
}

func TestRemoveNodesByFile_UnknownFile(t *testing.T) {
	g := NewGraph()
	nodes, edges := g.RemoveNodesByFile("nope.go")
	assert.Zero(t, nodes)
	assert.Zero(t, edges)
}

func TestRemoveNodesByFile_SelfLoop(t *testing.T) {
	g := NewGraph()
	r := entity(KindFunction, "a.Rec", "func()", "a.go", 1)
	g.UpsertNode(r)
	_, err := g.UpsertEdge(r.Hash, r.Hash, EdgeCalls)
	require.NoError(t, err)

	_, edges := g.RemoveNodesByFile("a.go")
	assert.Equal(t, 1, edges)
	assert.Equal(t, 0, g.EdgeCount())
}

func TestHandles_StableAcrossRemoval(t *testing.T) {
	g := NewGraph()
	a := entity(KindFunction, "a.A", "func()", "a.go", 1)
	b := entity(KindFunction, "b.B", "func()", "b.go", 1)
	ha, _ := g.UpsertNode(a)
	hb, _ := g.UpsertNode(b)

	g.RemoveNodesByFile("a.go")
	c := entity(KindFunction, "c.C", "func()", "c.go", 1)
	hc, _ := g.UpsertNode(c)

	assert.NotEqual(t, ha, hc, "retired handle must not go to another identity")
	got, _ := g.Lookup(b.Hash)
	assert.Equal(t, hb, got)

	revived, created := g.UpsertNode(a)
	assert.True(t, created)
	assert.Equal(t, ha, revived, "same identity revives its handle")
}

func TestFindByName(t *testing.T) {
	g := NewGraph()
	f1 := entity(KindFunction, "pkg.Run", "func()", "a.go", 1)
	f2 := entity(KindFunction, "other.Run", "func() error", "b.go", 1)
	g.UpsertNode(f1)
	g.UpsertNode(f2)

	byShort := g.FindByName("Run")
	require.Len(t, byShort, 2)
	assert.Equal(t, "other.Run", byShort[0].QualifiedName)
	assert.Equal(t, "pkg.Run", byShort[1].QualifiedName)

	byQualified := g.FindByName("pkg.Run")
	require.Len(t, byQualified, 1)
	assert.Equal(t, f1.Hash, byQualified[0].Hash)

	assert.Empty(t, g.FindByName("Missing"))
}

func TestStats(t *testing.T) {
	g := NewGraph()
	i := entity(KindInterface, "a.I", "type I interface", "a.go", 1)
	s := entity(KindType, "a.S", "type S struct", "a.go", 5)
	g.UpsertNode(i)
	g.UpsertNode(s)
	_, err := g.UpsertEdge(s.Hash, i.Hash, EdgeImplements)
	require.NoError(t, err)

	stats := g.Stats()
	assert.Equal(t, 2, stats.NodeCount)
	assert.Equal(t, 1, stats.EdgeCount)
	assert.Equal(t, 1, stats.FileCount)
	assert.Equal(t, 1, stats.NodesByKind["interface"])
	assert.Equal(t, 1, stats.EdgesByKind["implements"])
}

func TestForEachEdge_Deterministic(t *testing.T) {
	build := func() []Edge {
		g := NewGraph()
		a := entity(KindFunction, "a.A", "func()", "a.go", 1)
		b := entity(KindFunction, "a.B", "func()", "a.go", 2)
		c := entity(KindFunction, "a.C", "func()", "a.go", 3)
		for _, e := range []Entity{a, b, c} {
			g.UpsertNode(e)
		}
		_, _ = g.UpsertEdge(a.Hash, b.Hash, EdgeCalls)
		_, _ = g.UpsertEdge(a.Hash, c.Hash, EdgeCalls)
		_, _ = g.UpsertEdge(b.Hash, c.Hash, EdgeUses)

		var edges []Edge
		g.ForEachEdge(func(e Edge) bool {
			edges = append(edges, e)
			return true
		})
		return edges
	}
	assert.Equal(t, build(), build())
}

func TestKindText(t *testing.T) {
	for _, k := range []Kind{KindFunction, KindType, KindInterface} {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var back Kind
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, k, back)
	}
	_, err := ParseEdgeKind("extends")
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestError_Format(t *testing.T) {
	err := &Error{Op: "blast_radius", Phase: PhaseTraverse, Hash: identity.Hash(255), HasHash: true, File: "x.go", Err: ErrTimeout}
	assert.Equal(t, "blast_radius [traverse] hash=00000000000000ff file=x.go: query timed out", err.Error())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCompact_ReclaimsRetiredSlots(t *testing.T) {
	g := NewGraph()
	caller := entity(KindFunction, "a.Caller", "func()", "a.go", 1)
	g.UpsertNode(caller)

	// Each signature change retires the previous identity.
	var last Entity
	for i := 0; i < 50; i++ {
		_, _ = g.RemoveNodesByFile("b.go")
		last = entity(KindFunction, "b.Callee", "func(int) // "+string(rune('a'+i%26))+string(rune('a'+i/26)), "b.go", 1)
		g.UpsertNode(last)
		_, err := g.UpsertEdge(caller.Hash, last.Hash, EdgeCalls)
		require.NoError(t, err)
	}
	assert.Equal(t, 49, g.RetiredCount())
	assert.Len(t, g.nodes, 51)

	assert.Equal(t, 49, g.Compact())
	assert.Zero(t, g.RetiredCount())
	assert.Len(t, g.nodes, 2)
	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 1, g.EdgeCount())
	assert.True(t, g.HasEdge(caller.Hash, last.Hash, EdgeCalls))
	assert.Len(t, g.NodesInFile("b.go"), 1)
	assert.Len(t, g.FindByName("Callee"), 1)
	assert.Zero(t, g.Compact())
}

func TestMaybeCompact_Threshold(t *testing.T) {
	g := NewGraph()
	for i := 0; i < compactMinRetired; i++ {
		e := entity(KindFunction, "a.F", "func() // "+identity.Hash(i).String(), "a.go", 1)
		g.UpsertNode(e)
		_, _ = g.RemoveNodesByFile("a.go")
		if i == compactMinRetired-2 {
			assert.Zero(t, g.MaybeCompact(), "below the threshold")
		}
	}
	g.UpsertNode(entity(KindFunction, "a.Live", "func()", "a.go", 1))
	assert.Equal(t, compactMinRetired, g.MaybeCompact())
	assert.Len(t, g.nodes, 1)
}
