// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fn(name, file string, line int) graph.Entity {
	return graph.Entity{
		Hash:          identity.Of(name, "func()"),
		Kind:          graph.KindFunction,
		Name:          name,
		QualifiedName: name,
		Signature:     "func()",
		FilePath:      file,
		Line:          line,
	}
}

func TestStore_ScenarioA(t *testing.T) {
	ctx := context.Background()
	s := New()
	foo := fn("foo", "a.go", 1)
	bar := fn("bar", "a.go", 2)
	s.UpsertNode(ctx, foo)
	s.UpsertNode(ctx, bar)

	created, err := s.UpsertEdge(ctx, foo.Hash, bar.Hash, graph.EdgeCalls)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := s.GetNode(bar.Hash)
	require.NoError(t, err)
	assert.Equal(t, "bar", got.Name)
}

func TestStore_UpsertEdgeMissingEndpoint(t *testing.T) {
	ctx := context.Background()
	s := New()
	foo := fn("foo", "a.go", 1)
	s.UpsertNode(ctx, foo)

	_, err := s.UpsertEdge(ctx, foo.Hash, identity.Hash(1), graph.EdgeCalls)
	assert.ErrorIs(t, err, graph.ErrNotFound)
	assert.Equal(t, 0, s.Stats().EdgeCount)
}

func TestStore_GenerationAdvancesOnWrite(t *testing.T) {
	ctx := context.Background()
	s := New()
	g0 := s.Generation()
	s.UpsertNode(ctx, fn("foo", "a.go", 1))
	assert.Greater(t, s.Generation(), g0)

	g1 := s.Generation()
	_ = s.FindByName("foo")
	assert.Equal(t, g1, s.Generation(), "reads do not advance the generation")
}

func TestStore_Replace(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.UpsertNode(ctx, fn("old", "a.go", 1))

	fresh := graph.NewGraph()
	fresh.UpsertNode(fn("new1", "b.go", 1))
	fresh.UpsertNode(fn("new2", "b.go", 2))
	s.Replace(ctx, fresh)

	assert.Equal(t, 2, s.Stats().NodeCount)
	assert.Empty(t, s.FindByName("old"))

	s.Replace(ctx, nil)
	assert.Equal(t, 2, s.Stats().NodeCount, "nil replacement is ignored")
}

// TestStore_ReadersNeverObservePartialUpdate swaps a file's two nodes in a
// single write while readers check that both nodes always come from the
// same version.
func TestStore_ReadersNeverObservePartialUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()
	apply := func(version int) {
		_ = s.Update(ctx, func(g *graph.Graph) error {
			g.RemoveNodesByFile("f.go")
			a := fn("A", "f.go", version)
			a.Hash = identity.Of("A", "v"+string(rune('a'+version%26)))
			b := fn("B", "f.go", version)
			b.Hash = identity.Of("B", "v"+string(rune('a'+version%26)))
			g.UpsertNode(a)
			g.UpsertNode(b)
			_, err := g.UpsertEdge(a.Hash, b.Hash, graph.EdgeCalls)
			return err
		})
	}
	apply(0)

	const readers = 8
	const writes = 500
	var wg sync.WaitGroup
	stop := make(chan struct{})
	var violations atomic.Int64

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = s.View(func(g *graph.Graph) error {
					nodes := g.NodesInFile("f.go")
					if len(nodes) != 2 {
						violations.Add(1)
						return nil
					}
					if nodes[0].Line != nodes[1].Line {
						violations.Add(1)
						return nil
					}
					if g.EdgeCount() != 1 {
						violations.Add(1)
					}
					return nil
				})
			}
		}()
	}

	for v := 1; v <= writes; v++ {
		apply(v)
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, violations.Load(), "readers observed a partial update")
}
