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
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
	"github.com/AleutianAI/isg/services/isg/parse"
	"github.com/AleutianAI/isg/services/isg/store"
)

// recordsParser decodes FileRecords from JSON content. Content starting
// with "!" fails to parse.
type recordsParser struct{}

func (recordsParser) Parse(_ context.Context, content []byte, filePath string) (*parse.FileRecords, error) {
	if strings.HasPrefix(string(content), "!") {
		return nil, &parse.ParseError{FilePath: filePath, Line: 1, Message: "forced failure", Cause: parse.ErrSyntax}
	}
	rec := parse.NewFileRecords(filePath, "records")
	if err := json.Unmarshal(content, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (recordsParser) Language() string     { return "records" }
func (recordsParser) Extensions() []string { return []string{".x"} }

func fn(qualified, sig string, line int) parse.EntityRecord {
	name := qualified[strings.LastIndex(qualified, ".")+1:]
	return parse.EntityRecord{Kind: graph.KindFunction, Name: name, QualifiedName: qualified, Signature: sig, Line: line}
}

func calls(from, to string) parse.Relationship {
	return parse.Relationship{
		From: parse.Ref{QualifiedName: from},
		To:   parse.Ref{QualifiedName: to},
		Kind: graph.EdgeCalls,
	}
}

func file(t *testing.T, entities []parse.EntityRecord, rels ...parse.Relationship) *fstest.MapFile {
	t.Helper()
	rec := parse.FileRecords{Entities: entities, Relationships: rels}
	if rec.Relationships == nil {
		rec.Relationships = []parse.Relationship{}
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return &fstest.MapFile{Data: data}
}

func newPipeline(fsys fstest.MapFS, opts ...Option) (*Pipeline, *store.Store) {
	s := store.New()
	opts = append([]Option{WithFS(fsys)}, opts...)
	return NewPipeline(s, parse.NewRegistry(recordsParser{}), opts...), s
}

func scenarioFS(t *testing.T) fstest.MapFS {
	return fstest.MapFS{
		"a.x": file(t,
			[]parse.EntityRecord{fn("a.A1", "func()", 1), fn("a.A2", "func()", 2)},
			calls("a.A1", "b.B"),
		),
		"b.x": file(t,
			[]parse.EntityRecord{fn("b.B", "func()", 1)},
			calls("b.B", "a.A2"),
		),
	}
}

func TestPipeline_ScenarioC(t *testing.T) {
	ctx := context.Background()
	fsys := scenarioFS(t)
	p, s := newPipeline(fsys)

	res, err := p.IndexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesParsed)
	assert.Equal(t, 3, res.NodesAdded)
	assert.Equal(t, 2, res.EdgesAdded, "edges across files in one batch resolve")
	assert.Zero(t, res.Unresolved)

	oldA1 := identity.Of("a.A1", "func()")
	res, err = p.RemoveFile(ctx, "a.x")
	require.NoError(t, err)
	assert.Equal(t, 2, res.NodesRemoved)
	assert.Equal(t, 2, res.EdgesRemoved)

	stats := s.Stats()
	assert.Equal(t, 1, stats.NodeCount)
	assert.Zero(t, stats.EdgeCount)
	assert.Len(t, s.NodesInFile("b.x"), 1)

	fsys["a.x"] = file(t, []parse.EntityRecord{fn("a.A1", "func(int)", 1), fn("a.A2", "func()", 2)})
	_, err = p.UpdateFile(ctx, "a.x")
	require.NoError(t, err)

	_, err = s.GetNode(oldA1)
	assert.ErrorIs(t, err, graph.ErrNotFound)
	restored, err := s.GetNode(identity.Of("a.A1", "func(int)"))
	require.NoError(t, err)
	assert.Equal(t, "a.x", restored.FilePath)
	assert.Equal(t, 3, s.Stats().NodeCount)
}

func TestPipeline_ParseFailureIsolated(t *testing.T) {
	ctx := context.Background()
	fsys := scenarioFS(t)
	p, s := newPipeline(fsys)
	_, err := p.IndexAll(ctx)
	require.NoError(t, err)

	fsys["a.x"] = &fstest.MapFile{Data: []byte("!broken")}
	fsys["b.x"] = file(t, []parse.EntityRecord{fn("b.B", "func(string)", 1)})

	res, err := p.ApplyChanges(ctx, []Change{
		{Path: "a.x", Kind: ChangeModify},
		{Path: "b.x", Kind: ChangeModify},
	})
	require.NoError(t, err, "parse failures are not batch errors")
	require.Len(t, res.ParseErrors, 1)
	assert.Equal(t, 1, res.FilesParsed)

	fe := res.ParseErrors[0]
	assert.Equal(t, "a.x", fe.FilePath)
	assert.ErrorIs(t, fe.Err, graph.ErrParseFailure)
	assert.ErrorIs(t, fe.Err, parse.ErrSyntax)
	detail, ok := graph.ErrorDetail(fe.Err)
	require.True(t, ok)
	assert.Equal(t, graph.PhaseParse, detail.Phase)
	assert.Equal(t, "a.x", detail.File)
	assert.NotEmpty(t, fe.Message)

	assert.Len(t, s.NodesInFile("a.x"), 2, "failed file keeps previous entities")
	_, err = s.GetNode(identity.Of("b.B", "func(string)"))
	assert.NoError(t, err, "sibling applied")
	assert.True(t, p.Dirty().IsDirty("a.x"))
	assert.False(t, p.Dirty().IsDirty("b.x"))

	fsys["a.x"] = file(t, []parse.EntityRecord{fn("a.A1", "func()", 1)})
	res, err = p.RetryDirty(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.ParseErrors)
	assert.False(t, p.Dirty().HasDirty())
	assert.Len(t, s.NodesInFile("a.x"), 1)
}

func TestPipeline_RestoresInboundEdges(t *testing.T) {
	ctx := context.Background()
	fsys := scenarioFS(t)
	p, s := newPipeline(fsys)
	_, err := p.IndexAll(ctx)
	require.NoError(t, err)

	b := identity.Of("b.B", "func()")
	a2 := identity.Of("a.A2", "func()")
	res, err := p.UpdateFile(ctx, "a.x")
	require.NoError(t, err)
	assert.Equal(t, 1, res.EdgesRestored)
	require.NoError(t, s.View(func(g *graph.Graph) error {
		assert.True(t, g.HasEdge(b, a2, graph.EdgeCalls))
		return nil
	}))

	fsys["a.x"] = file(t, []parse.EntityRecord{fn("a.A1", "func()", 1), fn("a.A2", "func(bool)", 2)})
	res, err = p.UpdateFile(ctx, "a.x")
	require.NoError(t, err)
	assert.Zero(t, res.EdgesRestored)
	assert.Equal(t, 1, res.EdgesLinked, "the caller follows the new identity by name")
	require.NoError(t, s.View(func(g *graph.Graph) error {
		assert.False(t, g.HasEdge(b, a2, graph.EdgeCalls))
		assert.True(t, g.HasEdge(b, identity.Of("a.A2", "func(bool)"), graph.EdgeCalls))
		return nil
	}))
}

func TestPipeline_ChunkingDoesNotDropEdges(t *testing.T) {
	ctx := context.Background()
	whole, wholeStore := newPipeline(scenarioFS(t))
	_, err := whole.IndexAll(ctx)
	require.NoError(t, err)

	p, s := newPipeline(scenarioFS(t), WithConfig(Config{MaxFilesPerBatch: 1}))
	res, err := p.IndexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EdgesAdded+res.EdgesLinked)
	assert.Zero(t, res.Unresolved)
	assert.Zero(t, p.Pending())
	assert.Equal(t, wholeStore.Stats(), s.Stats())
	require.NoError(t, s.View(func(g *graph.Graph) error {
		assert.True(t, g.HasEdge(identity.Of("a.A1", "func()"), identity.Of("b.B", "func()"), graph.EdgeCalls))
		assert.True(t, g.HasEdge(identity.Of("b.B", "func()"), identity.Of("a.A2", "func()"), graph.EdgeCalls))
		return nil
	}))
}

func TestPipeline_LateTargetLinksWaitingCaller(t *testing.T) {
	ctx := context.Background()
	fsys := scenarioFS(t)
	bFile := fsys["b.x"]
	delete(fsys, "b.x")
	p, s := newPipeline(fsys)

	res, err := p.IndexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unresolved)
	assert.Equal(t, 1, p.Pending())

	a1 := identity.Of("a.A1", "func()")
	bB := identity.Of("b.B", "func()")
	fsys["b.x"] = bFile
	res, err = p.UpdateFile(ctx, "b.x")
	require.NoError(t, err)
	assert.Equal(t, 1, res.EdgesAdded)
	assert.Equal(t, 1, res.EdgesLinked)
	assert.Zero(t, res.Unresolved)
	assert.Zero(t, p.Pending())
	require.NoError(t, s.View(func(g *graph.Graph) error {
		assert.True(t, g.HasEdge(a1, bB, graph.EdgeCalls), "a.x was not re-parsed but gains its edge")
		return nil
	}))

	// Removing and restoring the target brings the edge back as well.
	_, err = p.RemoveFile(ctx, "b.x")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Pending())
	res, err = p.UpdateFile(ctx, "b.x")
	require.NoError(t, err)
	assert.Equal(t, 1, res.EdgesLinked)
	require.NoError(t, s.View(func(g *graph.Graph) error {
		assert.True(t, g.HasEdge(a1, bB, graph.EdgeCalls))
		return nil
	}))

	// Re-parsing the caller replaces whatever it had waiting.
	fsys["a.x"] = file(t, []parse.EntityRecord{fn("a.A1", "func()", 1), fn("a.A2", "func()", 2)})
	_, err = p.RemoveFile(ctx, "b.x")
	require.NoError(t, err)
	_, err = p.UpdateFile(ctx, "a.x")
	require.NoError(t, err)
	assert.Zero(t, p.Pending())
}

func TestPipeline_RemoveAndReinsertIsAtomic(t *testing.T) {
	ctx := context.Background()
	fsys := scenarioFS(t)
	p, s := newPipeline(fsys)
	_, err := p.IndexAll(ctx)
	require.NoError(t, err)

	var (
		wg         sync.WaitGroup
		stop       atomic.Bool
		violations atomic.Int64
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				_ = s.View(func(g *graph.Graph) error {
					if n := len(g.NodesInFile("a.x")); n != 2 {
						violations.Add(1)
					}
					return nil
				})
			}
		}()
	}

	for i := 0; i < 100; i++ {
		sig := "func()"
		if i%2 == 0 {
			sig = "func(int)"
		}
		fsys["a.x"] = file(t, []parse.EntityRecord{fn("a.A1", sig, 1), fn("a.A2", sig, 2)})
		_, err := p.UpdateFile(ctx, "a.x")
		require.NoError(t, err)
	}
	stop.Store(true)
	wg.Wait()
	assert.Zero(t, violations.Load(), "a reader observed a half-applied file")
}

func TestPipeline_VanishedFileIsRemoved(t *testing.T) {
	ctx := context.Background()
	fsys := scenarioFS(t)
	p, s := newPipeline(fsys)
	_, err := p.IndexAll(ctx)
	require.NoError(t, err)

	delete(fsys, "a.x")
	res, err := p.UpdateFile(ctx, "a.x")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesRemoved)
	assert.Empty(t, s.NodesInFile("a.x"))
}

func TestPipeline_CancelledAppliesNothing(t *testing.T) {
	p, s := newPipeline(scenarioFS(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.IndexAll(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, s.Stats().NodeCount)
	assert.Zero(t, s.Generation())
}

func TestPipeline_IndexAllFiltersAndPrunes(t *testing.T) {
	ctx := context.Background()
	fsys := scenarioFS(t)
	fsys["vendor/v.x"] = file(t, []parse.EntityRecord{fn("v.V", "func()", 1)})
	fsys["README.md"] = &fstest.MapFile{Data: []byte("# readme")}
	p, s := newPipeline(fsys)

	paths, err := p.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.x", "b.x"}, paths)

	_, err = p.IndexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.x", "b.x"}, s.Files())

	delete(fsys, "b.x")
	res, err := p.IndexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesRemoved)
	assert.Empty(t, s.NodesInFile("b.x"))
}

func TestPipeline_SkipsUnsupported(t *testing.T) {
	p, _ := newPipeline(fstest.MapFS{"notes.txt": &fstest.MapFile{Data: []byte("hi")}})
	res, err := p.UpdateFile(context.Background(), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesSkipped)
	assert.Zero(t, res.FilesParsed)
}

func TestPipeline_MaxFileSize(t *testing.T) {
	p, _ := newPipeline(scenarioFS(t), WithConfig(Config{MaxFileSize: 4}))
	res, err := p.UpdateFile(context.Background(), "a.x")
	require.NoError(t, err)
	require.Len(t, res.ParseErrors, 1)
	assert.ErrorIs(t, res.ParseErrors[0].Err, parse.ErrFileTooLarge)
}

func TestPipeline_LatencyBudget(t *testing.T) {
	p, _ := newPipeline(scenarioFS(t), WithConfig(Config{LatencyBudget: time.Nanosecond}))
	res, err := p.IndexAll(context.Background())
	require.NoError(t, err, "budget overruns never fail")
	assert.True(t, res.OverBudget)
}

func TestPipeline_ApplyBatch(t *testing.T) {
	ctx := context.Background()
	p, s := newPipeline(fstest.MapFS{})

	a := parse.NewFileRecords("a.x", "records")
	a.Entities = append(a.Entities, fn("a.F", "func()", 1))
	a.Relationships = append(a.Relationships, calls("a.F", "b.G"), calls("a.F", "missing.H"))
	b := parse.NewFileRecords("b.x", "records")
	b.Entities = append(b.Entities, fn("b.G", "func()", 1))

	res, err := p.ApplyBatch(ctx, []*parse.FileRecords{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, res.NodesAdded)
	assert.Equal(t, 1, res.EdgesAdded)
	assert.Equal(t, 1, res.Unresolved)
	assert.Equal(t, 1, s.Stats().EdgeCount)
}

func TestPipeline_GoSources(t *testing.T) {
	ctx := context.Background()
	fsys := fstest.MapFS{
		"lib/store.go": &fstest.MapFile{Data: []byte(`package lib

type Getter interface {
	Get(key string) string
}

type Store struct{}

func (s *Store) Get(key string) string { return key }
`)},
		"app/main.go": &fstest.MapFile{Data: []byte(`package main

import "example.com/lib"

func run(g lib.Getter) string {
	return g.Get("k")
}

func main() {
	run(&lib.Store{})
}
`)},
	}
	s := store.New()
	p := NewPipeline(s, parse.NewRegistry(parse.NewGoParser()), WithFS(fsys))

	res, err := p.IndexAll(ctx)
	require.NoError(t, err)
	require.Empty(t, res.ParseErrors)

	require.NoError(t, s.View(func(g *graph.Graph) error {
		get := g.FindByName("lib.Store.Get")
		require.Len(t, get, 1)
		run := g.FindByName("app.run")
		require.Len(t, run, 1)
		entry := g.FindByName("app.main")
		require.Len(t, entry, 1)
		impl := g.FindByName("lib.Store")
		require.Len(t, impl, 1)
		getter := g.FindByName("lib.Getter")
		require.Len(t, getter, 1)

		assert.True(t, g.HasEdge(entry[0].Hash, run[0].Hash, graph.EdgeCalls))
		assert.True(t, g.HasEdge(run[0].Hash, getter[0].Hash, graph.EdgeUses), "qualified type resolves by package")
		assert.True(t, g.HasEdge(run[0].Hash, get[0].Hash, graph.EdgeCalls), "variable receiver resolves to the unique method")
		assert.True(t, g.HasEdge(impl[0].Hash, getter[0].Hash, graph.EdgeImplements))
		return nil
	}))
}

func TestCoalesceAndChunk(t *testing.T) {
	got := coalesce([]Change{
		{Path: "b", Kind: ChangeCreate},
		{Path: "a", Kind: ChangeModify},
		{Path: "b", Kind: ChangeRemove},
	})
	assert.Equal(t, []Change{{Path: "a", Kind: ChangeModify}, {Path: "b", Kind: ChangeRemove}}, got)

	chunks := chunked(make([]Change, 5), 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 1)
	assert.Len(t, chunked(make([]Change, 5), 0), 1)
	assert.Equal(t, "remove", ChangeRemove.String())
}
