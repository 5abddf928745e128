// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/isg/services/isg/graph"
)

const shapesSource = `package shapes

import "fmt"

type Shape interface {
	Area() float64
	Name() string
}

type Square struct {
	Side  float64
	Label Label
}

type Label string

func (s *Square) Area() float64 { return s.Side * s.Side }

func (s *Square) Name() string { return describe(s) }

func describe(sh Shape) string {
	return fmt.Sprintf("%v", sh.Area())
}

func init() {}

var _ Shape = (*Square)(nil)
`

func parseShapes(t *testing.T) *FileRecords {
	t.Helper()
	recs, err := NewGoParser().Parse(context.Background(), []byte(shapesSource), "geo/shapes.go")
	require.NoError(t, err)
	return recs
}

func entityByName(recs *FileRecords, qualified string) (EntityRecord, bool) {
	for _, e := range recs.Entities {
		if e.QualifiedName == qualified {
			return e, true
		}
	}
	return EntityRecord{}, false
}

func hasRel(recs *FileRecords, from Ref, to string, kind graph.EdgeKind) bool {
	for _, r := range recs.Relationships {
		if r.Kind == kind && r.From.key() == from.key() && r.To.String() == to {
			return true
		}
	}
	return false
}

func TestGoParser_Entities(t *testing.T) {
	recs := parseShapes(t)
	assert.Equal(t, "shapes", recs.Package)
	assert.Equal(t, "go", recs.Language)
	assert.Equal(t, "geo/shapes.go", recs.FilePath)
	assert.Len(t, recs.Entities, 6, "init is not an entity")

	want := map[string]graph.Kind{
		"geo.Shape":       graph.KindInterface,
		"geo.Square":      graph.KindType,
		"geo.Label":       graph.KindType,
		"geo.Square.Area": graph.KindFunction,
		"geo.Square.Name": graph.KindFunction,
		"geo.describe":    graph.KindFunction,
	}
	for qn, kind := range want {
		e, ok := entityByName(recs, qn)
		if assert.True(t, ok, qn) {
			assert.Equal(t, kind, e.Kind, qn)
			assert.Greater(t, e.Line, 0, qn)
		}
	}

	describe, _ := entityByName(recs, "geo.describe")
	assert.Equal(t, "describe", describe.Name)
	assert.Equal(t, "func(sh Shape) string", describe.Signature)
	assert.Equal(t, 21, describe.Line)
}

func TestGoParser_Relationships(t *testing.T) {
	recs := parseShapes(t)
	ref := func(qn string) Ref {
		e, ok := entityByName(recs, qn)
		require.True(t, ok, qn)
		return HashRef(e.Hash())
	}

	shape, _ := entityByName(recs, "geo.Shape")
	assert.True(t, hasRel(recs, ref("geo.Square"), shape.Hash().String(), graph.EdgeImplements),
		"method set covers the interface")
	assert.True(t, hasRel(recs, Ref{QualifiedName: "geo.Square"}, "geo.Shape", graph.EdgeImplements),
		"compile-time assertion")

	assert.True(t, hasRel(recs, ref("geo.Square"), "geo.Label", graph.EdgeUses))
	assert.True(t, hasRel(recs, ref("geo.Square.Area"), "geo.Square", graph.EdgeUses))
	assert.True(t, hasRel(recs, ref("geo.describe"), "geo.Shape", graph.EdgeUses))

	assert.True(t, hasRel(recs, ref("geo.Square.Name"), "geo.describe", graph.EdgeCalls))
	assert.True(t, hasRel(recs, ref("geo.describe"), "fmt.Sprintf", graph.EdgeCalls))
	assert.True(t, hasRel(recs, ref("geo.describe"), "sh.Area", graph.EdgeCalls))

	for _, r := range recs.Relationships {
		assert.NotEqual(t, "float64", r.To.Name)
		assert.False(t, strings.HasSuffix(r.To.QualifiedName, ".float64"))
	}
}

func TestGoParser_ReceiverCallsQualify(t *testing.T) {
	src := `package box

type Box struct{}

func (b *Box) Open() { b.check() }

func (b *Box) check() {}
`
	recs, err := NewGoParser().Parse(context.Background(), []byte(src), "pkg/box/box.go")
	require.NoError(t, err)
	open, ok := entityByName(recs, "pkg/box.Box.Open")
	require.True(t, ok)
	assert.True(t, hasRel(recs, HashRef(open.Hash()), "pkg/box.Box.check", graph.EdgeCalls))
}

func TestGoParser_Deterministic(t *testing.T) {
	a := parseShapes(t)
	b := parseShapes(t)
	assert.Equal(t, a, b)
}

func TestGoParser_SignatureChangeChangesIdentity(t *testing.T) {
	p := NewGoParser()
	before, err := p.Parse(context.Background(), []byte("package a\n\nfunc F(x int) {}\n"), "a.go")
	require.NoError(t, err)
	after, err := p.Parse(context.Background(), []byte("package a\n\nfunc F(x, y int) {}\n"), "a.go")
	require.NoError(t, err)

	require.Len(t, before.Entities, 1)
	require.Len(t, after.Entities, 1)
	assert.Equal(t, "a.F", before.Entities[0].QualifiedName)
	assert.NotEqual(t, before.Entities[0].Hash(), after.Entities[0].Hash())

	// Whitespace does not change identity.
	spaced, err := p.Parse(context.Background(), []byte("package a\n\nfunc F(x   int)   {}\n"), "a.go")
	require.NoError(t, err)
	assert.Equal(t, before.Entities[0].Hash(), spaced.Entities[0].Hash())
}

func TestGoParser_SyntaxError(t *testing.T) {
	src := []byte("package a\n\nfunc F( {\n")
	_, err := NewGoParser().Parse(context.Background(), src, "bad.go")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyntax)
	assert.True(t, IsParseError(err))

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad.go", pe.FilePath)
	assert.Greater(t, pe.Line, 0)

	_, err = NewGoParser(WithTolerateSyntaxErrors(true)).Parse(context.Background(), src, "bad.go")
	assert.NoError(t, err)
}

func TestGoParser_RejectsContent(t *testing.T) {
	_, err := NewGoParser(WithMaxFileSize(8)).Parse(context.Background(), []byte("package a\n"), "a.go")
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = NewGoParser().Parse(context.Background(), []byte{0xff, 0xfe, 0xfd}, "a.go")
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestGoParser_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGoParser().Parse(ctx, []byte("package a\n"), "a.go")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQualifierFor(t *testing.T) {
	assert.Equal(t, "main", qualifierFor("main.go", "main"))
	assert.Equal(t, "util", qualifierFor("x.go", "util"))
	assert.Equal(t, "cmd/isg", qualifierFor("cmd/isg/main.go", "main"))
}

func TestAssertedType(t *testing.T) {
	assert.Equal(t, "T", assertedType("(*T)(nil)"))
	assert.Equal(t, "T", assertedType("&T{}"))
	assert.Equal(t, "pkg.T", assertedType("pkg.T{}"))
	assert.Equal(t, "", assertedType("nil"))
}

func TestFileRecords_Normalize(t *testing.T) {
	f := NewFileRecords("a.go", "go")
	e := EntityRecord{Kind: graph.KindFunction, Name: "F", QualifiedName: "a.F", Signature: "func()", Line: 3}
	f.Entities = append(f.Entities, e, e)
	rel := Relationship{From: HashRef(e.Hash()), To: Ref{QualifiedName: "a.G"}, Kind: graph.EdgeCalls}
	f.Relationships = append(f.Relationships, rel, rel)

	f.Normalize()
	assert.Len(t, f.Entities, 1)
	assert.Len(t, f.Relationships, 1)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewGoParser())
	p, ok := r.ForPath("dir/x.GO")
	require.True(t, ok)
	assert.Equal(t, "go", p.Language())

	_, ok = r.ForPath("x.rs")
	assert.False(t, ok)
	assert.Equal(t, []string{".go"}, r.Extensions())
}
