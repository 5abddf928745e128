// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parse turns source files into the structured records the update
// pipeline consumes.
//
// A Parser reports entities and relationships for exactly one file. It never
// touches the graph: relationship endpoints are expressed as Refs that the
// pipeline resolves against the store under its write lock.
package parse

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
)

// Parser extracts records from one file's content.
type Parser interface {
	// Parse returns the records for content. filePath is used for
	// attribution and qualification only; Parse does not read it.
	Parse(ctx context.Context, content []byte, filePath string) (*FileRecords, error)

	// Language returns the canonical language name.
	Language() string

	// Extensions returns the file extensions handled, with leading dots.
	Extensions() []string
}

// EntityRecord describes one entity declared in a file.
type EntityRecord struct {
	Kind          graph.Kind `json:"kind"`
	Name          string     `json:"name"`
	QualifiedName string     `json:"qualified_name"`
	Signature     string     `json:"signature"`
	Line          int        `json:"line"`
}

// Hash returns the identity of the record.
func (r EntityRecord) Hash() identity.Hash {
	return identity.Of(r.QualifiedName, r.Signature)
}

// Entity converts the record into a graph entity owned by filePath.
func (r EntityRecord) Entity(filePath string) graph.Entity {
	return graph.Entity{
		Hash:          r.Hash(),
		Kind:          r.Kind,
		Name:          r.Name,
		QualifiedName: r.QualifiedName,
		Signature:     r.Signature,
		FilePath:      filePath,
		Line:          r.Line,
	}
}

// Ref names a relationship endpoint.
//
// Resolution order: Hash when HasHash is set, then an exact QualifiedName
// match, then Name narrowed by Qualifier. A Ref that does not resolve to
// exactly one entity is skipped by the pipeline.
type Ref struct {
	Hash          identity.Hash `json:"hash,omitempty"`
	HasHash       bool          `json:"has_hash,omitempty"`
	QualifiedName string        `json:"qualified_name,omitempty"`
	Name          string        `json:"name,omitempty"`

	// Qualifier is the last package path element or receiver type the
	// source used to reach Name, for example "graph" in graph.NewGraph().
	Qualifier string `json:"qualifier,omitempty"`
}

// HashRef refers to a known identity.
func HashRef(h identity.Hash) Ref {
	return Ref{Hash: h, HasHash: true}
}

// String renders the ref for logs.
func (r Ref) String() string {
	switch {
	case r.HasHash:
		return r.Hash.String()
	case r.QualifiedName != "":
		return r.QualifiedName
	case r.Qualifier != "":
		return r.Qualifier + "." + r.Name
	default:
		return r.Name
	}
}

// key identifies the ref for de-duplication.
func (r Ref) key() string {
	return r.Hash.String() + "|" + r.QualifiedName + "|" + r.Qualifier + "|" + r.Name
}

// Relationship is a directed, typed link between two refs.
type Relationship struct {
	From Ref            `json:"from"`
	To   Ref            `json:"to"`
	Kind graph.EdgeKind `json:"kind"`
}

// FileRecords is the parse output for one file.
type FileRecords struct {
	FilePath      string         `json:"file_path"`
	Language      string         `json:"language"`
	Package       string         `json:"package"`
	Entities      []EntityRecord `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// NewFileRecords creates empty records for filePath.
func NewFileRecords(filePath, language string) *FileRecords {
	return &FileRecords{
		FilePath:      filePath,
		Language:      language,
		Entities:      make([]EntityRecord, 0),
		Relationships: make([]Relationship, 0),
	}
}

// Normalize drops duplicate entities and relationships and sorts both so
// output does not depend on traversal order.
func (f *FileRecords) Normalize() {
	seenEntity := make(map[identity.Hash]bool, len(f.Entities))
	entities := f.Entities[:0]
	for _, e := range f.Entities {
		h := e.Hash()
		if seenEntity[h] {
			continue
		}
		seenEntity[h] = true
		entities = append(entities, e)
	}
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Line != entities[j].Line {
			return entities[i].Line < entities[j].Line
		}
		return entities[i].QualifiedName < entities[j].QualifiedName
	})
	f.Entities = entities

	seenRel := make(map[string]bool, len(f.Relationships))
	rels := f.Relationships[:0]
	for _, r := range f.Relationships {
		k := r.From.key() + ">" + r.To.key() + ">" + r.Kind.String()
		if seenRel[k] {
			continue
		}
		seenRel[k] = true
		rels = append(rels, r)
	}
	sort.SliceStable(rels, func(i, j int) bool {
		a, b := rels[i], rels[j]
		if ak, bk := a.From.key(), b.From.key(); ak != bk {
			return ak < bk
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.To.key() < b.To.key()
	})
	f.Relationships = rels
}

// Registry maps file extensions to parsers.
//
// Thread Safety: Read-only after construction; safe for concurrent use.
type Registry struct {
	byExt map[string]Parser
}

// NewRegistry registers parsers by their extensions. Later parsers win on
// conflicting extensions.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{byExt: make(map[string]Parser)}
	for _, p := range parsers {
		for _, ext := range p.Extensions() {
			r.byExt[strings.ToLower(ext)] = p
		}
	}
	return r
}

// ForPath returns the parser for path's extension.
func (r *Registry) ForPath(path string) (Parser, bool) {
	p, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return p, ok
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
