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

	"github.com/AleutianAI/isg/services/isg/identity"
)

// Handle addresses a node in the arena.
type Handle uint32

// Kind is the closed set of entity kinds.
type Kind uint8

const (
	// KindFunction is a function or method.
	KindFunction Kind = iota + 1

	// KindType is a concrete named type.
	KindType

	// KindInterface is an interface or trait.
	KindInterface
)

var kindNames = map[Kind]string{
	KindFunction:  "function",
	KindType:      "type",
	KindInterface: "interface",
}

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: entity kind %q", ErrInvalidKind, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: entity kind %d", ErrInvalidKind, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// EdgeKind is the closed set of relationship kinds.
type EdgeKind uint8

const (
	// EdgeCalls means the source invokes the target.
	EdgeCalls EdgeKind = iota + 1

	// EdgeImplements means the source type satisfies the target interface.
	EdgeImplements

	// EdgeUses means the source references the target type in its signature
	// or body without calling it.
	EdgeUses
)

var edgeKindNames = map[EdgeKind]string{
	EdgeCalls:      "calls",
	EdgeImplements: "implements",
	EdgeUses:       "uses",
}

// String returns the lowercase name of the edge kind.
func (k EdgeKind) String() string {
	if name, ok := edgeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("edge_kind(%d)", uint8(k))
}

// Valid reports whether k is one of the defined edge kinds.
func (k EdgeKind) Valid() bool {
	_, ok := edgeKindNames[k]
	return ok
}

// ParseEdgeKind is the inverse of EdgeKind.String.
func ParseEdgeKind(s string) (EdgeKind, error) {
	for k, name := range edgeKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: edge kind %q", ErrInvalidKind, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k EdgeKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: edge kind %d", ErrInvalidKind, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EdgeKind) UnmarshalText(text []byte) error {
	parsed, err := ParseEdgeKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Entity is a named code construct stored as a graph node.
//
// Entities are values: the graph hands out copies, and text fields are
// interned so that many nodes share one backing string.
type Entity struct {
	// Hash is the identity, derived from QualifiedName and Signature.
	Hash identity.Hash `json:"hash"`

	// Kind is function, type or interface.
	Kind Kind `json:"kind"`

	// Name is the short name, e.g. "Update".
	Name string `json:"name"`

	// QualifiedName is the package-qualified name, e.g. "store.(*Store).Update".
	QualifiedName string `json:"qualified_name"`

	// Signature is the full signature text used for identity.
	Signature string `json:"signature"`

	// FilePath is the file the entity was parsed from.
	FilePath string `json:"file_path"`

	// Line is the 1-indexed declaration line.
	Line int `json:"line"`
}

// Edge is a typed, directed relationship between two entities.
type Edge struct {
	From identity.Hash `json:"from"`
	To   identity.Hash `json:"to"`
	Kind EdgeKind      `json:"kind"`
}

// Adjacent is one entry of a node's adjacency list.
type Adjacent struct {
	// Peer is the node at the other end of the edge.
	Peer Handle

	// Kind is the edge kind.
	Kind EdgeKind
}

// Stats summarizes the graph.
type Stats struct {
	NodeCount   int            `json:"node_count"`
	EdgeCount   int            `json:"edge_count"`
	FileCount   int            `json:"file_count"`
	ArenaSize   int            `json:"arena_size"`
	NodesByKind map[string]int `json:"nodes_by_kind"`
	EdgesByKind map[string]int `json:"edges_by_kind"`
}
