// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot persists the graph as a versioned, checksummed envelope
// and restores it into a fresh graph.
//
// A snapshot is a JSON document with the header fields first and the node and
// edge arrays last, optionally gzip-compressed. Nodes are sorted by hash and
// edges by (from, to, kind), so two snapshots of the same graph have the same
// checksum no matter the order in which the graph was built.
package snapshot

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
)

// FormatVersion is the snapshot format version. Loads accept any version
// with the same major component.
const FormatVersion = "1.0.0"

// gzipMagic is the two-byte gzip header.
var gzipMagic = []byte{0x1f, 0x8b}

// ErrNoSnapshot is returned by a Sink when nothing has been saved at its
// location yet.
var ErrNoSnapshot = errors.New("no snapshot at location")

// Header is the summary part of a snapshot.
type Header struct {
	Version   string    `json:"version"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	NodeCount int       `json:"node_count"`
	EdgeCount int       `json:"edge_count"`
	Checksum  string    `json:"checksum"`
}

// Snapshot is a full, self-contained copy of a graph.
type Snapshot struct {
	Header
	Nodes []graph.Entity `json:"nodes"`
	Edges []graph.Edge   `json:"edges"`
}

// Capture copies g into a new Snapshot.
//
// Description:
//
//	Nodes and edges are sorted into canonical order and the checksum is
//	computed. The caller must hold at least a read lock on g.
//
// Inputs:
//
//	g - The graph to copy. Must not be nil.
//	now - The creation timestamp to record.
//
// Outputs:
//
//	*Snapshot - The captured snapshot. Never nil on success.
//	error - Non-nil if the checksum could not be computed.
func Capture(g *graph.Graph, now time.Time) (*Snapshot, error) {
	nodes := make([]graph.Entity, 0, g.NodeCount())
	g.ForEachNode(func(_ graph.Handle, e graph.Entity) bool {
		nodes = append(nodes, e)
		return true
	})
	edges := make([]graph.Edge, 0, g.EdgeCount())
	g.ForEachEdge(func(e graph.Edge) bool {
		edges = append(edges, e)
		return true
	})
	sortCanonical(nodes, edges)

	snap := &Snapshot{
		Header: Header{
			Version:   FormatVersion,
			ID:        uuid.NewString(),
			CreatedAt: now.UTC(),
			NodeCount: len(nodes),
			EdgeCount: len(edges),
		},
		Nodes: nodes,
		Edges: edges,
	}
	sum, err := computeChecksum(snap.Version, nodes, edges)
	if err != nil {
		return nil, err
	}
	snap.Checksum = sum
	return snap, nil
}

func sortCanonical(nodes []graph.Entity, edges []graph.Edge) {
	slices.SortFunc(nodes, func(a, b graph.Entity) int {
		return compareHash(a.Hash, b.Hash)
	})
	slices.SortFunc(edges, func(a, b graph.Edge) int {
		if c := compareHash(a.From, b.From); c != 0 {
			return c
		}
		if c := compareHash(a.To, b.To); c != 0 {
			return c
		}
		return int(a.Kind) - int(b.Kind)
	})
}

func compareHash(a, b identity.Hash) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// computeChecksum calculates SHA256 of the canonical payload. The id and
// timestamp are excluded so that equal graphs checksum equally.
func computeChecksum(version string, nodes []graph.Entity, edges []graph.Edge) (string, error) {
	data := struct {
		Version string         `json:"version"`
		Nodes   []graph.Entity `json:"nodes"`
		Edges   []graph.Edge   `json:"edges"`
	}{
		Version: version,
		Nodes:   nodes,
		Edges:   edges,
	}

	h := sha256.New()
	if err := json.NewEncoder(h).Encode(data); err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the checksum and the summary counts and compares them
// with the stored values.
func (s *Snapshot) Verify() error {
	if s.NodeCount != len(s.Nodes) || s.EdgeCount != len(s.Edges) {
		return fmt.Errorf("%w: header counts %d/%d, payload %d/%d",
			graph.ErrPersistenceFailure, s.NodeCount, s.EdgeCount, len(s.Nodes), len(s.Edges))
	}
	sum, err := computeChecksum(s.Version, s.Nodes, s.Edges)
	if err != nil {
		return fmt.Errorf("%w: %w", graph.ErrPersistenceFailure, err)
	}
	if sum != s.Checksum {
		return fmt.Errorf("%w: checksum mismatch", graph.ErrPersistenceFailure)
	}
	return nil
}

// Build constructs a new graph from the snapshot.
//
// Description:
//
//	Every entity must carry a known kind and a hash that matches its
//	qualified name and signature, and every edge must join two entities
//	in the snapshot. Any violation means the payload is corrupt.
//
// Outputs:
//
//	*graph.Graph - A fresh graph. Never shares state with a live store.
//	error - Wraps graph.ErrPersistenceFailure on corrupt input.
func (s *Snapshot) Build() (*graph.Graph, error) {
	g := graph.NewGraph(graph.WithExpectedNodes(len(s.Nodes)))
	for _, e := range s.Nodes {
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("%w: entity %s: %w", graph.ErrPersistenceFailure, e.Hash, graph.ErrInvalidKind)
		}
		if want := identity.Of(e.QualifiedName, e.Signature); want != e.Hash {
			return nil, fmt.Errorf("%w: entity %s: hash does not match %q", graph.ErrPersistenceFailure, e.Hash, e.QualifiedName)
		}
		if _, created := g.UpsertNode(e); !created {
			return nil, fmt.Errorf("%w: duplicate entity %s", graph.ErrPersistenceFailure, e.Hash)
		}
	}
	for _, e := range s.Edges {
		if _, err := g.UpsertEdge(e.From, e.To, e.Kind); err != nil {
			return nil, fmt.Errorf("%w: edge %s->%s: %w", graph.ErrPersistenceFailure, e.From, e.To, err)
		}
	}
	return g, nil
}

// checkVersion accepts any version sharing FormatVersion's major component.
func checkVersion(version string) error {
	got := "v" + version
	if !semver.IsValid(got) {
		return fmt.Errorf("%w: %w: malformed version %q", graph.ErrVersionMismatch, graph.ErrPersistenceFailure, version)
	}
	if semver.Major(got) != semver.Major("v"+FormatVersion) {
		return fmt.Errorf("%w: %w: got %s, want %s", graph.ErrVersionMismatch, graph.ErrPersistenceFailure, version, FormatVersion)
	}
	return nil
}

// Encode writes snap to w, gzip-compressed when compress is true.
func Encode(w io.Writer, snap *Snapshot, compress bool) error {
	if !compress {
		return json.NewEncoder(w).Encode(snap)
	}
	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Marshal encodes snap into a byte slice.
func Marshal(snap *Snapshot, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, snap, compress); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// payloadReader returns a reader over the JSON document in r, transparently
// decompressing gzip input.
func payloadReader(r io.Reader) (io.Reader, func() error, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	if !bytes.Equal(magic, gzipMagic) {
		return br, func() error { return nil }, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, nil, err
	}
	return zr, zr.Close, nil
}

// Decode reads a full snapshot from r. The result is not verified.
func Decode(r io.Reader) (*Snapshot, error) {
	pr, closeFn, err := payloadReader(r)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var snap Snapshot
	if err := json.NewDecoder(pr).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DecodeHeader reads only the header fields from r.
//
// Description:
//
//	Streams the document token by token and stops at the first payload
//	array, so the node and edge arrays are never materialized.
func DecodeHeader(r io.Reader) (*Header, error) {
	pr, closeFn, err := payloadReader(r)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	dec := json.NewDecoder(pr)
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var h Header
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		var target any
		switch key {
		case "version":
			target = &h.Version
		case "id":
			target = &h.ID
		case "created_at":
			target = &h.CreatedAt
		case "node_count":
			target = &h.NodeCount
		case "edge_count":
			target = &h.EdgeCount
		case "checksum":
			target = &h.Checksum
		case "nodes", "edges":
			return &h, nil
		default:
			var skip json.RawMessage
			target = &skip
		}
		if err := dec.Decode(target); err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
	}
	return &h, nil
}
