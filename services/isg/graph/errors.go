// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph implements the Interface Signature Graph store.
//
// The graph holds entities (functions, types, interfaces) as nodes and the
// relationships between them (calls, implements, uses) as typed, directed
// edges. It is the single data structure every other ISG component reads
// from or writes to.
//
// # Storage Model
//
// Nodes live in an arena and are addressed by integer Handles. Adjacency is
// stored as handle lists on each node, so cyclic code structures never form
// owning reference cycles. An identity index maps identity.Hash to Handle
// for O(1) lookup.
//
// Handles are stable for the lifetime of a Graph and are never reassigned
// to a different identity. When a file is invalidated its handles are
// retired, and a later upsert of the same identity revives the same handle.
//
// # Thread Safety
//
// Graph is NOT safe for concurrent use. The structure and its index are
// guarded as one unit by store.Store; all access from outside this package
// should go through it.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/isg/services/isg/identity"
)

// Sentinel errors. Every error returned by the ISG components wraps exactly
// one of these (a version mismatch additionally wraps ErrPersistenceFailure).
var (
	// ErrNotFound is returned when a referenced identity is absent.
	ErrNotFound = errors.New("entity not found")

	// ErrParseFailure is returned when a file cannot be turned into records.
	// It never propagates beyond the file it concerns.
	ErrParseFailure = errors.New("parse failure")

	// ErrPersistenceFailure is returned when a snapshot cannot be saved or
	// loaded. The live store is never modified when this is returned.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrTimeout is returned when a query exceeds its time bound.
	ErrTimeout = errors.New("query timed out")

	// ErrResultTooLarge is returned when a query exceeds its result bound.
	ErrResultTooLarge = errors.New("query result too large")

	// ErrVersionMismatch is returned when a snapshot was written by an
	// incompatible format version.
	ErrVersionMismatch = errors.New("snapshot version mismatch")

	// ErrInvalidKind is returned for an edge or entity kind outside the
	// closed set.
	ErrInvalidKind = errors.New("invalid kind")
)

// Phase names the stage of an operation at which an error occurred.
type Phase string

const (
	PhaseLookup   Phase = "lookup"
	PhaseParse    Phase = "parse"
	PhaseApply    Phase = "apply"
	PhaseTraverse Phase = "traverse"
	PhaseEncode   Phase = "encode"
	PhaseDecode   Phase = "decode"
	PhaseVersion  Phase = "version"
	PhaseVerify   Phase = "verify"
	PhaseBuild    Phase = "build"
	PhaseWrite    Phase = "write"
	PhaseRead     Phase = "read"
)

// Error carries the structured context of a failure: which operation, which
// phase, which identity and which file. Callers render it without having to
// re-derive context; errors.Is matches the wrapped sentinel.
type Error struct {
	// Op is the operation name, e.g. "blast_radius" or "snapshot.load".
	Op string

	// Phase is where in the operation the failure happened.
	Phase Phase

	// Hash is the identity involved. Valid only if HasHash is true.
	Hash    identity.Hash
	HasHash bool

	// File is the source file or snapshot location involved, if any.
	File string

	// Err is the wrapped cause. Always wraps a sentinel from this package.
	Err error
}

// Error formats as "op [phase] hash=... file=...: cause".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Phase != "" {
		fmt.Fprintf(&b, " [%s]", e.Phase)
	}
	if e.HasHash {
		fmt.Fprintf(&b, " hash=%s", e.Hash)
	}
	if e.File != "" {
		fmt.Fprintf(&b, " file=%s", e.File)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NotFoundError builds the error returned when hash is absent.
func NotFoundError(op string, hash identity.Hash) error {
	return &Error{Op: op, Phase: PhaseLookup, Hash: hash, HasHash: true, Err: ErrNotFound}
}

// ErrorDetail extracts the structured detail from err, if it carries one.
func ErrorDetail(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
