// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity derives the fixed-width keys that identify graph entities.
//
// An entity's identity is a 64-bit xxHash of its canonical signature text:
// the qualified name followed by the full signature (parameters, results,
// type bounds). The same input always yields the same Hash, across
// processes and machines, so hashes are safe to persist in snapshots.
//
// # Collision Risk
//
// 64 bits is enough for typical repositories but the birthday bound makes
// collisions plausible once the entity population reaches the tens of
// millions. No collision detection is performed: a colliding upsert
// replaces the earlier entity (last write wins). Deployments indexing
// corpora of that size should widen the key.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidHash is returned when text cannot be parsed as a Hash.
var ErrInvalidHash = errors.New("invalid identity hash")

// separator keeps ("ab", "c") and ("a", "bc") from hashing identically.
const separator = "\x00"

// Clean replaces each run of invalid UTF-8 in s with U+FFFD. Entity text
// is stored and hashed in this form so that identities survive a JSON
// round trip.
func Clean(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// Hash is the primary key of an entity.
type Hash uint64

// Of computes the identity of an entity.
//
// Inputs:
//
//	qualifiedName - Package-qualified name, e.g. "store.(*Store).Update".
//	signature - Full signature text, e.g. "func(fn func(*Graph) error) error".
//
// Outputs:
//
//	Hash - Deterministic identity. Inputs are hashed after Clean, so text
//	differing only in invalid bytes maps to the same identity.
func Of(qualifiedName, signature string) Hash {
	d := xxhash.New()
	_, _ = d.WriteString(Clean(qualifiedName))
	_, _ = d.WriteString(separator)
	_, _ = d.WriteString(Clean(signature))
	return Hash(d.Sum64())
}

// String renders the hash as 16 lowercase hex digits.
func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// Parse reads a hash rendered by String. A "0x" prefix is accepted.
func Parse(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" || len(s) > 16 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	return Hash(v), nil
}

// LooksLikeHash reports whether s is plausibly a rendered hash rather than
// an entity name. Used by front ends that accept either.
func LooksLikeHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 16 {
		return false
	}
	_, err := strconv.ParseUint(s, 16, 64)
	return err == nil
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}
