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
	"sort"
	"strings"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/parse"
)

// pendingIndex holds relationships whose endpoints did not resolve when
// their file was applied, keyed by the names they wait for.
//
// A relationship stays pending until an entity with a matching name is
// inserted, at which point it is retried in the same write, or until its
// source file is re-parsed or removed.
//
// Thread Safety: NOT safe for concurrent use. Guarded by the pipeline's
// write mutex.
type pendingIndex struct {
	byFile map[string][]parse.Relationship
	byKey  map[string]map[string]struct{}
	total  int
}

func newPendingIndex() *pendingIndex {
	return &pendingIndex{
		byFile: make(map[string][]parse.Relationship),
		byKey:  make(map[string]map[string]struct{}),
	}
}

// refKey is the name a ref waits for: the short name, or the hash.
func refKey(ref parse.Ref) string {
	switch {
	case ref.HasHash:
		return "#" + ref.Hash.String()
	case ref.QualifiedName != "":
		return shortName(ref.QualifiedName)
	default:
		return ref.Name
	}
}

func shortName(qualified string) string {
	base := qualified[strings.LastIndex(qualified, "/")+1:]
	return base[strings.LastIndex(base, ".")+1:]
}

func relKeys(rel parse.Relationship) []string {
	from, to := refKey(rel.From), refKey(rel.To)
	if from == to {
		return []string{from}
	}
	return []string{from, to}
}

func entityKeys(e graph.Entity) []string {
	keys := []string{"#" + e.Hash.String(), e.Name}
	if s := shortName(e.QualifiedName); s != e.Name {
		keys = append(keys, s)
	}
	return keys
}

func (p *pendingIndex) add(file string, rel parse.Relationship) {
	p.byFile[file] = append(p.byFile[file], rel)
	p.total++
	for _, k := range relKeys(rel) {
		if k == "" {
			continue
		}
		files, ok := p.byKey[k]
		if !ok {
			files = make(map[string]struct{})
			p.byKey[k] = files
		}
		files[file] = struct{}{}
	}
}

// take removes and returns every pending relationship of file.
func (p *pendingIndex) take(file string) []parse.Relationship {
	rels, ok := p.byFile[file]
	if !ok {
		return nil
	}
	delete(p.byFile, file)
	p.total -= len(rels)
	for _, rel := range rels {
		for _, k := range relKeys(rel) {
			files := p.byKey[k]
			delete(files, file)
			if len(files) == 0 {
				delete(p.byKey, k)
			}
		}
	}
	return rels
}

// waiting returns the sorted files with a relationship waiting for one of
// entities, excluding the files in skip.
func (p *pendingIndex) waiting(entities []graph.Entity, skip map[string]bool) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, e := range entities {
		for _, k := range entityKeys(e) {
			for file := range p.byKey[k] {
				if seen[file] || skip[file] {
					continue
				}
				seen[file] = true
				out = append(out, file)
			}
		}
	}
	sort.Strings(out)
	return out
}

// countFor returns the number of pending relationships owned by files.
func (p *pendingIndex) countFor(files []string) int {
	n := 0
	for _, f := range files {
		n += len(p.byFile[f])
	}
	return n
}

func (p *pendingIndex) size() int {
	return p.total
}
