// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/isg/pkg/ux"
	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/update"
)

func entityLine(e graph.Entity) string {
	return fmt.Sprintf("%-9s %s  %s",
		e.Kind, e.QualifiedName, ux.Styles.Muted.Render(fmt.Sprintf("%s:%d  %s", e.FilePath, e.Line, e.Hash)))
}

func printEntities(p *ux.Printer, indent int, es []graph.Entity) {
	for _, e := range es {
		p.Bullet(indent, entityLine(e))
	}
}

func printUpdateResult(p *ux.Printer, title string, r *update.Result) {
	p.Title(title)
	p.KV("Files parsed", r.FilesParsed)
	p.KV("Files removed", r.FilesRemoved)
	if r.FilesSkipped > 0 {
		p.KV("Files skipped", r.FilesSkipped)
	}
	p.KV("Nodes", fmt.Sprintf("+%d -%d", r.NodesAdded, r.NodesRemoved))
	p.KV("Edges", fmt.Sprintf("+%d -%d (restored %d, linked %d)", r.EdgesAdded, r.EdgesRemoved, r.EdgesRestored, r.EdgesLinked))
	if r.Unresolved > 0 {
		p.KV("Unresolved", r.Unresolved)
	}
	p.KV("Duration", r.Duration.String())
	if len(r.ParseErrors) > 0 {
		p.Warning(fmt.Sprintf("%d file(s) failed to parse and keep their previous entities:", len(r.ParseErrors)))
		for _, fe := range r.ParseErrors {
			p.Bullet(1, fmt.Sprintf("%s: %s", fe.FilePath, fe.Message))
		}
	}
}

func printStats(p *ux.Printer, st graph.Stats) {
	p.KV("Nodes", st.NodeCount)
	p.KV("Edges", st.EdgeCount)
	p.KV("Files", st.FileCount)
	for _, k := range []graph.Kind{graph.KindFunction, graph.KindType, graph.KindInterface} {
		p.Bullet(1, fmt.Sprintf("%-10s %d", k, st.NodesByKind[k.String()]))
	}
	for _, k := range []graph.EdgeKind{graph.EdgeCalls, graph.EdgeImplements, graph.EdgeUses} {
		p.Bullet(1, fmt.Sprintf("%-10s %d", k, st.EdgesByKind[k.String()]))
	}
}

func parseEdgeKinds(names []string) ([]graph.EdgeKind, error) {
	kinds := make([]graph.EdgeKind, 0, len(names))
	for _, name := range names {
		k, err := graph.ParseEdgeKind(strings.TrimSpace(name))
		if err != nil {
			return nil, usagef("%v", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
