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
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/isg/pkg/ux"
	"github.com/AleutianAI/isg/services/isg/query"
	"github.com/AleutianAI/isg/services/isg/service"
)

// queryOptions turns the query flags into per-call options. Unset flags
// leave the configured defaults in place.
func queryOptions() ([]query.QueryOption, error) {
	var opts []query.QueryOption
	if queryMaxDepth >= 0 {
		opts = append(opts, query.WithMaxDepth(queryMaxDepth))
	}
	if queryMaxResults >= 0 {
		opts = append(opts, query.WithMaxResults(queryMaxResults))
	}
	if len(queryEdgeKinds) > 0 {
		kinds, err := parseEdgeKinds(queryEdgeKinds)
		if err != nil {
			return nil, err
		}
		opts = append(opts, query.WithEdgeKinds(kinds...))
	}
	return opts, nil
}

// withGraph runs fn once the store is populated.
func withGraph(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.ensureGraph(ctx); err != nil {
			return err
		}
		return fn(ctx, a)
	})
}

func runNode(cmd *cobra.Command, args []string) error {
	return withGraph(cmd, func(ctx context.Context, a *app) error {
		e, err := a.svc.Node(args[0])
		if err != nil {
			return describeAmbiguity(a.printer, err)
		}
		return a.printer.Result(e, func(p *ux.Printer) {
			p.Title(e.QualifiedName)
			p.KV("Kind", e.Kind)
			p.KV("Hash", e.Hash)
			p.KV("Signature", e.Signature)
			p.KV("Location", fmt.Sprintf("%s:%d", e.FilePath, e.Line))
		})
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withGraph(cmd, func(ctx context.Context, a *app) error {
		matches := a.svc.Search(args[0])
		return a.printer.Result(matches, func(p *ux.Printer) {
			if len(matches) == 0 {
				p.Warning(fmt.Sprintf("no entity named %q", args[0]))
				return
			}
			p.Title(fmt.Sprintf("%d match(es) for %q", len(matches), args[0]))
			printEntities(p, 0, matches)
		})
	})
}

func runImplementors(cmd *cobra.Command, args []string) error {
	return withGraph(cmd, func(ctx context.Context, a *app) error {
		iface, impls, err := a.svc.Implementors(ctx, args[0])
		if err != nil {
			return describeAmbiguity(a.printer, err)
		}
		out := map[string]any{"interface": iface, "implementors": impls}
		return a.printer.Result(out, func(p *ux.Printer) {
			p.Title(fmt.Sprintf("Implementors of %s", iface.QualifiedName))
			if len(impls) == 0 {
				p.Muted("  none")
				return
			}
			printEntities(p, 0, impls)
		})
	})
}

func runBlastRadius(cmd *cobra.Command, args []string) error {
	opts, err := queryOptions()
	if err != nil {
		return err
	}
	return withGraph(cmd, func(ctx context.Context, a *app) error {
		result, err := a.svc.BlastRadius(ctx, args[0], opts...)
		if err != nil {
			return describeAmbiguity(a.printer, err)
		}
		return a.printer.Result(result, func(p *ux.Printer) {
			p.Title(fmt.Sprintf("Blast radius of %s", result.Start.QualifiedName))
			p.KV("Reached", len(result.Reached))
			p.KV("Depth", result.Depth)
			p.KV("Duration", result.Duration.String())
			for _, r := range result.Reached {
				p.Bullet(r.Depth, entityLine(r.Entity))
			}
		})
	})
}

func runCycles(cmd *cobra.Command, args []string) error {
	opts, err := queryOptions()
	if err != nil {
		return err
	}
	return withGraph(cmd, func(ctx context.Context, a *app) error {
		cycles, err := a.svc.Cycles(ctx, opts...)
		if err != nil {
			return err
		}
		return a.printer.Result(cycles, func(p *ux.Printer) {
			if len(cycles) == 0 {
				p.Success("no dependency cycles")
				return
			}
			p.Title(fmt.Sprintf("%d dependency cycle(s)", len(cycles)))
			for i, c := range cycles {
				p.Info(fmt.Sprintf("cycle %d (%d members)", i+1, c.Len()))
				printEntities(p, 1, c.Members)
			}
		})
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withGraph(cmd, func(ctx context.Context, a *app) error {
		st := a.svc.Stats()
		return a.printer.Result(st, func(p *ux.Printer) {
			p.Title("Graph statistics")
			printStats(p, st.Stats)
			p.KV("Generation", st.Generation)
			if len(st.DirtyFiles) > 0 {
				p.Warning(fmt.Sprintf("%d file(s) failed to parse", len(st.DirtyFiles)))
			}
		})
	})
}

func runContext(cmd *cobra.Command, args []string) error {
	return withGraph(cmd, func(ctx context.Context, a *app) error {
		bc, err := a.svc.Context(ctx, args[0], contextHops)
		if err != nil {
			return describeAmbiguity(a.printer, err)
		}
		return a.printer.Result(bc, func(p *ux.Printer) {
			p.Title(fmt.Sprintf("Context of %s (%d hop(s))", bc.Focus.QualifiedName, bc.HopLimit))
			p.Info(fmt.Sprintf("depends on %d", len(bc.Dependencies)))
			for _, n := range bc.Dependencies {
				p.Bullet(n.Hops, fmt.Sprintf("%s %s", ux.Styles.Subtitle.Render(n.Via.String()), entityLine(n.Entity)))
			}
			p.Info(fmt.Sprintf("used by %d", len(bc.Callers)))
			for _, n := range bc.Callers {
				p.Bullet(n.Hops, fmt.Sprintf("%s %s", ux.Styles.Subtitle.Render(n.Via.String()), entityLine(n.Entity)))
			}
		})
	})
}

// describeAmbiguity lists the candidates of an ambiguous reference before
// returning err.
func describeAmbiguity(p *ux.Printer, err error) error {
	var amb *service.AmbiguousError
	if errors.As(err, &amb) && !p.Machine() {
		p.Warning(fmt.Sprintf("%q matches %d entities; use a qualified name or hash:", amb.Ref, len(amb.Candidates)))
		printEntities(p, 1, amb.Candidates)
	}
	return err
}
