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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/isg/pkg/ux"
	"github.com/AleutianAI/isg/services/isg/snapshot"
	"github.com/AleutianAI/isg/services/isg/update"
)

// indexOutput is the machine-readable result of index and snapshot save.
type indexOutput struct {
	Result   *update.Result   `json:"result"`
	Snapshot *snapshot.Header `json:"snapshot,omitempty"`
	Location string           `json:"location,omitempty"`
}

// runIndex parses the whole root and writes a snapshot unless --no-save.
func runIndex(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return indexAndSave(ctx, a, !indexNoSave)
	})
}

// runSnapshotSave is index with the save forced.
func runSnapshotSave(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return indexAndSave(ctx, a, true)
	})
}

func indexAndSave(ctx context.Context, a *app, save bool) error {
	result, err := a.pipeline.IndexAll(ctx)
	if err != nil {
		return err
	}
	out := indexOutput{Result: result}
	if save {
		header, err := a.snapshots.Save(ctx)
		if err != nil {
			return err
		}
		out.Snapshot = header
		out.Location = a.snapshots.Sink().Location()
	}
	return a.printer.Result(out, func(p *ux.Printer) {
		printUpdateResult(p, "Indexed "+a.root, result)
		if out.Snapshot != nil {
			p.Success(fmt.Sprintf("snapshot %s written to %s", out.Snapshot.ID, out.Location))
		}
	})
}

// runSnapshotVerify loads the snapshot through the full integrity checks.
func runSnapshotVerify(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		header, err := a.snapshots.Load(ctx)
		if err != nil {
			return err
		}
		return a.printer.Result(header, func(p *ux.Printer) {
			p.Success(fmt.Sprintf("snapshot %s is valid", header.ID))
			printHeader(p, header, a.snapshots.Sink().Location())
		})
	})
}

// runSnapshotInspect prints the stored header only.
func runSnapshotInspect(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		header, err := a.snapshots.Inspect(ctx)
		if err != nil {
			return err
		}
		return a.printer.Result(header, func(p *ux.Printer) {
			p.Title("Snapshot")
			printHeader(p, header, a.snapshots.Sink().Location())
		})
	})
}

func printHeader(p *ux.Printer, h *snapshot.Header, location string) {
	p.KV("Location", location)
	p.KV("Version", h.Version)
	p.KV("ID", h.ID)
	p.KV("Created", h.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	p.KV("Nodes", h.NodeCount)
	p.KV("Edges", h.EdgeCount)
	p.KV("Checksum", h.Checksum)
}
