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
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// --- Global Command Variables ---
var (
	configPath   string
	rootDir      string
	outputFormat string
	logLevel     string
	reindex      bool

	queryMaxDepth   int
	queryMaxResults int
	queryEdgeKinds  []string
	contextHops     int

	indexNoSave     bool
	watchSaveOnExit bool
	serveAddr       string
	serveWatch      bool

	rootCmd = &cobra.Command{
		Use:   "isg",
		Short: "Build and query the interface signature graph of a Go code base",
		Long: `isg parses a source tree into a graph of functions, types and interfaces
linked by calls, implements and uses relationships, keeps it current as files
change, and answers structural questions about it.

The graph is persisted as a snapshot (see 'isg snapshot') so that later
commands start without re-parsing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	indexCmd = &cobra.Command{
		Use:   "index",
		Short: "Parse the whole tree and write a snapshot",
		Args:  cobra.NoArgs,
		RunE:  runIndex,
	}

	// --- Queries ---
	queryCmd = &cobra.Command{
		Use:   "query",
		Short: "Run a structural query against the graph",
		Long: `Queries accept an entity reference: either a 16-digit hex identity hash
or a name. A qualified name ("store.(*Store).Update") matches exactly;
otherwise the short name must be unique.

Examples:
  isg query implementors io.Reader
  isg query blast-radius "parse.(*GoParser).Parse" --max-depth 2
  isg query cycles --edge-kinds calls`,
	}
	nodeCmd = &cobra.Command{
		Use:   "node REF",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(1),
		RunE:  runNode,
	}
	searchCmd = &cobra.Command{
		Use:   "search NAME",
		Short: "List every entity with a name",
		Args:  cobra.ExactArgs(1),
		RunE:  runSearch,
	}
	implementorsCmd = &cobra.Command{
		Use:   "implementors REF",
		Short: "List the types implementing an interface",
		Args:  cobra.ExactArgs(1),
		RunE:  runImplementors,
	}
	blastRadiusCmd = &cobra.Command{
		Use:   "blast-radius REF",
		Short: "List everything transitively reachable from an entity",
		Args:  cobra.ExactArgs(1),
		RunE:  runBlastRadius,
	}
	cyclesCmd = &cobra.Command{
		Use:   "cycles",
		Short: "List dependency cycles",
		Args:  cobra.NoArgs,
		RunE:  runCycles,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show graph statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}

	contextCmd = &cobra.Command{
		Use:   "context REF",
		Short: "Show the bounded context around an entity",
		Long: `Prints the dependencies and callers of an entity within a hop radius,
ordered by distance. This is the slice of the graph to hand to an agent
working on the entity.`,
		Args: cobra.ExactArgs(1),
		RunE: runContext,
	}

	// --- Snapshots ---
	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Manage graph snapshots",
	}
	snapshotSaveCmd = &cobra.Command{
		Use:   "save",
		Short: "Re-index the tree and overwrite the snapshot",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotSave,
	}
	snapshotVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Load the snapshot and check its integrity",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotVerify,
	}
	snapshotInspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Print the snapshot header without loading the graph",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotInspect,
	}

	// --- Long-running ---
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Keep the graph current as files change",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP query API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve the query tools over the Model Context Protocol on stdio",
		Args:  cobra.NoArgs,
		RunE:  runMCP,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", "",
		"Source root to index (overrides index.root)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "auto",
		"Output format: auto, human or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn or error (overrides logging.level)")
	rootCmd.PersistentFlags().BoolVar(&reindex, "reindex", false,
		"Ignore the snapshot and parse the tree from scratch")

	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().BoolVar(&indexNoSave, "no-save", false, "Do not write a snapshot")

	rootCmd.AddCommand(queryCmd)
	queryCmd.AddCommand(nodeCmd, searchCmd, implementorsCmd, blastRadiusCmd, cyclesCmd, statsCmd)
	queryCmd.PersistentFlags().StringSliceVar(&queryEdgeKinds, "edge-kinds", nil,
		"Edge kinds to follow: calls, implements, uses (default all)")
	blastRadiusCmd.Flags().IntVar(&queryMaxDepth, "max-depth", -1,
		"Maximum hop depth, 0 for unlimited (default from config)")
	blastRadiusCmd.Flags().IntVar(&queryMaxResults, "max-results", -1,
		"Fail when more entities are reached, 0 for unlimited (default from config)")

	rootCmd.AddCommand(contextCmd)
	contextCmd.Flags().IntVar(&contextHops, "hops", 0, "Neighborhood radius (default from config)")

	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotSaveCmd, snapshotVerifyCmd, snapshotInspectCmd)

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchSaveOnExit, "save-on-exit", false,
		"Write a snapshot when the watcher stops (also snapshot.save_on_exit)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Also watch the tree and apply changes")

	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}
