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
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/isg/pkg/logging"
	"github.com/AleutianAI/isg/pkg/ux"
	"github.com/AleutianAI/isg/services/isg/config"
	"github.com/AleutianAI/isg/services/isg/neighborhood"
	"github.com/AleutianAI/isg/services/isg/parse"
	"github.com/AleutianAI/isg/services/isg/query"
	"github.com/AleutianAI/isg/services/isg/service"
	"github.com/AleutianAI/isg/services/isg/snapshot"
	isgbadger "github.com/AleutianAI/isg/services/isg/storage/badger"
	"github.com/AleutianAI/isg/services/isg/store"
	"github.com/AleutianAI/isg/services/isg/telemetry"
	"github.com/AleutianAI/isg/services/isg/update"
)

// app holds everything one command invocation needs.
type app struct {
	cfg       config.Config
	root      string
	logger    *logging.Logger
	log       *slog.Logger
	printer   *ux.Printer
	store     *store.Store
	pipeline  *update.Pipeline
	snapshots *snapshot.Manager
	svc       *service.Service
	closers   []func() error
}

// newApp loads configuration, applies the global flags and wires the
// components. The caller must Close the app.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if rootDir != "" {
		cfg.Index.Root = rootDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	format, err := ux.ParseFormat(outputFormat)
	if err != nil {
		return nil, usagef("%v", err)
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	root, err := filepath.Abs(cfg.Index.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, usagef("root %s is not a directory", root)
	}

	a := &app{cfg: cfg, root: root}
	a.logger = logging.New(logging.Config{
		Level:   level,
		Service: cfg.Telemetry.ServiceName,
		LogDir:  cfg.Logging.Dir,
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	a.closers = append(a.closers, a.logger.Close)
	a.log = a.logger.Slog()
	a.printer = ux.NewPrinter(cmd.OutOrStdout(), detectFormat(format, cmd.OutOrStdout()))

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
		Output:         cmd.ErrOrStderr(),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	a.store = store.New(store.WithLogger(a.log))
	a.pipeline = update.NewPipeline(a.store, parse.NewRegistry(
		parse.NewGoParser(parse.WithMaxFileSize(cfg.Index.MaxFileSize)),
	),
		update.WithLogger(a.log),
		update.WithConfig(cfg.PipelineConfig()),
		update.WithFS(os.DirFS(root)),
	)

	sink, closeSink, err := openSink(ctx, cfg.Snapshot, root, a.log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if closeSink != nil {
		a.closers = append(a.closers, closeSink)
	}
	a.snapshots = snapshot.NewManager(a.store, sink,
		snapshot.WithLogger(a.log),
		snapshot.WithCompression(cfg.Snapshot.Gzip),
	)

	engineOpts := []query.EngineOption{
		query.WithLogger(a.log),
		query.WithDefaults(cfg.QueryOptions()...),
	}
	if cfg.Query.CacheSize > 0 {
		engineOpts = append(engineOpts, query.WithCache(query.NewCache(cfg.Query.CacheSize)))
	}
	a.svc = service.New(a.store,
		service.WithLogger(a.log),
		service.WithEngine(query.NewEngine(a.store, engineOpts...)),
		service.WithExtractor(neighborhood.NewExtractor(a.store,
			neighborhood.WithMaxHops(cfg.Context.MaxHops),
			neighborhood.WithLogger(a.log),
		)),
		service.WithDefaultHops(cfg.Context.DefaultHops),
		service.WithPipeline(a.pipeline),
		service.WithSnapshots(a.snapshots),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// detectFormat resolves auto against w when w is a file; anything else is
// treated as a pipe.
func detectFormat(format ux.Format, w io.Writer) ux.Format {
	f, _ := w.(*os.File)
	return ux.DetectFormat(format, f)
}

// openSink builds the snapshot sink for the configured backend. Relative
// paths are resolved against root.
func openSink(ctx context.Context, cfg config.SnapshotConfig, root string, logger *slog.Logger) (snapshot.Sink, func() error, error) {
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}

	switch cfg.Backend {
	case config.BackendFile, "":
		return snapshot.NewFileSink(resolve(cfg.Path)), nil, nil
	case config.BackendBadger:
		bcfg := isgbadger.DefaultConfig(resolve(cfg.BadgerDir))
		bcfg.Logger = logger
		db, err := isgbadger.Open(bcfg)
		if err != nil {
			return nil, nil, err
		}
		return snapshot.NewBadgerSink(db, cfg.BadgerKey), db.Close, nil
	case config.BackendGCS:
		sink, err := snapshot.NewGCSSink(ctx, cfg.GCSBucket, cfg.GCSObject, cfg.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	default:
		return nil, nil, usagef("unknown snapshot backend %q", cfg.Backend)
	}
}

// ensureGraph populates the store: from the snapshot when one exists and
// --reindex is not set, otherwise by indexing the root.
func (a *app) ensureGraph(ctx context.Context) error {
	if !reindex {
		header, err := a.snapshots.Load(ctx)
		if err == nil {
			a.log.Info("graph loaded from snapshot",
				slog.String("id", header.ID),
				slog.Int("nodes", header.NodeCount),
				slog.Int("edges", header.EdgeCount),
			)
			return nil
		}
		if !errors.Is(err, snapshot.ErrNoSnapshot) {
			return err
		}
	}
	result, err := a.pipeline.IndexAll(ctx)
	if err != nil {
		return err
	}
	a.log.Info("graph indexed",
		slog.String("root", a.root),
		slog.Int("files", result.FilesParsed),
		slog.Int("nodes", result.NodesAdded),
		slog.Int("edges", result.EdgesAdded),
	)
	return nil
}

// withApp runs fn with a wired app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	return errors.Join(runErr, a.Close())
}
