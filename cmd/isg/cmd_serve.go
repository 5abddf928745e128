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
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/isg/pkg/ux"
	"github.com/AleutianAI/isg/services/isg/api"
	"github.com/AleutianAI/isg/services/isg/mcpserver"
	"github.com/AleutianAI/isg/services/isg/snapshot"
	"github.com/AleutianAI/isg/services/isg/telemetry"
	"github.com/AleutianAI/isg/services/isg/update"
	"github.com/AleutianAI/isg/services/isg/watch"
)

const shutdownTimeout = 10 * time.Second

// startWatcher feeds debounced file changes into the pipeline until ctx
// ends. The caller must Stop the returned watcher.
func (a *app) startWatcher(ctx context.Context) (*watch.FileWatcher, error) {
	opts := a.cfg.WatchOptions()
	opts.Logger = a.log
	handler := func(ctx context.Context, changes []update.Change) {
		result, err := a.pipeline.ApplyChanges(ctx, changes)
		if err != nil {
			a.log.Error("apply changes failed",
				slog.Int("changes", len(changes)),
				slog.String("error", err.Error()),
			)
			return
		}
		a.log.Info("graph updated",
			slog.Int("parsed", result.FilesParsed),
			slog.Int("removed", result.FilesRemoved),
			slog.Int("parse_errors", len(result.ParseErrors)),
			slog.Duration("duration", result.Duration),
		)
	}
	w, err := watch.New(a.root, handler, opts)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// saveOnExit writes a final snapshot when requested by flag or config.
// ctx has usually ended by now, so the save gets its own deadline.
func (a *app) saveOnExit(requested bool) error {
	if !requested && !a.cfg.Snapshot.SaveOnExit {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	header, err := a.snapshots.Save(ctx)
	if err != nil {
		return err
	}
	a.printer.Success(fmt.Sprintf("snapshot %s written to %s", header.ID, a.snapshots.Sink().Location()))
	return nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// runWatch keeps the graph current until interrupted.
func runWatch(cmd *cobra.Command, args []string) error {
	return withGraph(cmd, func(ctx context.Context, a *app) error {
		ctx, stop := signalContext(ctx)
		defer stop()

		w, err := a.startWatcher(ctx)
		if err != nil {
			return err
		}
		st := a.svc.Stats()
		a.printer.Success(fmt.Sprintf("watching %s (%d entities, %d edges); press Ctrl+C to stop",
			a.root, st.NodeCount, st.EdgeCount))

		<-ctx.Done()
		w.Stop()
		return a.saveOnExit(watchSaveOnExit)
	})
}

// runServe serves the HTTP API until interrupted.
func runServe(cmd *cobra.Command, args []string) error {
	return withGraph(cmd, func(ctx context.Context, a *app) error {
		ctx, stop := signalContext(ctx)
		defer stop()

		if serveWatch {
			w, err := a.startWatcher(ctx)
			if err != nil {
				return err
			}
			defer w.Stop()
		}

		if a.cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		routerCfg := api.RouterConfig{
			ServiceName: a.cfg.Telemetry.ServiceName,
			RateLimit:   a.cfg.Server.RateLimit,
			RateBurst:   a.cfg.Server.RateBurst,
			Logger:      a.log,
		}
		if a.cfg.Telemetry.MetricExporter == "prometheus" {
			routerCfg.MetricsHandler = telemetry.MetricsHandler()
		}

		addr := a.cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           api.NewRouter(a.svc, routerCfg),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()
		a.log.Info("http server listening", slog.String("addr", addr))
		a.printer.Success(fmt.Sprintf("serving on http://%s/v1/isg", addr))

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
		}
		return a.saveOnExit(false)
	})
}

// runMCP serves the MCP tools on stdio. Nothing but protocol traffic may be
// written to stdout.
func runMCP(cmd *cobra.Command, args []string) error {
	return withGraph(cmd, func(ctx context.Context, a *app) error {
		ctx, stop := signalContext(ctx)
		defer stop()

		srv := mcpserver.New(a.svc, "isg", Version, mcpserver.WithLogger(a.log))
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}

type versionInfo struct {
	Version         string `json:"version"`
	SnapshotVersion string `json:"snapshot_format"`
	GoVersion       string `json:"go_version"`
	Platform        string `json:"platform"`
}

func runVersion(cmd *cobra.Command, args []string) error {
	format, err := ux.ParseFormat(outputFormat)
	if err != nil {
		return usagef("%v", err)
	}
	info := versionInfo{
		Version:         Version,
		SnapshotVersion: snapshot.FormatVersion,
		GoVersion:       runtime.Version(),
		Platform:        runtime.GOOS + "/" + runtime.GOARCH,
	}
	p := ux.NewPrinter(cmd.OutOrStdout(), detectFormat(format, cmd.OutOrStdout()))
	return p.Result(info, func(p *ux.Printer) {
		p.Title("isg " + info.Version)
		p.KV("Snapshot", info.SnapshotVersion)
		p.KV("Go", info.GoVersion)
		p.KV("Platform", info.Platform)
	})
}
