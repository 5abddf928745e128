// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/store"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCompression enables gzip compression on save. Loads detect
// compression on their own.
func WithCompression(enabled bool) Option {
	return func(m *Manager) {
		m.compress = enabled
	}
}

// WithClock overrides the clock used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager saves and loads a store's graph through a Sink.
//
// Thread Safety:
//
//	Safe for concurrent use. Save holds the store's read lock only while
//	copying the graph; Load holds the write lock only for the final swap.
type Manager struct {
	store    *store.Store
	sink     Sink
	logger   *slog.Logger
	compress bool
	now      func() time.Time
}

// NewManager creates a Manager for s writing to sink.
func NewManager(s *store.Store, sink Sink, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		sink:   sink,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sink returns the manager's sink.
func (m *Manager) Sink() Sink {
	return m.sink
}

func (m *Manager) fail(op string, phase graph.Phase, err error) error {
	if !errors.Is(err, graph.ErrPersistenceFailure) {
		err = fmt.Errorf("%w: %w", graph.ErrPersistenceFailure, err)
	}
	return &graph.Error{Op: op, Phase: phase, File: m.sink.Location(), Err: err}
}

// Save writes the full graph to the sink.
//
// Description:
//
//	Copies every node and edge under the read lock, then encodes and
//	writes outside it so that queries and updates are not blocked on I/O.
//
// Outputs:
//
//	*Header - The header of the written snapshot.
//	error - Wraps graph.ErrPersistenceFailure on any failure.
func (m *Manager) Save(ctx context.Context) (*Header, error) {
	ctx, span := startSnapshotSpan(ctx, "save", m.sink.Location())
	defer span.End()
	logger := loggerWithTrace(ctx, m.logger)
	start := time.Now()

	header, size, err := m.save(ctx)
	snapshotDuration.WithLabelValues("save").Observe(time.Since(start).Seconds())
	if err != nil {
		snapshotOpsTotal.WithLabelValues("save", "error").Inc()
		setSpanError(span, err)
		logger.Error("snapshot save failed",
			slog.String("location", m.sink.Location()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	snapshotOpsTotal.WithLabelValues("save", "success").Inc()
	snapshotBytes.WithLabelValues("save").Set(float64(size))
	logger.Info("snapshot saved",
		slog.String("location", m.sink.Location()),
		slog.String("id", header.ID),
		slog.Int("nodes", header.NodeCount),
		slog.Int("edges", header.EdgeCount),
		slog.Int("bytes", size),
		slog.Duration("duration", time.Since(start)),
	)
	return header, nil
}

func (m *Manager) save(ctx context.Context) (*Header, int, error) {
	var snap *Snapshot
	err := m.store.View(func(g *graph.Graph) error {
		var err error
		snap, err = Capture(g, m.now())
		return err
	})
	if err != nil {
		return nil, 0, m.fail("snapshot.save", graph.PhaseEncode, err)
	}

	data, err := Marshal(snap, m.compress)
	if err != nil {
		return nil, 0, m.fail("snapshot.save", graph.PhaseEncode, err)
	}
	if err := m.sink.Write(ctx, data); err != nil {
		return nil, 0, m.fail("snapshot.save", graph.PhaseWrite, err)
	}
	header := snap.Header
	return &header, len(data), nil
}

// Load replaces the store's graph with the one in the sink.
//
// Description:
//
//	Reads, decodes, checks the version, verifies the checksum and builds
//	a brand new graph. Only when all of that succeeds is the new graph
//	swapped in. Any failure leaves the live store untouched.
//
// Outputs:
//
//	*Header - The header of the loaded snapshot.
//	error - Wraps graph.ErrPersistenceFailure. A version mismatch also
//	        wraps graph.ErrVersionMismatch. A missing snapshot also wraps
//	        ErrNoSnapshot.
func (m *Manager) Load(ctx context.Context) (*Header, error) {
	ctx, span := startSnapshotSpan(ctx, "load", m.sink.Location())
	defer span.End()
	logger := loggerWithTrace(ctx, m.logger)
	start := time.Now()

	snap, size, err := m.load(ctx)
	snapshotDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())
	if err != nil {
		snapshotOpsTotal.WithLabelValues("load", "error").Inc()
		setSpanError(span, err)
		level := slog.LevelError
		if errors.Is(err, ErrNoSnapshot) {
			level = slog.LevelInfo
		}
		logger.Log(ctx, level, "snapshot load failed",
			slog.String("location", m.sink.Location()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	snapshotOpsTotal.WithLabelValues("load", "success").Inc()
	snapshotBytes.WithLabelValues("load").Set(float64(size))
	logger.Info("snapshot loaded",
		slog.String("location", m.sink.Location()),
		slog.String("id", snap.ID),
		slog.String("version", snap.Version),
		slog.Int("nodes", snap.NodeCount),
		slog.Int("edges", snap.EdgeCount),
		slog.Duration("duration", time.Since(start)),
	)
	header := snap.Header
	return &header, nil
}

func (m *Manager) load(ctx context.Context) (*Snapshot, int, error) {
	data, err := m.sink.Read(ctx)
	if err != nil {
		return nil, 0, m.fail("snapshot.load", graph.PhaseRead, err)
	}
	snap, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, m.fail("snapshot.load", graph.PhaseDecode, err)
	}
	if err := checkVersion(snap.Version); err != nil {
		return nil, 0, m.fail("snapshot.load", graph.PhaseVersion, err)
	}
	if err := snap.Verify(); err != nil {
		return nil, 0, m.fail("snapshot.load", graph.PhaseVerify, err)
	}
	g, err := snap.Build()
	if err != nil {
		return nil, 0, m.fail("snapshot.load", graph.PhaseBuild, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, m.fail("snapshot.load", graph.PhaseBuild, err)
	}

	m.store.Replace(ctx, g)
	return snap, len(data), nil
}

// Inspect reads the header of the stored snapshot without loading it.
//
// Outputs:
//
//	*Header - The stored header. The checksum is not verified.
//	error - Wraps graph.ErrPersistenceFailure on any failure.
func (m *Manager) Inspect(ctx context.Context) (*Header, error) {
	data, err := m.sink.Read(ctx)
	if err != nil {
		return nil, m.fail("snapshot.inspect", graph.PhaseRead, err)
	}
	h, err := DecodeHeader(bytes.NewReader(data))
	if err != nil {
		return nil, m.fail("snapshot.inspect", graph.PhaseDecode, err)
	}
	return h, nil
}
