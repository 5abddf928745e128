// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package update applies file changes to the graph store.
//
// Parsing runs concurrently and entirely outside the store lock. Each batch
// is then applied under one write acquisition: stale entities of every
// changed file are removed and fresh ones inserted before any reader can
// observe the store again. A file that fails to parse keeps its previous
// entities and is recorded in the DirtyTracker; its siblings in the batch
// are applied normally.
//
// A relationship whose endpoint is not yet in the graph is kept pending and
// linked in the write that inserts a matching entity, so the graph does not
// depend on the order in which files arrive or on how batches are chunked.
package update

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/parse"
	"github.com/AleutianAI/isg/services/isg/store"
)

// ChangeKind is the kind of a file change event.
type ChangeKind int

const (
	ChangeCreate ChangeKind = iota + 1
	ChangeModify
	ChangeRemove
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeModify:
		return "modify"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one debounced file event. Path is relative to the pipeline's
// file system root, slash-separated.
type Change struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// Config configures a Pipeline.
type Config struct {
	// Workers bounds concurrent parses. Default: 4.
	Workers int

	// LatencyBudget is the expected apply time per parsed file. Overruns
	// are logged and counted, never failed. Default: 12ms.
	LatencyBudget time.Duration

	// MaxFilesPerBatch splits larger batches into sequential chunks.
	// Zero means unlimited.
	MaxFilesPerBatch int

	// MaxFileSize skips files above this size with a parse failure.
	// Zero means unlimited.
	MaxFileSize int64

	// IgnoreGlobs are doublestar patterns excluded from IndexAll.
	IgnoreGlobs []string
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		LatencyBudget:    12 * time.Millisecond,
		MaxFilesPerBatch: 500,
		MaxFileSize:      parse.DefaultMaxFileSize,
		IgnoreGlobs:      []string{"**/.git/**", "**/vendor/**", "**/testdata/**"},
	}
}

// FileError is a per-file failure. Err is a *graph.Error wrapping
// graph.ErrParseFailure.
type FileError struct {
	FilePath string `json:"file_path"`
	Message  string `json:"message"`
	Err      error  `json:"-"`
}

func (e FileError) Error() string {
	return e.Err.Error()
}

// Result summarizes one batch.
type Result struct {
	FilesParsed   int           `json:"files_parsed"`
	FilesRemoved  int           `json:"files_removed"`
	FilesSkipped  int           `json:"files_skipped"`
	NodesRemoved  int           `json:"nodes_removed"`
	NodesAdded    int           `json:"nodes_added"`
	EdgesRemoved  int           `json:"edges_removed"`
	EdgesAdded    int           `json:"edges_added"`
	EdgesRestored int           `json:"edges_restored"`
	EdgesLinked   int           `json:"edges_linked"`
	Unresolved    int           `json:"unresolved"`
	ParseErrors   []FileError   `json:"parse_errors"`
	Duration      time.Duration `json:"duration"`
	OverBudget    bool          `json:"over_budget"`
}

func newResult() *Result {
	return &Result{ParseErrors: make([]FileError, 0)}
}

func (r *Result) merge(o *Result) {
	r.FilesParsed += o.FilesParsed
	r.FilesRemoved += o.FilesRemoved
	r.FilesSkipped += o.FilesSkipped
	r.NodesRemoved += o.NodesRemoved
	r.NodesAdded += o.NodesAdded
	r.EdgesRemoved += o.EdgesRemoved
	r.EdgesAdded += o.EdgesAdded
	r.EdgesRestored += o.EdgesRestored
	r.EdgesLinked += o.EdgesLinked
	r.Unresolved += o.Unresolved
	r.ParseErrors = append(r.ParseErrors, o.ParseErrors...)
	r.Duration += o.Duration
	r.OverBudget = r.OverBudget || o.OverBudget
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithConfig sets the configuration. Non-positive values keep defaults.
func WithConfig(c Config) Option {
	return func(p *Pipeline) {
		if c.Workers > 0 {
			p.config.Workers = c.Workers
		}
		if c.LatencyBudget > 0 {
			p.config.LatencyBudget = c.LatencyBudget
		}
		if c.MaxFilesPerBatch >= 0 {
			p.config.MaxFilesPerBatch = c.MaxFilesPerBatch
		}
		if c.MaxFileSize >= 0 {
			p.config.MaxFileSize = c.MaxFileSize
		}
		if c.IgnoreGlobs != nil {
			p.config.IgnoreGlobs = c.IgnoreGlobs
		}
	}
}

// WithFS sets the file system files are read from. Default: os.DirFS(".").
func WithFS(fsys fs.FS) Option {
	return func(p *Pipeline) {
		if fsys != nil {
			p.fsys = fsys
		}
	}
}

// WithDirtyTracker shares a tracker with other components.
func WithDirtyTracker(d *DirtyTracker) Option {
	return func(p *Pipeline) {
		if d != nil {
			p.dirty = d
		}
	}
}

// Pipeline applies file changes to a store.
//
// Thread Safety:
//
//	Safe for concurrent use. Batches are serialized by an internal mutex,
//	making the pipeline the single logical writer of its store.
type Pipeline struct {
	store   *store.Store
	parsers *parse.Registry
	fsys    fs.FS
	dirty   *DirtyTracker
	logger  *slog.Logger
	config  Config

	writeMu sync.Mutex
	pending *pendingIndex
}

// NewPipeline creates a pipeline writing to s.
func NewPipeline(s *store.Store, parsers *parse.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   s,
		parsers: parsers,
		fsys:    os.DirFS("."),
		dirty:   NewDirtyTracker(),
		logger:  slog.Default(),
		config:  DefaultConfig(),
		pending: newPendingIndex(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dirty returns the pipeline's dirty tracker.
func (p *Pipeline) Dirty() *DirtyTracker {
	return p.dirty
}

// Pending returns the number of relationships waiting for an endpoint.
func (p *Pipeline) Pending() int {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.pending.size()
}

// Store returns the store the pipeline writes to.
func (p *Pipeline) Store() *store.Store {
	return p.store
}

// UpdateFile re-parses one file and replaces its entities.
func (p *Pipeline) UpdateFile(ctx context.Context, path string) (*Result, error) {
	return p.ApplyChanges(ctx, []Change{{Path: path, Kind: ChangeModify}})
}

// RemoveFile invalidates one file without parsing.
func (p *Pipeline) RemoveFile(ctx context.Context, path string) (*Result, error) {
	return p.ApplyChanges(ctx, []Change{{Path: path, Kind: ChangeRemove}})
}

// RetryDirty re-parses every dirty file.
func (p *Pipeline) RetryDirty(ctx context.Context) (*Result, error) {
	paths := p.dirty.Paths()
	changes := make([]Change, 0, len(paths))
	for _, path := range paths {
		changes = append(changes, Change{Path: path, Kind: ChangeModify})
	}
	return p.ApplyChanges(ctx, changes)
}

// ApplyChanges applies a batch of file events.
//
// Description:
//
//	Events are coalesced per path; the last event wins. Creates and
//	modifies are parsed concurrently outside the store lock, then every
//	removal and re-insertion in the chunk is applied under one write
//	acquisition. A modify for a file that no longer exists is treated as
//	a removal. Files without a registered parser are skipped.
//
// Inputs:
//
//	ctx - Context for cancellation. A cancelled batch applies nothing.
//	changes - File events, in arrival order.
//
// Outputs:
//
//	*Result - Counts and per-file parse failures. Parse failures are not
//	          returned as errors. Unresolved counts relationships of the
//	          changed files still pending when the call returns.
//	error - Non-nil only if ctx ended before a chunk was applied.
//
// Thread Safety: Safe for concurrent use.
func (p *Pipeline) ApplyChanges(ctx context.Context, changes []Change) (*Result, error) {
	result := newResult()
	changes = coalesce(changes)
	for _, chunk := range chunked(changes, p.config.MaxFilesPerBatch) {
		r, err := p.applyChunk(ctx, chunk)
		if err != nil {
			return result, err
		}
		result.merge(r)
	}

	paths := make([]string, len(changes))
	for i, c := range changes {
		paths[i] = c.Path
	}
	p.writeMu.Lock()
	result.Unresolved = p.pending.countFor(paths)
	p.writeMu.Unlock()
	return result, nil
}

// ApplyBatch applies already-parsed records under one write acquisition.
//
// Description:
//
//	Every file's previous entities are removed, then all entities are
//	inserted, then all relationships resolved. Relationships may therefore
//	reference entities of any file in the batch.
//
// Thread Safety: Safe for concurrent use.
func (p *Pipeline) ApplyBatch(ctx context.Context, records []*parse.FileRecords) (*Result, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	ctx, span := startUpdateSpan(ctx, "ApplyBatch", len(records))
	defer span.End()
	start := time.Now()

	result := newResult()
	result.FilesParsed = len(records)
	if err := p.apply(ctx, nil, records, result); err != nil {
		setSpanError(span, err)
		return nil, err
	}
	for _, rec := range records {
		p.dirty.Clear(rec.FilePath)
	}
	p.finish(ctx, result, start)
	return result, nil
}

func coalesce(changes []Change) []Change {
	latest := make(map[string]ChangeKind, len(changes))
	for _, c := range changes {
		latest[c.Path] = c.Kind
	}
	out := make([]Change, 0, len(latest))
	for path, kind := range latest {
		out = append(out, Change{Path: path, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func chunked(changes []Change, size int) [][]Change {
	if size <= 0 || len(changes) <= size {
		return [][]Change{changes}
	}
	out := make([][]Change, 0, len(changes)/size+1)
	for len(changes) > size {
		out = append(out, changes[:size])
		changes = changes[size:]
	}
	return append(out, changes)
}

func (p *Pipeline) applyChunk(ctx context.Context, chunk []Change) (*Result, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	ctx, span := startUpdateSpan(ctx, "ApplyChanges", len(chunk))
	defer span.End()
	start := time.Now()
	result := newResult()

	removes := make([]string, 0)
	parses := make([]string, 0, len(chunk))
	for _, c := range chunk {
		if c.Kind == ChangeRemove {
			removes = append(removes, c.Path)
			continue
		}
		if _, ok := p.parsers.ForPath(c.Path); !ok {
			result.FilesSkipped++
			continue
		}
		parses = append(parses, c.Path)
	}

	records, vanished, failures := p.parseAll(ctx, parses)
	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("apply changes canceled: %w", err)
		setSpanError(span, err)
		updateDuration.WithLabelValues("canceled").Observe(time.Since(start).Seconds())
		return nil, err
	}
	removes = append(removes, vanished...)

	result.FilesParsed = len(records)
	if err := p.apply(ctx, removes, records, result); err != nil {
		setSpanError(span, err)
		return nil, err
	}

	p.dirty.Clear(removes...)
	for _, rec := range records {
		p.dirty.Clear(rec.FilePath)
	}
	for _, f := range failures {
		p.dirty.MarkDirty(f.FilePath, SourceParse, f.Err.Error())
	}
	result.ParseErrors = failures

	p.finish(ctx, result, start)
	return result, nil
}

// parseAll parses paths concurrently. Failures never cancel siblings.
func (p *Pipeline) parseAll(ctx context.Context, paths []string) ([]*parse.FileRecords, []string, []FileError) {
	records := make([]*parse.FileRecords, len(paths))
	errs := make([]error, len(paths))

	var g errgroup.Group
	g.SetLimit(p.config.Workers)
	for i, path := range paths {
		g.Go(func() error {
			records[i], errs[i] = p.parseFile(ctx, path)
			return nil
		})
	}
	_ = g.Wait()

	parsed := make([]*parse.FileRecords, 0, len(paths))
	vanished := make([]string, 0)
	failures := make([]FileError, 0)
	for i, path := range paths {
		switch {
		case errs[i] == nil:
			parsed = append(parsed, records[i])
		case errors.Is(errs[i], fs.ErrNotExist):
			vanished = append(vanished, path)
		default:
			err := &graph.Error{
				Op:    "update_file",
				Phase: graph.PhaseParse,
				File:  path,
				Err:   fmt.Errorf("%w: %w", graph.ErrParseFailure, errs[i]),
			}
			failures = append(failures, FileError{FilePath: path, Message: err.Error(), Err: err})
		}
	}
	return parsed, vanished, failures
}

func (p *Pipeline) parseFile(ctx context.Context, path string) (*parse.FileRecords, error) {
	parser, ok := p.parsers.ForPath(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, parse.ErrUnsupportedLanguage)
	}
	info, err := fs.Stat(p.fsys, path)
	if err != nil {
		return nil, err
	}
	if p.config.MaxFileSize > 0 && info.Size() > p.config.MaxFileSize {
		return nil, &parse.ParseError{
			FilePath: path,
			Message:  fmt.Sprintf("size %d exceeds limit %d", info.Size(), p.config.MaxFileSize),
			Cause:    parse.ErrFileTooLarge,
		}
	}
	content, err := fs.ReadFile(p.fsys, path)
	if err != nil {
		return nil, err
	}
	rec, err := parser.Parse(ctx, content, path)
	if err != nil {
		return nil, err
	}
	rec.FilePath = path
	return rec, nil
}

// apply mutates the store under one write acquisition.
func (p *Pipeline) apply(ctx context.Context, removes []string, records []*parse.FileRecords, result *Result) error {
	batchFiles := make(map[string]bool, len(records))
	for _, rec := range records {
		batchFiles[rec.FilePath] = true
	}
	touched := make(map[string]bool, len(records)+len(removes))
	for path := range batchFiles {
		touched[path] = true
	}
	for _, path := range removes {
		touched[path] = true
	}

	return p.store.Update(ctx, func(g *graph.Graph) error {
		inbound := make([]inboundEdge, 0)
		for _, path := range removes {
			inbound = append(inbound, externalInbound(g, path, touched)...)
			n, e := g.RemoveNodesByFile(path)
			result.NodesRemoved += n
			result.EdgesRemoved += e
			result.FilesRemoved++
			p.pending.take(path)
		}

		for _, rec := range records {
			inbound = append(inbound, externalInbound(g, rec.FilePath, touched)...)
			n, e := g.RemoveNodesByFile(rec.FilePath)
			result.NodesRemoved += n
			result.EdgesRemoved += e
			p.pending.take(rec.FilePath)
		}

		inserted := make([]graph.Entity, 0)
		for _, rec := range records {
			for _, er := range rec.Entities {
				e := er.Entity(rec.FilePath)
				if _, created := g.UpsertNode(e); created {
					result.NodesAdded++
				}
				inserted = append(inserted, e)
			}
		}

		for _, rec := range records {
			for _, rel := range rec.Relationships {
				created, ok := link(g, rel)
				if !ok {
					p.pending.add(rec.FilePath, rel)
					result.Unresolved++
					continue
				}
				if created {
					result.EdgesAdded++
				}
			}
		}

		// Relationships of other files waiting for the inserted names.
		for _, path := range p.pending.waiting(inserted, batchFiles) {
			for _, rel := range p.pending.take(path) {
				created, ok := link(g, rel)
				if !ok {
					p.pending.add(path, rel)
					continue
				}
				if created {
					result.EdgesLinked++
				}
			}
		}

		// Edges from untouched files into entities whose identity survived
		// are restored. The rest follow the target's qualified name.
		for _, in := range inbound {
			created, err := g.UpsertEdge(in.edge.From, in.edge.To, in.edge.Kind)
			if err == nil {
				if created {
					result.EdgesRestored++
				}
				continue
			}
			rel := parse.Relationship{
				From: parse.HashRef(in.edge.From),
				To:   parse.Ref{QualifiedName: in.target},
				Kind: in.edge.Kind,
			}
			created, ok := link(g, rel)
			if !ok {
				p.pending.add(in.file, rel)
				continue
			}
			if created {
				result.EdgesLinked++
			}
		}

		if n := g.MaybeCompact(); n > 0 {
			p.logger.Debug("graph arena compacted", slog.Int("reclaimed", n))
		}
		return nil
	})
}

// link resolves both endpoints of rel and inserts the edge. ok is false if
// either endpoint did not resolve to exactly one entity.
func link(g *graph.Graph, rel parse.Relationship) (created, ok bool) {
	fromOK, toOK := endpointFilters(rel.Kind)
	from, ok := resolve(g, rel.From, fromOK)
	if !ok {
		return false, false
	}
	to, ok := resolve(g, rel.To, toOK)
	if !ok {
		return false, false
	}
	created, err := g.UpsertEdge(from, to, rel.Kind)
	if err != nil {
		return false, false
	}
	return created, true
}

// inboundEdge is an edge from an untouched file into a changed one.
type inboundEdge struct {
	edge   graph.Edge
	file   string
	target string
}

// externalInbound lists edges into path's entities from files outside
// skip.
func externalInbound(g *graph.Graph, path string, skip map[string]bool) []inboundEdge {
	out := make([]inboundEdge, 0)
	for _, e := range g.NodesInFile(path) {
		h, ok := g.Lookup(e.Hash)
		if !ok {
			continue
		}
		for _, a := range g.Incoming(h) {
			peer := g.Entity(a.Peer)
			if skip[peer.FilePath] {
				continue
			}
			out = append(out, inboundEdge{
				edge:   graph.Edge{From: peer.Hash, To: e.Hash, Kind: a.Kind},
				file:   peer.FilePath,
				target: e.QualifiedName,
			})
		}
	}
	return out
}

func (p *Pipeline) finish(ctx context.Context, result *Result, start time.Time) {
	result.Duration = time.Since(start)
	logger := loggerWithTrace(ctx, p.logger)

	budget := p.config.LatencyBudget * time.Duration(max(1, result.FilesParsed+result.FilesRemoved))
	if p.config.LatencyBudget > 0 && result.Duration > budget {
		result.OverBudget = true
		updateBudgetOverruns.Inc()
		logger.Warn("update exceeded latency budget",
			slog.Duration("duration", result.Duration),
			slog.Duration("budget", budget),
			slog.Int("files", result.FilesParsed+result.FilesRemoved),
		)
	}

	updateDuration.WithLabelValues("ok").Observe(result.Duration.Seconds())
	updateFilesTotal.WithLabelValues("parsed").Add(float64(result.FilesParsed))
	updateFilesTotal.WithLabelValues("removed").Add(float64(result.FilesRemoved))
	updateFilesTotal.WithLabelValues("failed").Add(float64(len(result.ParseErrors)))
	updateFilesTotal.WithLabelValues("skipped").Add(float64(result.FilesSkipped))
	updateUnresolved.Add(float64(result.Unresolved))
	pendingGauge.Set(float64(p.pending.size()))
	dirtyFilesGauge.Set(float64(p.dirty.Count()))

	for _, f := range result.ParseErrors {
		logger.Warn("file parse failed, keeping previous entities",
			slog.String("file", f.FilePath),
			slog.String("error", f.Err.Error()),
		)
	}
	logger.Debug("update applied",
		slog.Int("files_parsed", result.FilesParsed),
		slog.Int("files_removed", result.FilesRemoved),
		slog.Int("nodes_removed", result.NodesRemoved),
		slog.Int("nodes_added", result.NodesAdded),
		slog.Int("edges_added", result.EdgesAdded),
		slog.Int("edges_restored", result.EdgesRestored),
		slog.Int("edges_linked", result.EdgesLinked),
		slog.Int("unresolved", result.Unresolved),
		slog.Duration("duration", result.Duration),
	)
}
